// Package agentmgr wires the manager's components from a TOML configuration
// file. The CLI and embedding programs build on Open.
package agentmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/agentmgr/internal/agent"
	"github.com/loykin/agentmgr/internal/bootstrap"
	"github.com/loykin/agentmgr/internal/config"
	"github.com/loykin/agentmgr/internal/cron"
	"github.com/loykin/agentmgr/internal/handoff"
	"github.com/loykin/agentmgr/internal/history"
	"github.com/loykin/agentmgr/internal/history/factory"
	"github.com/loykin/agentmgr/internal/instance"
	"github.com/loykin/agentmgr/internal/metrics"
	"github.com/loykin/agentmgr/internal/server"
	"github.com/loykin/agentmgr/internal/service"
	"github.com/loykin/agentmgr/internal/update"
)

// Re-export the types callers see in results.

type Status = service.Status

type Result = service.Result

type Release = update.Release

type Config = config.Config

// ErrConfig wraps configuration load and validation failures.
var ErrConfig = errors.New("invalid configuration")

// SampleInterval is how often the run loop records service state and resources.
const SampleInterval = 15 * time.Second

type Options struct {
	ConfigPath string
	Version    string // version of the running manager build

	// Logger overrides the logger built from the [log] table.
	Logger *slog.Logger
	// Quiet keeps the built logger off stderr.
	Quiet bool

	// PromptIn and PromptOut back the "prompt" lock policy; default stdin/stderr.
	PromptIn  io.Reader
	PromptOut io.Writer

	// Registerer receives the collectors; default prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Backend replaces the configured service backend, e.g. in tests.
	Backend service.Backend
}

// Manager holds the wired components for one configuration.
type Manager struct {
	cfg     *config.Config
	store   *config.Store
	log     *slog.Logger
	version string

	history   history.Sink
	svc       *service.Controller
	lock      *instance.Manager
	handoffs  *handoff.Store
	updater   *update.Updater
	agent     *agent.Installer
	resources *metrics.ResourceSampler
	metricsH  http.Handler
}

func Open(opts Options) (*Manager, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	m := &Manager{cfg: cfg, store: config.NewStore(opts.ConfigPath), version: opts.Version}

	m.log = opts.Logger
	if m.log == nil {
		lc := cfg.LoggerConfig()
		lc.Slog.NoStderr = opts.Quiet
		m.log = lc.NewSlogger()
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := metrics.Register(reg); err != nil {
		m.log.Warn("metrics registration failed", "error", err)
	}
	m.metricsH = metrics.Handler()
	if g, ok := reg.(prometheus.Gatherer); ok && reg != prometheus.DefaultRegisterer {
		m.metricsH = metrics.HandlerFor(g)
	}

	if cfg.History.Enabled {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			m.log.Warn("history sink disabled", "dsn", cfg.History.DSN, "error", err)
		} else {
			m.history = sink
		}
	}

	backend := opts.Backend
	if backend == nil {
		backend, err = service.NewBackend(service.BackendOptions{
			Kind:     cfg.Service.Backend,
			NSSMPath: cfg.Service.NSSMPath,
			StateDir: cfg.ServiceStateDir(),
			Logger:   m.log,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}
	m.svc = service.New(backend, service.Options{
		Name:         cfg.Service.Name,
		DisplayName:  cfg.Service.DisplayName,
		Description:  cfg.Service.Description,
		WorkDir:      cfg.Service.WorkDir,
		LogPath:      cfg.Service.LogFile,
		AutoStart:    cfg.Service.AutoStart,
		RestartDelay: cfg.Service.RestartDelay,
		PollInterval: cfg.Service.PollInterval,
		KillGrace:    cfg.Service.KillGrace,
		RestartGrace: cfg.Service.RestartGrace,
		StopTimeout:  cfg.Service.StopTimeout,
		Logger:       m.log,
		History:      m.history,
	})

	in, out := opts.PromptIn, opts.PromptOut
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}
	policy, err := instance.PolicyByName(cfg.Lock.Policy, in, out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	m.lock = instance.NewManager(cfg.Lock.Path, instance.Options{
		Policy:         policy,
		TerminateGrace: cfg.Lock.TerminateGrace,
		Logger:         m.log,
		History:        m.history,
	})
	m.handoffs = handoff.NewStore(cfg.DataDir)

	if cfg.Update.Repo != "" {
		m.updater = update.New(update.Options{
			Source:        m.releaseSource(cfg.Update.Repo, cfg.Update.Asset),
			StagingDir:    cfg.Update.StagingDir,
			Asset:         cfg.Update.Asset,
			InstallPath:   cfg.ManagerPath(),
			Handoffs:      m.handoffs,
			VerifyTimeout: cfg.Update.VerifyTimeout,
			CopyAttempts:  cfg.Update.CopyAttempts,
			CopyDelay:     cfg.Update.CopyDelay,
			PollInterval:  cfg.Update.PollInterval,
			Logger:        m.log,
			History:       m.history,
		})
	}
	if cfg.Agent.Repo != "" {
		m.agent = agent.NewInstaller(agent.Options{
			Source:      m.releaseSource(cfg.Agent.Repo, cfg.Agent.Asset),
			BinaryPath:  cfg.Service.Binary,
			Executable:  cfg.Agent.Executable,
			Controller:  m.svc,
			Store:       m.store,
			StopTimeout: cfg.Service.StopTimeout,
			Logger:      m.log,
			History:     m.history,
		})
	}
	m.resources = metrics.NewResourceSampler(cfg.Service.Name, 240)
	return m, nil
}

func (m *Manager) releaseSource(repo, asset string) *update.GitHubSource {
	return &update.GitHubSource{Repo: repo, Asset: asset, APIURL: m.cfg.Update.APIURL, Token: m.cfg.Update.Token}
}

func (m *Manager) Config() *config.Config              { return m.cfg }
func (m *Manager) Logger() *slog.Logger                { return m.log }
func (m *Manager) Version() string                     { return m.version }
func (m *Manager) Service() *service.Controller        { return m.svc }
func (m *Manager) Lock() *instance.Manager             { return m.lock }
func (m *Manager) Handoffs() *handoff.Store            { return m.handoffs }
func (m *Manager) Store() service.ConfigStore          { return m.store }
func (m *Manager) History() history.Sink               { return m.history }
func (m *Manager) Resources() *metrics.ResourceSampler { return m.resources }

// Updater is nil when update.repo is not configured.
func (m *Manager) Updater() *update.Updater { return m.updater }

// Agent is nil when agent.repo is not configured.
func (m *Manager) Agent() *agent.Installer { return m.agent }

// Apply configures the service from the configuration file.
func (m *Manager) Apply(ctx context.Context) (Result, error) {
	return m.svc.Apply(ctx, m.store)
}

// HandoffExecutor runs hand-off requests against this manager's store.
func (m *Manager) HandoffExecutor() *handoff.Executor {
	return &handoff.Executor{Store: m.handoffs, Log: m.log, History: m.history}
}

// Bootstrap makes sure the process runs elevated from the install path.
// Any outcome other than bootstrap.OutcomeInPlace means the process should end.
func (m *Manager) Bootstrap(ctx context.Context, args []string) (bootstrap.Outcome, error) {
	return bootstrap.New(bootstrap.Options{
		InstallPath:  m.cfg.ManagerPath(),
		DataDir:      m.cfg.DataDir,
		ACLMarker:    m.cfg.ACLMarkerPath(),
		Args:         args,
		Lock:         m.lock,
		Handoff:      m.HandoffExecutor(),
		CopyAttempts: m.cfg.Update.CopyAttempts,
		CopyDelay:    m.cfg.Update.CopyDelay,
		Logger:       m.log,
	}).EnsureElevatedAndLocated(ctx)
}

// Router exposes the control API.
func (m *Manager) Router(basePath string) *server.Router {
	deps := server.Deps{
		Service:        m.svc,
		Store:          m.store,
		Lock:           m.lock,
		Version:        m.version,
		Resources:      m.resources,
		DefaultTimeout: m.cfg.Service.StopTimeout,
		Logger:         m.log,
	}
	if m.updater != nil {
		deps.Updates = m.updater
	}
	if r, ok := m.history.(history.Reader); ok {
		deps.History = r
	}
	if m.cfg.Metrics.Enabled {
		deps.Metrics = m.metricsH
	}
	return server.NewRouter(deps, basePath)
}

// Sample records the service state gauge and, when running, a resource sample.
func (m *Manager) Sample(ctx context.Context) error {
	st, err := m.svc.Status(ctx)
	all := make([]string, len(service.AllStates))
	for i, s := range service.AllStates {
		all[i] = string(s)
	}
	metrics.SetServiceState(m.cfg.Service.Name, string(st.State), all)
	if err != nil {
		return err
	}
	if st.State == service.StateRunning && st.PID > 0 {
		if _, err := m.resources.Sample(st.PID); err != nil {
			m.log.Debug("resource sample failed", "pid", st.PID, "error", err)
		}
	}
	return nil
}

// Scheduler registers the periodic jobs: state sampling always, update
// checks with update.schedule and service restarts with
// service.restart_schedule. relaunchArgs are passed to the new build when an
// update is applied automatically.
func (m *Manager) Scheduler(relaunchArgs []string) (*cron.Scheduler, error) {
	s := cron.NewScheduler(m.log)
	jobs := []*cron.Job{{
		Name:     "service-sample",
		Schedule: "@every " + SampleInterval.String(),
		Run:      m.Sample,
	}}
	if m.cfg.Update.Schedule != "" && m.updater != nil {
		jobs = append(jobs, &cron.Job{
			Name:     "update-check",
			Schedule: m.cfg.Update.Schedule,
			Run: func(ctx context.Context) error {
				rel, newer, err := m.updater.Check(ctx, m.version)
				if err != nil || !newer {
					return err
				}
				if !m.cfg.Update.AutoApply {
					m.log.Info("update available", "current", m.version, "latest", rel.Version)
					return nil
				}
				return m.updater.StartUpdate(ctx, rel, relaunchArgs, os.Getpid())
			},
		})
	}
	if m.cfg.Service.RestartSchedule != "" {
		jobs = append(jobs, &cron.Job{
			Name:     "service-restart",
			Schedule: m.cfg.Service.RestartSchedule,
			Run: func(ctx context.Context) error {
				_, err := m.svc.Restart(ctx, m.cfg.Service.StopTimeout)
				return err
			},
		})
	}
	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// WatchConfig re-applies the service configuration whenever the config
// file changes. It is a no-op without a config file.
func (m *Manager) WatchConfig(ctx context.Context) error {
	if m.store.Path() == "" {
		return nil
	}
	return config.Watch(ctx, m.store.Path(), m.log, func(c *config.Config) {
		d, err := c.Desired()
		if err != nil {
			m.log.Warn("config change not applied", "error", err)
			return
		}
		if _, err := m.svc.Configure(ctx, d.BinaryPath, d.Env); err != nil {
			m.log.Error("re-applying service configuration failed", "error", err)
		}
	})
}

// Close releases the history sink.
func (m *Manager) Close() error {
	if c, ok := m.history.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
