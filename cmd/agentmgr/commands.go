package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/loykin/agentmgr"
	"github.com/loykin/agentmgr/internal/bootstrap"
	"github.com/loykin/agentmgr/internal/handoff"
	"github.com/loykin/agentmgr/internal/history"
	"github.com/loykin/agentmgr/internal/logger"
	"github.com/loykin/agentmgr/internal/process"
	"github.com/loykin/agentmgr/internal/server"
	"github.com/loykin/agentmgr/internal/service"
	"github.com/loykin/agentmgr/internal/update"
	"github.com/loykin/agentmgr/pkg/client"
)

var (
	errUpdatesDisabled = errors.New("updates are not configured: set update.repo")
	errAgentDisabled   = errors.New("agent installs are not configured: set agent.repo")
	errHistoryDisabled = errors.New("history is not enabled: set history.enabled")
)

type command struct {
	global *GlobalFlags
	out    io.Writer
	// args is the process command line without the executable; it is what
	// gets relaunched after elevation, relocation or an update.
	args []string
	open func(agentmgr.Options) (*agentmgr.Manager, error)
}

func (c command) manager(quiet bool) (*agentmgr.Manager, error) {
	return c.open(agentmgr.Options{ConfigPath: c.global.ConfigPath, Version: version, Quiet: quiet})
}

func (c command) apiClient(url string, timeout time.Duration) *client.Client {
	return client.New(client.Config{BaseURL: url, Timeout: timeout})
}

// Run is the long-running manager: bootstrap, single-instance lock, service
// configuration, scheduled jobs and the control API until a signal arrives.
func (c command) Run(ctx context.Context, f RunFlags) error {
	if f.Daemonize {
		_, err := daemonize(c.args, c.out)
		return err
	}
	m, err := c.manager(f.Hidden)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	log := m.Logger()
	relaunch := withoutFlag(c.args, "--daemonize")

	if !f.InPlace {
		outcome, err := m.Bootstrap(ctx, relaunch)
		if err != nil {
			return err
		}
		if outcome != bootstrap.OutcomeInPlace {
			return nil
		}
	}
	if fail, err := m.Handoffs().ConsumeFailure(); err != nil {
		log.Warn("reading hand-off failure marker", "error", err)
	} else if fail != nil {
		log.Error("previous hand-off failed",
			"destination", fail.Request.Destination,
			"version", fail.Request.Version,
			"failed_at", fail.FailedAt,
			"error", fail.Error)
	}

	if err := m.Lock().Acquire(ctx); err != nil {
		return err
	}
	defer m.Lock().Release()
	log.Info("manager started", "version", version, "pid", os.Getpid(), "config", c.global.ConfigPath)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if ag := m.Agent(); ag != nil {
		if applied, err := ag.ApplyStaged(ctx); err != nil {
			log.Warn("staged agent binary not applied", "error", err)
		} else if applied {
			log.Info("staged agent binary applied")
		}
	}
	if res, err := m.Apply(ctx); err != nil {
		// keep running so the configuration can be fixed through the API
		log.Error("service configuration failed", "state", res.State, "error", err)
	}
	if err := m.WatchConfig(ctx); err != nil {
		log.Warn("config file not watched", "error", err)
	}

	sched, err := m.Scheduler(relaunch)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	cfg := m.Config()
	if cfg.Server.Enabled {
		srv := server.NewServer(cfg.Server.Listen, m.Router(cfg.Server.BasePath))
		log.Info("control api listening", "addr", cfg.Server.Listen, "base", cfg.Server.BasePath)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	<-ctx.Done()
	log.Info("manager stopping")
	return nil
}

func (c command) ServiceStatus(ctx context.Context, f ServiceFlags) error {
	if f.APIUrl != "" {
		st, err := c.apiClient(f.APIUrl, f.APITimeout).Status(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	}
	m, err := c.manager(false)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	st, err := m.Service().Status(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

// ServiceConfigure applies the config file, or --binary and --env when given.
func (c command) ServiceConfigure(ctx context.Context, f ServiceFlags) error {
	env, err := parseEnv(f.Env)
	if err != nil {
		return err
	}
	if f.Binary == "" && len(env) > 0 {
		return errors.New("--env requires --binary")
	}
	if f.APIUrl != "" {
		res, err := c.apiClient(f.APIUrl, f.APITimeout).Configure(ctx, client.ConfigureRequest{BinaryPath: f.Binary, Env: env})
		printJSON(c.out, res.Result)
		return err
	}
	m, err := c.manager(false)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	var res service.Result
	if f.Binary == "" {
		res, err = m.Apply(ctx)
	} else {
		res, err = m.Service().Configure(ctx, f.Binary, env)
	}
	printJSON(c.out, res)
	return err
}

func (c command) ServiceStart(ctx context.Context, f ServiceFlags) error {
	if f.APIUrl != "" {
		cl := c.apiClient(f.APIUrl, f.APITimeout)
		if err := cl.Start(ctx); err != nil {
			return err
		}
		st, err := cl.Status(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	}
	m, err := c.manager(false)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	if err := m.Service().Start(ctx); err != nil {
		return err
	}
	st, err := m.Service().Status(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

// ServiceOp runs stop, restart or remove. The result is printed even when
// the operation fails, so forced_kill and the final state stay visible.
func (c command) ServiceOp(ctx context.Context, op string, f ServiceFlags) error {
	if f.APIUrl != "" {
		cl := c.apiClient(f.APIUrl, f.APITimeout)
		var res client.OperationResult
		var err error
		switch op {
		case "stop":
			res, err = cl.Stop(ctx, f.Timeout)
		case "restart":
			res, err = cl.Restart(ctx, f.Timeout)
		case "remove":
			res, err = cl.Remove(ctx, f.Timeout)
		default:
			return fmt.Errorf("unknown service operation %q", op)
		}
		printJSON(c.out, res.Result)
		return err
	}

	m, err := c.manager(false)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = m.Config().Service.StopTimeout
	}
	svc := m.Service()
	var res service.Result
	switch op {
	case "stop":
		res, err = svc.Stop(ctx, timeout)
	case "restart":
		res, err = svc.Restart(ctx, timeout)
	case "remove":
		res, err = svc.Remove(ctx, timeout)
	default:
		return fmt.Errorf("unknown service operation %q", op)
	}
	printJSON(c.out, res)
	return err
}

func (c command) LockStatus(ctx context.Context, f LockFlags) error {
	if f.APIUrl != "" {
		l, err := c.apiClient(f.APIUrl, f.APITimeout).Lock(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, l)
		return nil
	}
	m, err := c.manager(false)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	pid, alive, err := m.Lock().Holder()
	if err != nil {
		return err
	}
	printJSON(c.out, client.LockStatus{Path: m.Lock().Path(), PID: pid, Alive: alive})
	return nil
}

func (c command) History(ctx context.Context, f HistoryFlags) error {
	if f.APIUrl != "" {
		events, err := c.apiClient(f.APIUrl, f.APITimeout).History(ctx, f.Limit)
		if err != nil {
			return err
		}
		printJSON(c.out, events)
		return nil
	}
	m, err := c.manager(false)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	r, ok := m.History().(history.Reader)
	if !ok {
		return errHistoryDisabled
	}
	events, err := r.Recent(ctx, f.Limit)
	if err != nil {
		return err
	}
	printJSON(c.out, events)
	return nil
}

func (c command) updater() (*agentmgr.Manager, *update.Updater, error) {
	m, err := c.manager(false)
	if err != nil {
		return nil, nil, err
	}
	if m.Updater() == nil {
		_ = m.Close()
		return nil, nil, errUpdatesDisabled
	}
	return m, m.Updater(), nil
}

func (c command) UpdateCheck(ctx context.Context) error {
	m, u, err := c.updater()
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	rel, newer, err := u.Check(ctx, version)
	if err != nil {
		return err
	}
	printJSON(c.out, struct {
		Current string           `json:"current"`
		Latest  agentmgr.Release `json:"latest"`
		Newer   bool             `json:"newer"`
	}{version, rel, newer})
	return nil
}

func (c command) UpdateList(ctx context.Context, f UpdateFlags) error {
	m, u, err := c.updater()
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	rels, err := u.List(ctx, f.Limit)
	if err != nil {
		return err
	}
	printJSON(c.out, rels)
	return nil
}

// UpdateStage downloads and verifies a release without installing it.
func (c command) UpdateStage(ctx context.Context, f UpdateFlags) error {
	m, u, err := c.updater()
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	rel, err := u.Resolve(ctx, f.Version)
	if err != nil {
		return err
	}
	path, err := u.StageDownload(ctx, rel, f.Force)
	if err != nil {
		return err
	}
	if err := u.Verify(ctx, path, rel); err != nil {
		return err
	}
	printJSON(c.out, map[string]string{"version": rel.Version, "path": path})
	return nil
}

// UpdateApply replaces the installed manager with a release. A running
// manager is stopped only once the hand-off helper has been launched, and
// the helper restarts it from the install path with the window state it had.
func (c command) UpdateApply(ctx context.Context, f UpdateFlags) error {
	m, u, err := c.updater()
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	rel, err := u.Resolve(ctx, f.Version)
	if err != nil {
		return err
	}
	if !f.Force && !update.IsNewer(version, rel.Version) {
		_, _ = fmt.Fprintf(c.out, "already at %s (latest %s)\n", version, rel.Version)
		return nil
	}
	var holderArgs []string
	if pid, alive, _ := m.Lock().Holder(); alive && pid != os.Getpid() {
		if argv, err := process.CommandLine(pid); err == nil {
			holderArgs = argv
		} else {
			m.Logger().Debug("holder command line unavailable", "pid", pid, "error", err)
		}
	}
	configPath := ""
	if c.global.ConfigPath != "" {
		if configPath, err = filepath.Abs(c.global.ConfigPath); err != nil {
			return err
		}
	}
	return u.StartReplacing(ctx, rel, relaunchArgs(holderArgs, configPath), os.Getpid(), m.Lock().TerminateHolder)
}

func (c command) AgentInstall(ctx context.Context, f AgentFlags) error {
	m, err := c.manager(false)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	ag := m.Agent()
	if ag == nil {
		return errAgentDisabled
	}
	res, err := ag.Install(ctx, f.Version)
	printJSON(c.out, res)
	return err
}

// Handoff executes a persisted hand-off request. It runs detached and usually
// elevated, so it logs to handoff.log in the data directory.
func (c command) Handoff(ctx context.Context, f HandoffFlags) error {
	if f.Request == "" {
		return errors.New("--request is required")
	}
	var ex *handoff.Executor
	if c.global.ConfigPath != "" {
		m, err := c.manager(true)
		if err != nil {
			return err
		}
		defer func() { _ = m.Close() }()
		ex = m.HandoffExecutor()
	} else {
		store := handoff.StoreFor(f.Request)
		lc := logger.Config{
			Slog: logger.SlogConfig{Level: logger.LevelInfo, Format: logger.FormatText, TimeStamps: true},
			File: logger.FileConfig{Path: filepath.Join(filepath.Dir(store.Dir()), "handoff.log")},
		}
		ex = &handoff.Executor{Store: store, Log: lc.NewSlogger()}
	}
	out, err := ex.RunFile(ctx, f.Request)
	printJSON(c.out, out)
	return err
}

func (c command) Version(f VersionFlags) error {
	if f.Short {
		_, _ = fmt.Fprintln(c.out, version)
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "agentmgr %s (%s, %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return nil
}
