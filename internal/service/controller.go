// Package service drives the supervised service through its host (the
// Windows service control manager, NSSM, or a pidfile supervisor) with
// bounded polling and forced-termination escalation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/agentmgr/internal/env"
	"github.com/loykin/agentmgr/internal/history"
	"github.com/loykin/agentmgr/internal/logger"
	"github.com/loykin/agentmgr/internal/metrics"
	"github.com/loykin/agentmgr/internal/process"
)

const (
	DefaultPollInterval = time.Second
	DefaultKillGrace    = 10 * time.Second
	DefaultRestartGrace = 2 * time.Second
	DefaultStopTimeout  = 30 * time.Second
)

// Options configures a Controller. Zero durations take the defaults above.
type Options struct {
	Name         string
	DisplayName  string
	Description  string
	Args         []string
	WorkDir      string
	LogPath      string
	AutoStart    bool
	RestartDelay time.Duration

	PollInterval time.Duration
	KillGrace    time.Duration
	RestartGrace time.Duration
	StopTimeout  time.Duration // used by Configure and Apply

	Killer  func(pid int) error // default process.KillTree
	Alive   func(pid int) bool  // default process.Exists
	Logger  *slog.Logger
	History history.Sink
}

// Result is the outcome of a state-changing operation.
type Result struct {
	ForcedKill bool  `json:"forced_kill"`
	Reached    bool  `json:"reached"`
	State      State `json:"state"`
}

// Status is a fresh observation of the service.
type Status struct {
	Name  string `json:"name"`
	State State  `json:"state"`
	PID   int    `json:"pid,omitempty"`
}

// Controller serialises state-changing operations on one service.
type Controller struct {
	backend Backend
	opts    Options
	log     *slog.Logger

	mu sync.Mutex
}

func New(backend Backend, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.RestartGrace <= 0 {
		opts.RestartGrace = DefaultRestartGrace
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Killer == nil {
		opts.Killer = process.KillTree
	}
	if opts.Alive == nil {
		opts.Alive = process.Exists
	}
	if opts.DisplayName == "" {
		opts.DisplayName = opts.Name
	}
	return &Controller{
		backend: backend,
		opts:    opts,
		log:     logger.Component(opts.Logger, "service").With("service", opts.Name),
	}
}

func (c *Controller) Name() string { return c.opts.Name }

// Apply reads the desired configuration from store and configures the service with it.
func (c *Controller) Apply(ctx context.Context, store ConfigStore) (Result, error) {
	d, err := store.Current()
	if err != nil {
		return Result{State: StateUnknown}, &ConfigError{Service: c.opts.Name, Reason: "read configuration", Err: err}
	}
	return c.Configure(ctx, d.BinaryPath, d.Env)
}

// Configure installs or updates the service definition for binaryPath and
// env, then restarts the service so the change takes effect.
func (c *Controller) Configure(ctx context.Context, binaryPath string, vars map[string]string) (res Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.observe("configure", time.Now(), &res, &err)

	if binaryPath == "" {
		return Result{State: StateUnknown}, &ConfigError{Service: c.opts.Name, Reason: "no binary path configured"}
	}
	fi, statErr := os.Stat(binaryPath)
	if statErr != nil {
		return Result{State: StateUnknown}, &ConfigError{Service: c.opts.Name, Reason: "binary not found", Err: statErr}
	}
	if fi.IsDir() {
		return Result{State: StateUnknown}, &ConfigError{Service: c.opts.Name, Reason: binaryPath + " is a directory"}
	}

	def := c.definition(binaryPath, vars)
	if err := c.backend.Install(ctx, def); err != nil {
		return Result{State: StateUnknown}, &ConfigError{Service: c.opts.Name, Reason: "install definition", Err: err}
	}
	c.log.Info("service definition applied", "binary", binaryPath, "env_vars", len(def.Env))
	c.emit(ctx, history.Event{Type: history.EventServiceConfigured, Detail: binaryPath}, nil)

	return c.restart(ctx, c.opts.StopTimeout)
}

func (c *Controller) definition(binaryPath string, vars map[string]string) Definition {
	e := env.New()
	for k, v := range vars {
		e.Set(k, v)
	}
	workDir := c.opts.WorkDir
	if workDir == "" {
		workDir = filepath.Dir(binaryPath)
	}
	return Definition{
		Name:         c.opts.Name,
		DisplayName:  c.opts.DisplayName,
		Description:  c.opts.Description,
		BinaryPath:   binaryPath,
		Args:         c.opts.Args,
		WorkDir:      workDir,
		Env:          e.Service(nil),
		LogPath:      c.opts.LogPath,
		AutoStart:    c.opts.AutoStart,
		RestartDelay: c.opts.RestartDelay,
	}
}

// Start requests the service to start and returns without waiting.
func (c *Controller) Start(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := Result{}
	defer c.observe("start", time.Now(), &res, &err)
	return c.start(ctx)
}

func (c *Controller) start(ctx context.Context) error {
	st, _, _ := c.query(ctx)
	switch st {
	case StateNotFound:
		return &ConfigError{Service: c.opts.Name, Reason: "not installed"}
	case StateRunning, StateStartPending:
		c.log.Debug("start skipped", "state", st)
		return nil
	}
	if err := c.backend.Start(ctx, c.opts.Name); err != nil {
		return fmt.Errorf("start %s: %w", c.opts.Name, err)
	}
	c.log.Info("start requested", "from", st)
	c.emit(ctx, history.Event{Type: history.EventServiceStarted, State: string(st)}, nil)
	return nil
}

// Stop requests a stop and waits up to timeout for STOPPED, escalating to a
// process-tree kill when the wait runs out.
func (c *Controller) Stop(ctx context.Context, timeout time.Duration) (res Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.observe("stop", time.Now(), &res, &err)
	res, _, err = c.stop(ctx, timeout)
	return res, err
}

// stop also returns the last pid seen so restart can confirm it is gone.
func (c *Controller) stop(ctx context.Context, timeout time.Duration) (Result, int, error) {
	st, pid, _ := c.query(ctx)
	if st == StateNotFound || st == StateStopped {
		return Result{Reached: true, State: st}, pid, nil
	}
	if st != StateStopPending {
		if err := c.backend.Stop(ctx, c.opts.Name); err != nil {
			c.log.Warn("stop request failed, waiting anyway", "state", st, "error", err)
		} else {
			c.log.Info("stop requested", "from", st, "pid", pid)
		}
	}

	st, last, reached, err := c.waitFor(ctx, timeout, StateStopped, StateNotFound)
	if last > 0 {
		pid = last
	}
	if err != nil {
		return Result{State: st}, pid, err
	}
	if reached {
		c.emit(ctx, history.Event{Type: history.EventServiceStopped, PID: pid, State: string(st)}, nil)
		return Result{Reached: true, State: st}, pid, nil
	}

	c.log.Warn("stop timed out, escalating", "timeout", timeout, "state", st, "pid", pid)
	st, pid, reached, err = c.escalate(ctx, pid)
	res := Result{ForcedKill: true, Reached: reached, State: st}
	if err != nil {
		return res, pid, err
	}
	if !reached {
		err := fmt.Errorf("stop %s: %w (state %s after kill)", c.opts.Name, ErrStateNotReached, st)
		c.log.Error("service still not stopped after forced kill", "state", st, "pid", pid)
		return res, pid, err
	}
	c.emit(ctx, history.Event{Type: history.EventServiceStopped, PID: pid, State: string(st), Detail: "forced"}, nil)
	return res, pid, nil
}

// escalate kills the process tree of pid (re-resolving it when unknown) and
// polls for STOPPED up to KillGrace.
func (c *Controller) escalate(ctx context.Context, pid int) (State, int, bool, error) {
	if pid <= 0 {
		_, pid, _ = c.query(ctx)
	}
	if pid > 0 {
		if err := c.opts.Killer(pid); err != nil {
			c.log.Error("kill tree failed", "pid", pid, "error", err)
		} else {
			c.log.Warn("killed service process tree", "pid", pid)
		}
	} else {
		c.log.Error("cannot resolve service pid for forced kill")
	}
	c.emit(ctx, history.Event{Type: history.EventForcedKill, PID: pid}, nil)
	st, last, reached, err := c.waitFor(ctx, c.opts.KillGrace, StateStopped, StateNotFound)
	if last > 0 {
		pid = last
	}
	return st, pid, reached, err
}

// Restart stops the service (fully resolved), starts it and waits up to
// timeout for RUNNING. On failure it escalates, waits RestartGrace and tries
// exactly one more start.
func (c *Controller) Restart(ctx context.Context, timeout time.Duration) (res Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.observe("restart", time.Now(), &res, &err)
	return c.restart(ctx, timeout)
}

func (c *Controller) restart(ctx context.Context, timeout time.Duration) (Result, error) {
	res, prev, err := c.stop(ctx, timeout)
	if err != nil {
		return res, fmt.Errorf("restart: %w", err)
	}
	if res.State == StateNotFound {
		return res, &ConfigError{Service: c.opts.Name, Reason: "not installed"}
	}
	forced := res.ForcedKill

	if err := c.ensureGone(ctx, prev); err != nil {
		return Result{ForcedKill: true, State: StateUnknown}, err
	}
	if err := c.start(ctx); err != nil {
		return Result{ForcedKill: forced, State: StateUnknown}, err
	}
	st, pid, reached, err := c.waitFor(ctx, timeout, StateRunning)
	if err != nil {
		return Result{ForcedKill: forced, State: st}, err
	}
	if reached {
		c.emit(ctx, history.Event{Type: history.EventServiceRestarted, PID: pid, State: string(st)}, nil)
		return Result{ForcedKill: forced, Reached: true, State: st}, nil
	}

	c.log.Warn("service did not reach RUNNING, escalating", "timeout", timeout, "state", st, "pid", pid)
	_ = c.backend.Stop(ctx, c.opts.Name)
	_, pid, _, err = c.escalate(ctx, pid)
	if err != nil {
		return Result{ForcedKill: true, State: StateUnknown}, err
	}
	if err := sleepCtx(ctx, c.opts.RestartGrace); err != nil {
		return Result{ForcedKill: true, State: StateUnknown}, err
	}
	if err := c.ensureGone(ctx, pid); err != nil {
		return Result{ForcedKill: true, State: StateUnknown}, err
	}
	if err := c.start(ctx); err != nil {
		return Result{ForcedKill: true, State: StateUnknown}, err
	}
	st, pid, reached, err = c.waitFor(ctx, timeout, StateRunning)
	res = Result{ForcedKill: true, Reached: reached, State: st}
	if err != nil {
		return res, err
	}
	if !reached {
		c.log.Error("service failed to restart after forced kill", "state", st)
		return res, fmt.Errorf("restart %s: %w (state %s)", c.opts.Name, ErrStateNotReached, st)
	}
	c.emit(ctx, history.Event{Type: history.EventServiceRestarted, PID: pid, State: string(st), Detail: "forced"}, nil)
	return res, nil
}

// ensureGone kills pid when it is still alive and waits up to KillGrace for it to exit.
func (c *Controller) ensureGone(ctx context.Context, pid int) error {
	if pid <= 0 || !c.opts.Alive(pid) {
		return nil
	}
	c.log.Warn("previous service process still alive, killing", "pid", pid)
	if err := c.opts.Killer(pid); err != nil {
		c.log.Error("kill tree failed", "pid", pid, "error", err)
	}
	deadline := time.Now().Add(c.opts.KillGrace)
	for c.opts.Alive(pid) {
		if time.Now().After(deadline) {
			return fmt.Errorf("previous process %d of %s: %w", pid, c.opts.Name, ErrStateNotReached)
		}
		if err := sleepCtx(ctx, c.opts.PollInterval); err != nil {
			return err
		}
	}
	return nil
}

// Status queries the backend afresh.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	st, pid, err := c.query(ctx)
	return Status{Name: c.opts.Name, State: st, PID: pid}, err
}

// Remove stops the service (with escalation) and uninstalls it.
func (c *Controller) Remove(ctx context.Context, timeout time.Duration) (res Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.observe("remove", time.Now(), &res, &err)

	res, _, stopErr := c.stop(ctx, timeout)
	if res.State == StateNotFound {
		return res, nil
	}
	if uerr := c.backend.Uninstall(ctx, c.opts.Name); uerr != nil {
		return res, errors.Join(stopErr, fmt.Errorf("uninstall %s: %w", c.opts.Name, uerr))
	}
	c.log.Info("service removed", "forced_kill", res.ForcedKill)
	c.emit(ctx, history.Event{Type: history.EventServiceRemoved}, stopErr)
	st, _, _ := c.query(ctx)
	res.State = st
	return res, stopErr
}

// waitFor polls every PollInterval until the state is one of goals or
// timeout elapses. Query failures count as UNKNOWN and polling continues.
func (c *Controller) waitFor(ctx context.Context, timeout time.Duration, goals ...State) (State, int, bool, error) {
	deadline := time.Now().Add(timeout)
	lastPID := 0
	for {
		st, pid, _ := c.query(ctx)
		if pid > 0 {
			lastPID = pid
		}
		for _, g := range goals {
			if st == g {
				return st, lastPID, true, nil
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return st, lastPID, false, nil
		}
		if err := sleepCtx(ctx, min(c.opts.PollInterval, remaining)); err != nil {
			return st, lastPID, false, err
		}
	}
}

func (c *Controller) query(ctx context.Context) (State, int, error) {
	st, pid, err := c.backend.Query(ctx, c.opts.Name)
	if err != nil {
		c.log.Debug("query failed", "error", err)
		st = StateUnknown
	}
	all := make([]string, len(AllStates))
	for i, s := range AllStates {
		all[i] = string(s)
	}
	metrics.SetServiceState(c.opts.Name, string(st), all)
	return st, pid, err
}

func (c *Controller) observe(op string, began time.Time, res *Result, err *error) {
	metrics.ObserveServiceOp(op, time.Since(began).Seconds(), res.ForcedKill, *err)
	if *err != nil {
		c.log.Error("service operation failed", "op", op, "forced_kill", res.ForcedKill, "error", *err)
	}
}

func (c *Controller) emit(ctx context.Context, e history.Event, err error) {
	e.Subject = c.opts.Name
	if herr := history.Emit(ctx, c.opts.History, e, err); herr != nil {
		c.log.Debug("history sink failed", "error", herr)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
