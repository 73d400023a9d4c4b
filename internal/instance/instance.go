// Package instance enforces a single running manager per host through a pid
// lock file validated by process liveness rather than by file existence.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/loykin/agentmgr/internal/detector"
	"github.com/loykin/agentmgr/internal/history"
	"github.com/loykin/agentmgr/internal/logger"
	"github.com/loykin/agentmgr/internal/metrics"
	"github.com/loykin/agentmgr/internal/process"
)

const (
	DefaultTerminateGrace = 3 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
)

// ErrAlreadyRunning is matched by every *AlreadyRunningError.
var ErrAlreadyRunning = errors.New("another instance is already running")

// AlreadyRunningError names the live holder that was kept.
type AlreadyRunningError struct {
	PID  int
	Path string
	Err  error // why termination did not succeed, if it was attempted
}

func (e *AlreadyRunningError) Error() string {
	msg := fmt.Sprintf("instance already running (pid %d, lock %s)", e.PID, e.Path)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AlreadyRunningError) Unwrap() error { return e.Err }

func (e *AlreadyRunningError) Is(target error) bool { return target == ErrAlreadyRunning }

type Options struct {
	Policy         Policy        // default ExitPolicy
	TerminateGrace time.Duration // default 3s
	PollInterval   time.Duration
	Logger         *slog.Logger
	History        history.Sink

	// overridable for tests
	Self   int                 // own pid, default os.Getpid()
	Killer func(pid int) error // default process.KillTree
	Alive  func(pid int) bool  // default PIDDetector
}

type Manager struct {
	path string
	opts Options
	log  *slog.Logger
}

func NewManager(path string, opts Options) *Manager {
	if opts.Policy == nil {
		opts.Policy = ExitPolicy{}
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = DefaultTerminateGrace
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Self <= 0 {
		opts.Self = os.Getpid()
	}
	if opts.Killer == nil {
		opts.Killer = process.KillTree
	}
	if opts.Alive == nil {
		opts.Alive = func(pid int) bool {
			ok, _ := detector.PIDDetector{PID: pid}.Alive()
			return ok
		}
	}
	return &Manager{path: path, opts: opts, log: logger.Component(opts.Logger, "instance").With("lock", path)}
}

func (m *Manager) Path() string { return m.path }

// read returns the recorded pid and whether it is alive. A missing file
// yields an os.IsNotExist error; unparsable content a different error.
// When the file carries start-time metadata, a live pid started at another
// time is a reused pid and reads as dead.
func (m *Manager) read() (int, bool, error) {
	pid, start, err := process.ReadPIDFile(m.path)
	if err != nil {
		return 0, false, err
	}
	if start > 0 {
		live, _ := (detector.PIDFileDetector{PIDFile: m.path}).PID()
		return pid, live == pid && m.opts.Alive(pid), nil
	}
	return pid, m.opts.Alive(pid), nil
}

// Acquire takes the lock for this process. A dead holder is replaced
// silently; a live one goes through the Policy and is terminated only when
// the Policy accepts.
func (m *Manager) Acquire(ctx context.Context) error {
	self := m.opts.Self
	pid, alive, err := m.read()
	switch {
	case err == nil && pid == self:
		m.log.Debug("lock already held by this process")
		return nil
	case err != nil && os.IsNotExist(err):
	case err != nil:
		m.log.Warn("unreadable lock file, replacing", "error", err)
	case !alive:
		m.log.Info("stale lock, holder not running; taking over", "pid", pid)
		m.takeoverEvent(ctx, pid, "holder dead")
	default:
		if !m.opts.Policy.ConfirmTerminate(pid) {
			return m.conflict(ctx, pid, nil)
		}
		m.log.Warn("terminating running instance", "pid", pid)
		if err := m.terminate(ctx, pid); err != nil {
			return m.conflict(ctx, pid, err)
		}
		m.takeoverEvent(ctx, pid, "holder terminated")
	}

	if err := process.WriteFileAtomic(m.path, []byte(strconv.Itoa(self)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write lock %s: %w", m.path, err)
	}
	// another starter may have raced us between read and write
	if got, alive, err := m.read(); err != nil || got != self {
		if err == nil && alive {
			return m.conflict(ctx, got, errors.New("lost lock race"))
		}
		if err == nil {
			err = fmt.Errorf("lock names pid %d", got)
		}
		return fmt.Errorf("verify lock %s: %w", m.path, err)
	}
	metrics.IncLockEvent("acquired")
	m.emit(ctx, history.Event{Type: history.EventLockAcquired, PID: self}, nil)
	m.log.Info("instance lock acquired", "pid", self)
	return nil
}

// Release removes the lock when it still names this process. Errors are logged only.
func (m *Manager) Release() {
	pid, _, err := m.read()
	if err != nil || pid != m.opts.Self {
		return
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		m.log.Warn("release lock", "error", err)
		return
	}
	m.log.Debug("instance lock released")
}

// Holder returns the recorded pid and whether it is alive. No lock file
// yields (0, false, nil).
func (m *Manager) Holder() (int, bool, error) {
	pid, alive, err := m.read()
	if err != nil && os.IsNotExist(err) {
		return 0, false, nil
	}
	return pid, alive, err
}

// TerminateHolder ends a live holder other than this process without taking
// the lock. The stale file is left for the next Acquire.
func (m *Manager) TerminateHolder(ctx context.Context) error {
	pid, alive, err := m.Holder()
	if err != nil || !alive || pid == m.opts.Self {
		return err
	}
	m.log.Warn("terminating lock holder", "pid", pid)
	if err := m.terminate(ctx, pid); err != nil {
		return &AlreadyRunningError{PID: pid, Path: m.path, Err: err}
	}
	metrics.IncLockEvent("holder_terminated")
	return nil
}

func (m *Manager) terminate(ctx context.Context, pid int) error {
	if err := m.opts.Killer(pid); err != nil {
		m.log.Warn("kill holder", "pid", pid, "error", err)
	}
	deadline := time.Now().Add(m.opts.TerminateGrace)
	for m.opts.Alive(pid) {
		if time.Now().After(deadline) {
			return fmt.Errorf("pid %d still alive after %s", pid, m.opts.TerminateGrace)
		}
		t := time.NewTimer(m.opts.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (m *Manager) conflict(ctx context.Context, pid int, cause error) error {
	err := &AlreadyRunningError{PID: pid, Path: m.path, Err: cause}
	metrics.IncLockEvent("conflict")
	m.emit(ctx, history.Event{Type: history.EventLockConflict, PID: pid}, err)
	m.log.Error("instance lock held by a running process", "pid", pid, "error", cause)
	return err
}

func (m *Manager) takeoverEvent(ctx context.Context, pid int, why string) {
	metrics.IncLockEvent("takeover")
	m.emit(ctx, history.Event{Type: history.EventLockTakeover, PID: pid, Detail: why}, nil)
}

func (m *Manager) emit(ctx context.Context, e history.Event, err error) {
	e.Subject = m.path
	if herr := history.Emit(ctx, m.opts.History, e, err); herr != nil {
		m.log.Debug("history sink failed", "error", herr)
	}
}
