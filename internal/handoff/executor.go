package handoff

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/agentmgr/internal/history"
	"github.com/loykin/agentmgr/internal/metrics"
	"github.com/loykin/agentmgr/internal/process"
)

// Outcome reports what Run did.
type Outcome struct {
	Attempts   int  `json:"attempts"`
	NewPID     int  `json:"new_pid"`
	Relaunched bool `json:"relaunched_previous"` // copy failed, old destination started again
}

// Executor runs hand-off requests. The function fields default to the real
// process primitives.
type Executor struct {
	Store   *Store // failure marker; optional
	Log     *slog.Logger
	History history.Sink

	Alive  func(pid int) bool
	Copy   func(src, dst string) error
	Launch func(c process.Command) (int, error)
}

func (e *Executor) defaults() {
	if e.Log == nil {
		e.Log = slog.Default()
	}
	if e.Alive == nil {
		e.Alive = process.Exists
	}
	if e.Copy == nil {
		e.Copy = CopyFile
	}
	if e.Launch == nil {
		e.Launch = process.StartDetached
	}
}

// Run waits for WaitPID to exit (without a deadline; only ctx ends the wait),
// places Source at Destination with bounded retries and starts Destination
// detached with Args. When every copy fails it records the failure, starts
// the existing Destination again if there is one and returns an error
// matching ErrCopyExhausted.
func (e *Executor) Run(ctx context.Context, req Request) (Outcome, error) {
	return e.run(ctx, req, nil)
}

func (e *Executor) run(ctx context.Context, req Request, withdrawn func() bool) (Outcome, error) {
	e.defaults()
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	log := e.Log.With("component", "handoff", "id", req.ID)

	if req.WaitPID > 0 {
		log.Info("waiting for process to exit", "pid", req.WaitPID)
		interval := req.PollInterval
		if interval <= 0 {
			interval = DefaultPollInterval
		}
		for e.Alive(req.WaitPID) {
			t := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return Outcome{}, ctx.Err()
			case <-t.C:
			}
		}
		log.Info("process exited", "pid", req.WaitPID)
	}
	if withdrawn != nil && withdrawn() {
		log.Warn("request withdrawn while waiting, destination left unchanged")
		return Outcome{}, ErrWithdrawn
	}

	if err := os.MkdirAll(filepath.Dir(req.Destination), 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create destination dir: %w", err)
	}

	var out Outcome
	var lastErr error
	for out.Attempts < req.CopyAttempts {
		out.Attempts++
		if lastErr = e.Copy(req.Source, req.Destination); lastErr == nil {
			break
		}
		log.Debug("copy attempt failed", "attempt", out.Attempts, "error", lastErr)
		if out.Attempts < req.CopyAttempts {
			t := time.NewTimer(req.CopyDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return out, ctx.Err()
			case <-t.C:
			}
		}
	}
	metrics.AddHandoffCopyAttempts(out.Attempts)

	if lastErr != nil {
		err := fmt.Errorf("%w: copy %s to %s failed %d times: %v", ErrCopyExhausted, req.Source, req.Destination, out.Attempts, lastErr)
		log.Error("hand-off failed, destination left unchanged", "error", err)
		metrics.IncHandoffFailure()
		if e.Store != nil {
			if rerr := e.Store.RecordFailure(req, err); rerr != nil {
				log.Error("record hand-off failure", "error", rerr)
			}
		}
		e.emit(ctx, log, history.Event{Type: history.EventHandoffFailed, Detail: req.Destination, State: req.Version}, err)
		if _, statErr := os.Stat(req.Destination); statErr == nil {
			if pid, lerr := e.Launch(process.Command{Path: req.Destination, Args: req.Args, Dir: filepath.Dir(req.Destination)}); lerr == nil {
				out.NewPID, out.Relaunched = pid, true
				log.Warn("relaunched previous binary", "pid", pid)
			} else {
				log.Error("relaunch previous binary", "error", lerr)
			}
		}
		return out, err
	}
	log.Info("binary placed", "destination", req.Destination, "attempts", out.Attempts)

	pid, err := e.Launch(process.Command{Path: req.Destination, Args: req.Args, Dir: filepath.Dir(req.Destination)})
	if err != nil {
		e.emit(ctx, log, history.Event{Type: history.EventHandoffFailed, Detail: req.Destination, State: req.Version}, err)
		return out, fmt.Errorf("launch %s: %w", req.Destination, err)
	}
	out.NewPID = pid
	log.Info("launched", "path", req.Destination, "pid", pid, "args", req.Args)
	e.emit(ctx, log, history.Event{Type: history.EventHandoffDone, PID: pid, Detail: req.Destination, State: req.Version}, nil)
	return out, nil
}

// RunFile executes the request stored at path and deletes the file, whatever
// the result. Deleting the file while the helper waits withdraws the request.
func (e *Executor) RunFile(ctx context.Context, path string) (Outcome, error) {
	store := e.Store
	if store == nil {
		store = &Store{}
	}
	req, err := store.Load(path)
	if err != nil {
		return Outcome{}, fmt.Errorf("load hand-off request: %w", err)
	}
	defer func() { _ = store.Remove(path) }()
	return e.run(ctx, req, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	})
}

func (e *Executor) emit(ctx context.Context, log *slog.Logger, ev history.Event, err error) {
	ev.Subject = "handoff"
	if herr := history.Emit(ctx, e.History, ev, err); herr != nil {
		log.Debug("history sink failed", "error", herr)
	}
}

// CopyFile copies src to a temp file next to dst and renames it into place,
// so dst is either the old or the complete new file.
func CopyFile(src, dst string) error {
	// #nosec G304 -- paths come from a validated hand-off request
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".new-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Chmod(name, fi.Mode().Perm()|0o755); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, dst); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}
