// Package process holds the OS-level primitives shared by the service
// controller, the instance lock and the hand-off helper: liveness queries,
// termination, process-tree kills, detached spawning and pidfiles.
package process

import (
	"context"
	"time"
)

// DefaultPollInterval is used by the wait helpers when no interval is given.
const DefaultPollInterval = 100 * time.Millisecond

// Exists reports whether a process with the given pid is present.
// Zombies are reported as gone.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	return processExists(pid)
}

// Terminate asks the process to exit. On Windows there is no graceful
// signal for an arbitrary process, so this terminates it outright.
func Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	return terminateProcess(pid)
}

// Kill forcibly ends a single process.
func Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	return killProcess(pid)
}

// StartTime returns the process creation time as Unix seconds, or 0 when
// it cannot be determined.
func StartTime(pid int) int64 { return getProcStartUnix(pid) }

// WaitExit polls until pid no longer exists. There is no timeout; only ctx
// ends the wait early.
func WaitExit(ctx context.Context, pid int, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for Exists(pid) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// WaitExitTimeout is WaitExit bounded by d. It returns true when the process
// is gone.
func WaitExitTimeout(pid int, d, interval time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return WaitExit(ctx, pid, interval) == nil
}
