// Package handoff implements the wait-for-exit, replace, relaunch sequence
// used both to move the manager into its install directory and to swap in
// a new manager build. The spawning process persists a Request and starts a
// detached helper (the manager binary's "handoff" command) that executes it
// after the spawner has exited.
package handoff

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultCopyAttempts = 60
	DefaultCopyDelay    = 500 * time.Millisecond
	DefaultPollInterval = 500 * time.Millisecond
)

// ErrCopyExhausted means every copy attempt failed and the destination was
// left as it was.
var ErrCopyExhausted = errors.New("hand-off copy retries exhausted")

// ErrWithdrawn means the request file was removed before the helper began
// copying.
var ErrWithdrawn = errors.New("hand-off request withdrawn")

// Request is one hand-off, persisted as JSON and executed once.
type Request struct {
	ID           string        `json:"id"`
	WaitPID      int           `json:"wait_pid"`
	Source       string        `json:"source"`
	Destination  string        `json:"destination"`
	Args         []string      `json:"args"`
	CopyAttempts int           `json:"copy_attempts"`
	CopyDelay    time.Duration `json:"copy_delay"`
	PollInterval time.Duration `json:"poll_interval"`
	Version      string        `json:"version,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// NewRequest fills in an id, the creation time and default retry settings.
func NewRequest(waitPID int, source, destination string, args []string) Request {
	return Request{
		ID:           uuid.NewString(),
		WaitPID:      waitPID,
		Source:       source,
		Destination:  destination,
		Args:         append([]string(nil), args...),
		CopyAttempts: DefaultCopyAttempts,
		CopyDelay:    DefaultCopyDelay,
		PollInterval: DefaultPollInterval,
		CreatedAt:    time.Now().UTC(),
	}
}

func (r Request) Validate() error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("missing id"))
	}
	if r.Source == "" {
		errs = append(errs, errors.New("missing source"))
	}
	if r.Destination == "" {
		errs = append(errs, errors.New("missing destination"))
	}
	if r.WaitPID < 0 {
		errs = append(errs, fmt.Errorf("invalid wait pid %d", r.WaitPID))
	}
	if r.CopyAttempts < 1 {
		errs = append(errs, fmt.Errorf("copy attempts must be at least 1, got %d", r.CopyAttempts))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid hand-off request: %w", err)
	}
	return nil
}

// Command is the helper command line that executes the request stored at
// requestPath: the argv launched detached (and elevated) by the spawner.
func Command(helperExe, requestPath string) []string {
	return append([]string{helperExe}, Args(requestPath)...)
}

// Args is Command without the executable.
func Args(requestPath string) []string {
	return []string{"handoff", "--request", requestPath}
}
