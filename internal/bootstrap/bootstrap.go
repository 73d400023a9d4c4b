// Package bootstrap makes sure the manager runs elevated from its canonical
// install path before anything else happens, relaunching or relocating the
// running executable when it does not.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/loykin/agentmgr/internal/elevate"
	"github.com/loykin/agentmgr/internal/handoff"
	"github.com/loykin/agentmgr/internal/process"
)

// Outcome tells the caller what EnsureElevatedAndLocated did. Only
// OutcomeInPlace means the caller should carry on; the others are returned
// after Exit, which in production does not return.
type Outcome int

const (
	OutcomeInPlace Outcome = iota
	OutcomeRelaunchedElevated
	OutcomeRelocated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInPlace:
		return "in_place"
	case OutcomeRelaunchedElevated:
		return "relaunched_elevated"
	case OutcomeRelocated:
		return "relocated"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// HolderTerminator ends a running copy that holds the instance lock.
// *instance.Manager implements it.
type HolderTerminator interface {
	TerminateHolder(ctx context.Context) error
}

type Options struct {
	InstallPath string // canonical manager executable
	DataDir     string
	ACLMarker   string
	Args        []string // arguments of this invocation, without the program name

	Elevator elevate.Elevator
	// ApplyACL relaxes permissions on the given directories; defaults to elevate.System.
	ApplyACL func(ctx context.Context, dirs ...string) error
	Lock     HolderTerminator
	Handoff  *handoff.Executor

	CopyAttempts int
	CopyDelay    time.Duration

	Executable func() (string, error)
	Exit       func(code int)
	Logger     *slog.Logger
}

type Bootstrapper struct {
	opts Options
	log  *slog.Logger
}

func New(opts Options) *Bootstrapper {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Elevator == nil {
		opts.Elevator = elevate.System{Log: log}
	}
	if opts.ApplyACL == nil {
		opts.ApplyACL = elevate.System{Log: log}.ApplyACL
	}
	if opts.Handoff == nil {
		opts.Handoff = &handoff.Executor{Log: log}
	}
	if opts.CopyAttempts <= 0 {
		opts.CopyAttempts = handoff.DefaultCopyAttempts
	}
	if opts.CopyDelay <= 0 {
		opts.CopyDelay = handoff.DefaultCopyDelay
	}
	if opts.Executable == nil {
		opts.Executable = os.Executable
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.ACLMarker == "" && opts.DataDir != "" {
		opts.ACLMarker = filepath.Join(opts.DataDir, "acl_done.flag")
	}
	return &Bootstrapper{opts: opts, log: log.With("component", "bootstrap")}
}

// EnsureElevatedAndLocated returns OutcomeInPlace when the process already
// runs from the install path. Otherwise it relaunches itself elevated, or,
// when already elevated, moves itself into the install path and starts the
// placed copy, and then calls Exit.
func (b *Bootstrapper) EnsureElevatedAndLocated(ctx context.Context) (Outcome, error) {
	if b.opts.InstallPath == "" || b.opts.DataDir == "" {
		return OutcomeInPlace, errors.New("bootstrap: install path and data dir must be set")
	}
	if err := os.MkdirAll(b.opts.DataDir, 0o755); err != nil {
		return OutcomeInPlace, fmt.Errorf("bootstrap: create data dir: %w", err)
	}
	exe, err := b.opts.Executable()
	if err != nil {
		return OutcomeInPlace, fmt.Errorf("bootstrap: resolve executable: %w", err)
	}
	elevated := b.opts.Elevator.IsElevated()

	if SamePath(exe, b.opts.InstallPath) {
		if elevated {
			b.ensureACL(ctx)
		}
		b.log.Debug("running from install path", "path", exe, "elevated", elevated)
		return OutcomeInPlace, nil
	}

	if !elevated {
		b.log.Info("relaunching elevated", "exe", exe, "args", b.opts.Args)
		if err := b.opts.Elevator.RunElevated(ctx, exe, b.opts.Args, filepath.Dir(exe)); err != nil {
			if !errors.Is(err, elevate.ErrElevation) {
				err = fmt.Errorf("%w: %v", elevate.ErrElevation, err)
			}
			return OutcomeInPlace, err
		}
		b.opts.Exit(0)
		return OutcomeRelaunchedElevated, nil
	}

	if b.opts.Lock != nil {
		if err := b.opts.Lock.TerminateHolder(ctx); err != nil {
			b.log.Warn("could not terminate running copy", "error", err)
		}
	}
	req := handoff.NewRequest(0, exe, b.opts.InstallPath, b.opts.Args)
	req.CopyAttempts = b.opts.CopyAttempts
	req.CopyDelay = b.opts.CopyDelay
	b.log.Info("relocating into install path", "from", exe, "to", b.opts.InstallPath)
	out, err := b.opts.Handoff.Run(ctx, req)
	b.ensureACL(ctx)
	if err != nil {
		return OutcomeRelocated, err
	}
	b.log.Info("relocated copy started, exiting", "pid", out.NewPID)
	b.opts.Exit(0)
	return OutcomeRelocated, nil
}

// ensureACL applies the ACL on the install and data directories unless the
// marker says it was done before. Failures are logged; the marker is only
// written after a clean run.
func (b *Bootstrapper) ensureACL(ctx context.Context) {
	if _, err := os.Stat(b.opts.ACLMarker); err == nil {
		return
	}
	dirs := []string{filepath.Dir(b.opts.InstallPath), b.opts.DataDir}
	if err := b.opts.ApplyACL(ctx, dirs...); err != nil {
		b.log.Warn("relaxing directory permissions failed", "dirs", dirs, "error", err)
		return
	}
	stamp := []byte(time.Now().UTC().Format(time.RFC3339) + "\n")
	if err := process.WriteFileAtomic(b.opts.ACLMarker, stamp, 0o644); err != nil {
		b.log.Warn("write acl marker", "path", b.opts.ACLMarker, "error", err)
		return
	}
	b.log.Info("directory permissions relaxed", "dirs", dirs)
}

// SamePath compares two executable paths after cleaning and resolving
// symlinks. Windows paths compare case-insensitively.
func SamePath(a, b string) bool {
	a, b = normalize(a), normalize(b)
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func normalize(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if real, err := filepath.EvalSymlinks(p); err == nil {
		p = real
	}
	return filepath.Clean(p)
}
