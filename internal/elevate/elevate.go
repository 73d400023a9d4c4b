// Package elevate answers whether the process holds administrative rights,
// relaunches programs with them and relaxes directory ACLs so later
// unprivileged runs can write the install and data directories.
package elevate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
)

// ErrElevation means the elevation request was declined or could not be made.
var ErrElevation = errors.New("elevation declined or failed")

// Elevator is the OS privilege surface used by the bootstrapper and the updater.
type Elevator interface {
	IsElevated() bool
	// RunElevated launches exe with args under elevated rights, detached.
	// It returns once the launch was requested; errors match ErrElevation.
	RunElevated(ctx context.Context, exe string, args []string, dir string) error
}

// System is the Elevator backed by the running OS.
type System struct {
	Log *slog.Logger
}

func (s System) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default().With("component", "elevate")
	}
	return s.Log.With("component", "elevate")
}

func (s System) IsElevated() bool { return isElevated() }

func (s System) RunElevated(ctx context.Context, exe string, args []string, dir string) error {
	if err := runElevated(ctx, exe, args, dir); err != nil {
		s.logger().Error("elevated launch failed", "exe", exe, "error", err)
		if errors.Is(err, ErrElevation) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrElevation, err)
	}
	s.logger().Info("elevated launch requested", "exe", exe, "args", args)
	return nil
}

// ApplyACL grants the local Users group modify rights on each directory
// (recursively) and creates missing ones. Failures on one directory do not
// stop the others; they are joined in the result.
func (s System) ApplyACL(ctx context.Context, dirs ...string) error {
	var errs []error
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := applyACL(ctx, d); err != nil {
			s.logger().Warn("acl adjustment failed", "dir", d, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", d, err))
			continue
		}
		s.logger().Info("acl adjusted", "dir", d)
	}
	return errors.Join(errs...)
}

func runTool(ctx context.Context, name string, args ...string) error {
	// #nosec G204 -- fixed tool, directory paths from configuration
	cmd := exec.CommandContext(ctx, name, args...)
	hideWindow(cmd)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}
