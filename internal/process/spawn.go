package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Command describes a process to launch detached from the caller.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env replaces the inherited environment when non-nil.
	Env []string
	// LogPath receives stdout and stderr (appended). Empty discards output.
	LogPath string
}

// StartDetached launches c in its own session/process group so it survives
// the caller's exit, and returns the new pid. The caller does not wait on it.
func StartDetached(c Command) (int, error) {
	if c.Path == "" {
		return 0, fmt.Errorf("detached start: empty path")
	}
	// #nosec G204 -- path and args come from the manager's own configuration
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = c.Env
	}
	configureSysProcAttr(cmd, true)

	if c.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(c.LogPath), 0o750); err != nil {
			return 0, fmt.Errorf("create log dir: %w", err)
		}
		// #nosec G304 -- log path from configuration
		f, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open log file: %w", err)
		}
		// the child keeps its own copy of the descriptor
		defer func() { _ = f.Close() }()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", c.Path, err)
	}
	pid := cmd.Process.Pid
	// reap in the background so an early exit does not linger as a zombie
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
