//go:build !windows

package elevate

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/loykin/agentmgr/internal/process"
)

func isElevated() bool { return os.Geteuid() == 0 }

// runElevated can only launch when already root; there is no prompt to show.
func runElevated(_ context.Context, exe string, args []string, dir string) error {
	if !isElevated() {
		return fmt.Errorf("%w: root privileges required, re-run with sudo", ErrElevation)
	}
	_, err := process.StartDetached(process.Command{Path: exe, Args: args, Dir: dir})
	return err
}

// applyACL makes dir and everything below it group-writable.
func applyACL(_ context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return err
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.Chmod(p, info.Mode().Perm()|0o060)
	})
}

func hideWindow(*exec.Cmd) {}
