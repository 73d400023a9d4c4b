//go:build windows

package elevate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"
)

// well-known SID of BUILTIN\Users, so icacls does not depend on the UI language
const usersSID = "*S-1-5-32-545"

func isElevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}

func runElevated(_ context.Context, exe string, args []string, dir string) error {
	verb, err := windows.UTF16PtrFromString("runas")
	if err != nil {
		return err
	}
	file, err := windows.UTF16PtrFromString(exe)
	if err != nil {
		return err
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = syscall.EscapeArg(a)
	}
	params, err := windows.UTF16PtrFromString(strings.Join(quoted, " "))
	if err != nil {
		return err
	}
	var cwd *uint16
	if dir != "" {
		if cwd, err = windows.UTF16PtrFromString(dir); err != nil {
			return err
		}
	}
	if err := windows.ShellExecute(0, verb, file, params, cwd, windows.SW_HIDE); err != nil {
		if errors.Is(err, windows.ERROR_CANCELLED) {
			return fmt.Errorf("%w: user declined the elevation prompt", ErrElevation)
		}
		return fmt.Errorf("%w: ShellExecute runas: %v", ErrElevation, err)
	}
	return nil
}

func applyACL(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return runTool(ctx, "icacls", dir, "/grant", usersSID+":(OI)(CI)M", "/T", "/C")
}

func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: windows.CREATE_NO_WINDOW}
}
