package main

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/loykin/agentmgr/internal/process"
)

// daemonize starts the same command line again detached from the terminal,
// without --daemonize and with --hidden so logs go to the rotating file.
func daemonize(args []string, out io.Writer) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}
	pid, err := process.StartDetached(process.Command{Path: executable, Args: daemonArgs(args)})
	if err != nil {
		return 0, fmt.Errorf("failed to start daemon process: %w", err)
	}
	_, _ = fmt.Fprintf(out, "Daemon started with PID %d\n", pid)
	return pid, nil
}

func daemonArgs(args []string) []string {
	next := withoutFlag(args, "--daemonize")
	if !slices.Contains(next, "--hidden") {
		next = append(next, "--hidden")
	}
	return next
}
