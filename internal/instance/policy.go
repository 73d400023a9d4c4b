package instance

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Policy decides what to do when the lock is held by a live process.
type Policy interface {
	// ConfirmTerminate reports whether the holder pid may be terminated.
	ConfirmTerminate(pid int) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(pid int) bool

func (f PolicyFunc) ConfirmTerminate(pid int) bool { return f(pid) }

// ExitPolicy never terminates the holder; the caller is expected to exit.
type ExitPolicy struct{}

func (ExitPolicy) ConfirmTerminate(int) bool { return false }

// TerminatePolicy always terminates the holder.
type TerminatePolicy struct{}

func (TerminatePolicy) ConfirmTerminate(int) bool { return true }

// Prompt asks on a console. Anything but y/yes declines, including EOF.
type Prompt struct {
	In  io.Reader
	Out io.Writer
}

func (p Prompt) ConfirmTerminate(pid int) bool {
	if p.In == nil {
		return false
	}
	if p.Out != nil {
		_, _ = fmt.Fprintf(p.Out, "Another agentmgr instance is running (pid %d). Terminate it? [y/N]: ", pid)
	}
	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// PolicyByName maps the lock.policy setting onto a Policy.
func PolicyByName(name string, in io.Reader, out io.Writer) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "exit":
		return ExitPolicy{}, nil
	case "terminate":
		return TerminatePolicy{}, nil
	case "prompt":
		return Prompt{In: in, Out: out}, nil
	default:
		return nil, fmt.Errorf("unknown lock policy %q", name)
	}
}
