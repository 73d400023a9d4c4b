package process

import (
	"errors"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Descendants returns the pids of all children of pid, depth first.
// An unknown pid yields no descendants.
func Descendants(pid int) []int {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []int
	collectChildren(p, &out, map[int32]bool{p.Pid: true})
	return out
}

func collectChildren(p *gopsproc.Process, out *[]int, seen map[int32]bool) {
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, c := range children {
		if seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		*out = append(*out, int(c.Pid))
		collectChildren(c, out, seen)
	}
}

// KillTree forcibly ends pid and every process below it. Descendants are
// resolved before the root is killed so orphans re-parented to init are
// still reached. Processes that are already gone are not an error.
func KillTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	desc := Descendants(pid)
	var errs []error
	if err := Kill(pid); err != nil {
		errs = append(errs, err)
	}
	for _, c := range desc {
		if err := Kill(c); err != nil && Exists(c) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CommandLine returns the argv of a running process, executable first.
func CommandLine(pid int) ([]string, error) {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}
	return p.CmdlineSlice()
}
