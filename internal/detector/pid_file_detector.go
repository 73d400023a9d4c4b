package detector

import (
	"os"

	"github.com/loykin/agentmgr/internal/process"
)

// PIDFileDetector detects a process via a PID file. When the file carries
// start-time metadata, a live pid whose start time differs is treated as a
// reused pid and reported dead.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	pid, err := d.PID()
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return pid > 0, nil
}

// PID returns the recorded pid when its process is alive and is the one that
// wrote the file; otherwise 0. A missing file yields an os.IsNotExist error.
func (d PIDFileDetector) PID() (int, error) {
	pid, start, err := process.ReadPIDFile(d.PIDFile)
	if err != nil {
		return 0, err
	}
	if start > 0 {
		if cur := process.StartTime(pid); cur > 0 && cur != start {
			return 0, nil
		}
	}
	if !process.Exists(pid) {
		return 0, nil
	}
	return pid, nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }
