package detector

import (
	"fmt"

	"github.com/loykin/agentmgr/internal/process"
)

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PIDDetector detects by a provided PID number using the OS process table,
// never by parsing tool output.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return process.Exists(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }

// Any returns true when at least one detector reports the process alive.
// The description of the first positive detector is returned with it.
func Any(dets ...Detector) (bool, string) {
	for _, d := range dets {
		if d == nil {
			continue
		}
		if ok, _ := d.Alive(); ok {
			return true, d.Describe()
		}
	}
	return false, ""
}
