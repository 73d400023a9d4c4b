package service

import (
	"regexp"
	"strconv"
	"strings"
)

// State is the observed state of the supervised service.
type State string

const (
	StateNotFound     State = "NOT_FOUND"
	StateStopped      State = "STOPPED"
	StateStartPending State = "START_PENDING"
	StateRunning      State = "RUNNING"
	StateStopPending  State = "STOP_PENDING"
	StateUnknown      State = "UNKNOWN"
)

// AllStates lists every state, used to reset per-state gauges.
var AllStates = []State{StateNotFound, StateStopped, StateStartPending, StateRunning, StateStopPending, StateUnknown}

func (s State) String() string { return string(s) }

// Settled reports whether no transition is in flight.
func (s State) Settled() bool {
	return s == StateStopped || s == StateRunning || s == StateNotFound
}

var (
	stateLine = regexp.MustCompile(`(?im)^\s*STATE\s*:\s*\d+\s+([A-Z_]+)`)
	pidLine   = regexp.MustCompile(`(?im)^\s*PID\s*:\s*(\d+)`)
)

// ParseState maps service control manager query output (or a bare state
// name) onto a State. "does not exist", error 1060 and NOT FOUND map to
// StateNotFound; anything unrecognised is StateUnknown.
func ParseState(text string) State {
	upper := strings.ToUpper(text)
	if strings.Contains(upper, "DOES NOT EXIST") || strings.Contains(upper, "FAILED 1060") || strings.Contains(upper, "NOT FOUND") || strings.Contains(upper, "NOT_FOUND") {
		return StateNotFound
	}
	name := strings.TrimSpace(upper)
	if m := stateLine.FindStringSubmatch(upper); m != nil {
		name = m[1]
	}
	switch name {
	case "STOPPED":
		return StateStopped
	case "START_PENDING":
		return StateStartPending
	case "RUNNING":
		return StateRunning
	case "STOP_PENDING":
		return StateStopPending
	default:
		// PAUSED, PAUSE_PENDING, CONTINUE_PENDING and garbage
		return StateUnknown
	}
}

// ParsePID extracts the PID field of "sc queryex" output; 0 when absent.
func ParsePID(text string) int {
	m := pidLine.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	pid, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return pid
}
