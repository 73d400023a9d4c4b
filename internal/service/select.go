package service

import (
	"fmt"
	"log/slog"
	"runtime"
)

const (
	BackendAuto    = "auto"
	BackendSCM     = "scm"
	BackendNSSM    = "nssm"
	BackendPIDFile = "pidfile"
)

// BackendOptions carries what the individual backends need.
type BackendOptions struct {
	Kind     string
	NSSMPath string
	StateDir string // pidfile backend only
	Runner   Runner
	Logger   *slog.Logger
}

// ResolveKind maps "auto" onto the platform default: nssm on Windows, pidfile elsewhere.
func ResolveKind(kind string) string {
	if kind == "" || kind == BackendAuto {
		if runtime.GOOS == "windows" {
			return BackendNSSM
		}
		return BackendPIDFile
	}
	return kind
}

func NewBackend(o BackendOptions) (Backend, error) {
	switch kind := ResolveKind(o.Kind); kind {
	case BackendNSSM:
		return NewNSSMBackend(o.NSSMPath, o.Runner, o.Logger), nil
	case BackendSCM:
		return newSCMBackend(o.Logger)
	case BackendPIDFile:
		if o.StateDir == "" {
			return nil, fmt.Errorf("pidfile backend requires a state directory")
		}
		return NewPIDFileBackend(o.StateDir, o.Logger), nil
	default:
		return nil, fmt.Errorf("unknown service backend %q", kind)
	}
}
