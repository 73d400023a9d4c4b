package service

import (
	"context"
	"os/exec"
	"time"
)

// Definition is everything a backend needs to install the service.
type Definition struct {
	Name         string        `json:"name"`
	DisplayName  string        `json:"display_name"`
	Description  string        `json:"description"`
	BinaryPath   string        `json:"binary_path"`
	Args         []string      `json:"args,omitempty"`
	WorkDir      string        `json:"workdir"`
	Env          []string      `json:"env"` // sorted KEY=VALUE, empty values dropped
	LogPath      string        `json:"log_path"`
	AutoStart    bool          `json:"auto_start"`
	RestartDelay time.Duration `json:"restart_delay"`
}

// Backend talks to whatever hosts the service. Start and Stop only issue the
// request; the Controller observes the outcome through Query.
type Backend interface {
	Install(ctx context.Context, def Definition) error
	Uninstall(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	// Query returns the current state and, when known, the service process id.
	Query(ctx context.Context, name string) (State, int, error)
}

// Desired is the configuration the service should run with.
type Desired struct {
	BinaryPath string
	Env        map[string]string
}

// ConfigStore yields the current desired configuration.
type ConfigStore interface {
	Current() (Desired, error)
}

// Runner executes external tools; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec and returns combined output.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204 -- tool names are fixed, arguments come from configuration
	cmd := exec.CommandContext(ctx, name, args...)
	hideWindow(cmd)
	return cmd.CombinedOutput()
}
