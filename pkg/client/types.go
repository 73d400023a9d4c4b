package client

import (
	"fmt"
	"time"
)

// ConfigureRequest overrides the configured agent binary and environment.
type ConfigureRequest struct {
	BinaryPath string            `json:"binary_path,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// ServiceStatus is the observed state of the supervised service
type ServiceStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	PID   int    `json:"pid,omitempty"`
}

// OperationResult reports a stop, restart, remove or configure.
type OperationResult struct {
	Result struct {
		ForcedKill bool   `json:"forced_kill"`
		Reached    bool   `json:"reached"`
		State      string `json:"state"`
	} `json:"result"`
	Error string `json:"error,omitempty"`
}

type LockStatus struct {
	Path  string `json:"path"`
	PID   int    `json:"pid,omitempty"`
	Alive bool   `json:"alive"`
}

type UpdateCheck struct {
	Current string `json:"current"`
	Latest  struct {
		Version     string    `json:"version"`
		Tag         string    `json:"tag"`
		DownloadURL string    `json:"download_url"`
		PublishedAt time.Time `json:"published_at"`
	} `json:"latest"`
	Newer bool `json:"newer"`
}

// Event is one lifecycle history entry
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Subject    string    `json:"subject,omitempty"`
	PID        int       `json:"pid,omitempty"`
	State      string    `json:"state,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for non-200 responses.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}
