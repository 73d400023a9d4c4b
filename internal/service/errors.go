package service

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceConfig is matched by every *ConfigError.
	ErrServiceConfig = errors.New("service configuration error")
	// ErrStateNotReached means the service did not reach the goal state even
	// after forced termination.
	ErrStateNotReached = errors.New("service did not reach the requested state")
)

// ConfigError reports that the service could not be defined: the binary is
// missing, the backend rejected the definition, or the service is not
// installed when an operation needs it.
type ConfigError struct {
	Service string
	Reason  string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("service %s: %s: %v", e.Service, e.Reason, e.Err)
	}
	return fmt.Sprintf("service %s: %s", e.Service, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrServiceConfig }
