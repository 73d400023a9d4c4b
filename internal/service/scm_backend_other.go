//go:build !windows

package service

import (
	"errors"
	"log/slog"
)

func newSCMBackend(*slog.Logger) (Backend, error) {
	return nil, errors.New("the service control manager backend requires windows")
}
