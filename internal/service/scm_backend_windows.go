//go:build windows

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// SCMBackend talks to the service control manager directly. The service
// binary must implement the service protocol itself; stdout is not captured.
type SCMBackend struct {
	log *slog.Logger
}

func NewSCMBackend(log *slog.Logger) (*SCMBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	return &SCMBackend{log: log.With("component", "service.scm")}, nil
}

func newSCMBackend(log *slog.Logger) (Backend, error) { return NewSCMBackend(log) }

func (b *SCMBackend) connect() (*mgr.Mgr, error) {
	m, err := mgr.Connect()
	if err != nil {
		return nil, fmt.Errorf("connect service manager: %w", err)
	}
	return m, nil
}

func (b *SCMBackend) Install(_ context.Context, def Definition) error {
	m, err := b.connect()
	if err != nil {
		return err
	}
	defer func() { _ = m.Disconnect() }()

	startType := uint32(mgr.StartManual)
	if def.AutoStart {
		startType = mgr.StartAutomatic
	}

	s, err := m.OpenService(def.Name)
	if err != nil {
		if !errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
			return err
		}
		s, err = m.CreateService(def.Name, def.BinaryPath, mgr.Config{
			DisplayName: def.DisplayName,
			Description: def.Description,
			StartType:   startType,
		}, def.Args...)
		if err != nil {
			return fmt.Errorf("create service: %w", err)
		}
		b.log.Info("service created", "name", def.Name)
	} else {
		cfg, err := s.Config()
		if err != nil {
			_ = s.Close()
			return err
		}
		cfg.BinaryPathName = commandLine(def.BinaryPath, def.Args)
		cfg.DisplayName = def.DisplayName
		cfg.Description = def.Description
		cfg.StartType = startType
		if err := s.UpdateConfig(cfg); err != nil {
			_ = s.Close()
			return fmt.Errorf("update service config: %w", err)
		}
	}
	defer func() { _ = s.Close() }()

	if def.RestartDelay > 0 {
		actions := []mgr.RecoveryAction{{Type: mgr.ServiceRestart, Delay: def.RestartDelay}}
		if err := s.SetRecoveryActions(actions, uint32((24 * time.Hour).Seconds())); err != nil {
			b.log.Warn("set recovery actions failed", "error", err)
		}
	}
	return writeServiceEnvironment(def.Name, def.Env)
}

// writeServiceEnvironment stores env as the service's Environment value,
// which the SCM adds to the process environment at start.
func writeServiceEnvironment(name string, env []string) error {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, `SYSTEM\CurrentControlSet\Services\`+name, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open service key: %w", err)
	}
	defer func() { _ = k.Close() }()
	if len(env) == 0 {
		if err := k.DeleteValue("Environment"); err != nil && !errors.Is(err, registry.ErrNotExist) {
			return err
		}
		return nil
	}
	return k.SetStringsValue("Environment", env)
}

func (b *SCMBackend) Uninstall(_ context.Context, name string) error {
	m, err := b.connect()
	if err != nil {
		return err
	}
	defer func() { _ = m.Disconnect() }()
	s, err := m.OpenService(name)
	if err != nil {
		if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
			return nil
		}
		return err
	}
	defer func() { _ = s.Close() }()
	return s.Delete()
}

func (b *SCMBackend) Start(_ context.Context, name string) error {
	m, err := b.connect()
	if err != nil {
		return err
	}
	defer func() { _ = m.Disconnect() }()
	s, err := m.OpenService(name)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	if err := s.Start(); err != nil && !errors.Is(err, windows.ERROR_SERVICE_ALREADY_RUNNING) {
		return err
	}
	return nil
}

func (b *SCMBackend) Stop(_ context.Context, name string) error {
	m, err := b.connect()
	if err != nil {
		return err
	}
	defer func() { _ = m.Disconnect() }()
	s, err := m.OpenService(name)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	if _, err := s.Control(svc.Stop); err != nil && !errors.Is(err, windows.ERROR_SERVICE_NOT_ACTIVE) {
		return err
	}
	return nil
}

func (b *SCMBackend) Query(_ context.Context, name string) (State, int, error) {
	m, err := b.connect()
	if err != nil {
		return StateUnknown, 0, err
	}
	defer func() { _ = m.Disconnect() }()
	s, err := m.OpenService(name)
	if err != nil {
		if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
			return StateNotFound, 0, nil
		}
		return StateUnknown, 0, err
	}
	defer func() { _ = s.Close() }()
	status, err := s.Query()
	if err != nil {
		return StateUnknown, 0, err
	}
	return fromSvcState(status.State), int(status.ProcessId), nil
}

func fromSvcState(s svc.State) State {
	switch s {
	case svc.Stopped:
		return StateStopped
	case svc.StartPending:
		return StateStartPending
	case svc.Running:
		return StateRunning
	case svc.StopPending:
		return StateStopPending
	default:
		return StateUnknown
	}
}

func commandLine(exe string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, syscall.EscapeArg(exe))
	for _, a := range args {
		parts = append(parts, syscall.EscapeArg(a))
	}
	return strings.Join(parts, " ")
}
