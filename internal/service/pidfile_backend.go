package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/agentmgr/internal/detector"
	"github.com/loykin/agentmgr/internal/env"
	"github.com/loykin/agentmgr/internal/logger"
	"github.com/loykin/agentmgr/internal/process"
)

// PIDFileBackend supervises the service as a detached child process tracked
// by a pidfile. Layout under dir: <name>.json (definition), <name>.pid and
// <name>.stopping (stop requested, holds the pid being stopped).
type PIDFileBackend struct {
	dir string
	log *slog.Logger
}

func NewPIDFileBackend(dir string, log *slog.Logger) *PIDFileBackend {
	return &PIDFileBackend{dir: dir, log: logger.Component(log, "service.pidfile")}
}

func (b *PIDFileBackend) defPath(name string) string  { return filepath.Join(b.dir, name+".json") }
func (b *PIDFileBackend) pidPath(name string) string  { return filepath.Join(b.dir, name+".pid") }
func (b *PIDFileBackend) stopPath(name string) string { return filepath.Join(b.dir, name+".stopping") }

func (b *PIDFileBackend) Install(_ context.Context, def Definition) error {
	if def.Name == "" {
		return errors.New("definition requires a name")
	}
	if err := os.MkdirAll(b.dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return err
	}
	return process.WriteFileAtomic(b.defPath(def.Name), data, 0o600)
}

func (b *PIDFileBackend) Uninstall(_ context.Context, name string) error {
	var errs []error
	for _, p := range []string{b.defPath(name), b.pidPath(name), b.stopPath(name)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *PIDFileBackend) load(name string) (Definition, error) {
	var def Definition
	data, err := os.ReadFile(b.defPath(name))
	if err != nil {
		return def, err
	}
	if err := json.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("decode definition %s: %w", name, err)
	}
	return def, nil
}

func (b *PIDFileBackend) Start(_ context.Context, name string) error {
	def, err := b.load(name)
	if err != nil {
		return err
	}
	if pid, _ := (detector.PIDFileDetector{PIDFile: b.pidPath(name)}).PID(); pid > 0 {
		return nil
	}
	_ = os.Remove(b.stopPath(name))

	pid, err := process.StartDetached(process.Command{
		Path:    def.BinaryPath,
		Args:    def.Args,
		Dir:     def.WorkDir,
		Env:     env.New().Merge(def.Env),
		LogPath: def.LogPath,
	})
	if err != nil {
		return err
	}
	if err := process.WritePIDFile(b.pidPath(name), pid); err != nil {
		_ = process.Kill(pid)
		return fmt.Errorf("write pidfile: %w", err)
	}
	b.log.Debug("spawned", "name", name, "pid", pid)
	return nil
}

func (b *PIDFileBackend) Stop(_ context.Context, name string) error {
	pid, err := (detector.PIDFileDetector{PIDFile: b.pidPath(name)}).PID()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if pid <= 0 {
		return nil
	}
	if err := process.WriteFileAtomic(b.stopPath(name), []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return err
	}
	return process.Terminate(pid)
}

func (b *PIDFileBackend) Query(_ context.Context, name string) (State, int, error) {
	if _, err := os.Stat(b.defPath(name)); err != nil {
		if os.IsNotExist(err) {
			return StateNotFound, 0, nil
		}
		return StateUnknown, 0, err
	}
	pid, err := (detector.PIDFileDetector{PIDFile: b.pidPath(name)}).PID()
	if err != nil && !os.IsNotExist(err) {
		return StateUnknown, 0, err
	}
	if pid <= 0 {
		_ = os.Remove(b.pidPath(name))
		_ = os.Remove(b.stopPath(name))
		return StateStopped, 0, nil
	}
	if data, err := os.ReadFile(b.stopPath(name)); err == nil && strings.TrimSpace(string(data)) == strconv.Itoa(pid) {
		return StateStopPending, pid, nil
	}
	return StateRunning, pid, nil
}
