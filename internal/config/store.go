package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/agentmgr/internal/env"
	"github.com/loykin/agentmgr/internal/service"
)

// Store serves the desired service configuration from a TOML file. Every
// call to Current re-reads the file so edits are picked up without restart.
type Store struct {
	path string
}

func NewStore(path string) *Store { return &Store{path: path} }

func (s *Store) Path() string { return s.path }

func (s *Store) Load() (*Config, error) { return Load(s.path) }

// Current implements service.ConfigStore.
func (s *Store) Current() (service.Desired, error) {
	c, err := s.Load()
	if err != nil {
		return service.Desired{}, err
	}
	return c.Desired()
}

// Desired composes the service binary and environment: env_files in order,
// then [service.env] on top.
func (c *Config) Desired() (service.Desired, error) {
	e, err := env.New().WithFiles(c.EnvFiles...)
	if err != nil {
		return service.Desired{}, fmt.Errorf("env files: %w", err)
	}
	for k, v := range c.Service.Env {
		e.Set(k, v)
	}
	return service.Desired{BinaryPath: c.Service.Binary, Env: e.Var}, nil
}

// Watch calls fn with the freshly decoded config whenever the file changes.
// Invalid edits are logged and skipped. Callbacks stop once ctx is done.
func Watch(ctx context.Context, path string, log *slog.Logger, fn func(*Config)) error {
	if log == nil {
		log = slog.Default()
	}
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var mu sync.Mutex
	v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		c, err := decode(v, path)
		if err != nil {
			log.Warn("ignoring invalid config change", "path", path, "error", err)
			return
		}
		log.Info("config changed", "path", path, "op", e.Op.String())
		fn(c)
	})
	v.WatchConfig()
	return nil
}
