package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/loykin/agentmgr/internal/cron"
	"github.com/loykin/agentmgr/internal/logger"
)

// Config represents the top-level TOML structure.
type Config struct {
	DataDir    string   `toml:"data_dir" mapstructure:"data_dir"`
	InstallDir string   `toml:"install_dir" mapstructure:"install_dir"`
	EnvFiles   []string `toml:"env_files" mapstructure:"env_files"`

	Log     LogConfig     `toml:"log" mapstructure:"log"`
	Service ServiceConfig `toml:"service" mapstructure:"service"`
	Lock    LockConfig    `toml:"lock" mapstructure:"lock"`
	Update  UpdateConfig  `toml:"update" mapstructure:"update"`
	Agent   AgentConfig   `toml:"agent" mapstructure:"agent"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`

	path string
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	TimeStamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type ServiceConfig struct {
	Name            string            `toml:"name" mapstructure:"name"`
	DisplayName     string            `toml:"display_name" mapstructure:"display_name"`
	Description     string            `toml:"description" mapstructure:"description"`
	Backend         string            `toml:"backend" mapstructure:"backend"`
	Binary          string            `toml:"binary" mapstructure:"binary"`
	WorkDir         string            `toml:"workdir" mapstructure:"workdir"`
	LogFile         string            `toml:"log_file" mapstructure:"log_file"`
	AutoStart       bool              `toml:"auto_start" mapstructure:"auto_start"`
	RestartDelay    time.Duration     `toml:"restart_delay" mapstructure:"restart_delay"`
	PollInterval    time.Duration     `toml:"poll_interval" mapstructure:"poll_interval"`
	StopTimeout     time.Duration     `toml:"stop_timeout" mapstructure:"stop_timeout"`
	KillGrace       time.Duration     `toml:"kill_grace" mapstructure:"kill_grace"`
	RestartGrace    time.Duration     `toml:"restart_grace" mapstructure:"restart_grace"`
	RestartSchedule string            `toml:"restart_schedule" mapstructure:"restart_schedule"`
	NSSMPath        string            `toml:"nssm_path" mapstructure:"nssm_path"`
	Env             map[string]string `toml:"env" mapstructure:"env"`
}

type LockConfig struct {
	Path           string        `toml:"path" mapstructure:"path"`
	Policy         string        `toml:"policy" mapstructure:"policy"`
	TerminateGrace time.Duration `toml:"terminate_grace" mapstructure:"terminate_grace"`
}

type UpdateConfig struct {
	Repo          string        `toml:"repo" mapstructure:"repo"`
	Asset         string        `toml:"asset" mapstructure:"asset"`
	APIURL        string        `toml:"api_url" mapstructure:"api_url"`
	Token         string        `toml:"token" mapstructure:"token"`
	Schedule      string        `toml:"schedule" mapstructure:"schedule"`
	AutoApply     bool          `toml:"auto_apply" mapstructure:"auto_apply"`
	StagingDir    string        `toml:"staging_dir" mapstructure:"staging_dir"`
	VerifyTimeout time.Duration `toml:"verify_timeout" mapstructure:"verify_timeout"`
	CopyAttempts  int           `toml:"copy_attempts" mapstructure:"copy_attempts"`
	CopyDelay     time.Duration `toml:"copy_delay" mapstructure:"copy_delay"`
	PollInterval  time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
}

type AgentConfig struct {
	Repo       string `toml:"repo" mapstructure:"repo"`
	Asset      string `toml:"asset" mapstructure:"asset"`
	Executable string `toml:"executable" mapstructure:"executable"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Path    string `toml:"path" mapstructure:"path"`
}

// Load reads the TOML file at path; an empty path yields the defaults.
// Environment variables prefixed AGENTMGR_ override file values
// (AGENTMGR_SERVICE_BINARY for service.binary).
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v, path)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("AGENTMGR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper, path string) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.path = path
	if path != "" {
		env, err := readServiceEnv(path)
		if err != nil {
			return nil, err
		}
		c.Service.Env = env
	}
	c.resolve()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// readServiceEnv re-reads [service.env] with go-toml because viper folds
// keys to lower case and environment variable names are case-sensitive.
func readServiceEnv(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var doc struct {
		Service struct {
			Env map[string]string `toml:"env"`
		} `toml:"service"`
	}
	if err := toml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode [service.env]: %w", err)
	}
	return doc.Service.Env, nil
}

func setDefaults(v *viper.Viper) {
	dataDir, installDir := defaultDirs()
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("install_dir", installDir)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.timestamps", true)

	v.SetDefault("service.name", "agent")
	v.SetDefault("service.display_name", "Monitoring Agent")
	v.SetDefault("service.description", "Monitoring agent managed by agentmgr")
	v.SetDefault("service.backend", "auto")
	v.SetDefault("service.auto_start", true)
	v.SetDefault("service.restart_delay", "5s")
	v.SetDefault("service.poll_interval", "1s")
	v.SetDefault("service.stop_timeout", "30s")
	v.SetDefault("service.kill_grace", "10s")
	v.SetDefault("service.restart_grace", "2s")

	v.SetDefault("lock.policy", "exit")
	v.SetDefault("lock.terminate_grace", "3s")

	v.SetDefault("update.api_url", "https://api.github.com")
	v.SetDefault("update.asset", exeName("agentmgr"))
	v.SetDefault("update.verify_timeout", "15s")
	v.SetDefault("update.copy_attempts", 60)
	v.SetDefault("update.copy_delay", "500ms")
	v.SetDefault("update.poll_interval", "500ms")

	v.SetDefault("agent.executable", exeName("agent"))

	v.SetDefault("history.enabled", false)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:45877")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

func defaultDirs() (string, string) {
	if runtime.GOOS == "windows" {
		pd := os.Getenv("ProgramData")
		if pd == "" {
			pd = `C:\ProgramData`
		}
		pf := os.Getenv("ProgramFiles")
		if pf == "" {
			pf = `C:\Program Files`
		}
		return filepath.Join(pd, "agentmgr"), filepath.Join(pf, "agentmgr")
	}
	return "/var/lib/agentmgr", "/opt/agentmgr"
}

func exeName(base string) string {
	if runtime.GOOS == "windows" {
		return base + ".exe"
	}
	return base
}

// resolve fills paths derived from data_dir/install_dir and makes relative
// env file paths relative to the config file.
func (c *Config) resolve() {
	if c.Service.Binary == "" {
		c.Service.Binary = filepath.Join(c.InstallDir, "agent", c.Agent.Executable)
	}
	if c.Service.WorkDir == "" {
		c.Service.WorkDir = filepath.Dir(c.Service.Binary)
	}
	if c.Service.LogFile == "" {
		c.Service.LogFile = filepath.Join(c.DataDir, "logs", c.Service.Name+".log")
	}
	if c.Lock.Path == "" {
		c.Lock.Path = filepath.Join(c.DataDir, "instance.lock")
	}
	if c.Update.StagingDir == "" {
		c.Update.StagingDir = filepath.Join(c.DataDir, "updates")
	}
	if c.Log.File == "" {
		c.Log.File = filepath.Join(c.DataDir, "manager.log")
	}
	if c.History.DSN == "" {
		c.History.DSN = "sqlite://" + filepath.Join(c.DataDir, "history.db")
	}
	if c.path != "" {
		base := filepath.Dir(c.path)
		for i, p := range c.EnvFiles {
			if !filepath.IsAbs(p) {
				c.EnvFiles[i] = filepath.Join(base, p)
			}
		}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.InstallDir == "" {
		errs = append(errs, errors.New("install_dir is required"))
	}
	if strings.TrimSpace(c.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}
	switch c.Service.Backend {
	case "auto", "scm", "nssm", "pidfile":
	default:
		errs = append(errs, fmt.Errorf("service.backend %q: want auto, scm, nssm or pidfile", c.Service.Backend))
	}
	switch c.Lock.Policy {
	case "exit", "terminate", "prompt":
	default:
		errs = append(errs, fmt.Errorf("lock.policy %q: want exit, terminate or prompt", c.Lock.Policy))
	}
	if c.Service.PollInterval <= 0 {
		errs = append(errs, errors.New("service.poll_interval must be > 0"))
	}
	if c.Update.CopyAttempts < 1 {
		errs = append(errs, errors.New("update.copy_attempts must be >= 1"))
	}
	for key, expr := range map[string]string{
		"update.schedule":          c.Update.Schedule,
		"service.restart_schedule": c.Service.RestartSchedule,
	} {
		if expr == "" {
			continue
		}
		if _, err := cron.ParseEvery(expr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string { return c.path }

// ManagerPath is the canonical location of the manager executable.
func (c *Config) ManagerPath() string {
	return filepath.Join(c.InstallDir, exeName("agentmgr"))
}

func (c *Config) ACLMarkerPath() string { return filepath.Join(c.DataDir, "acl_done.flag") }

// ServiceStateDir holds the pidfile backend's definitions and pid files.
func (c *Config) ServiceStateDir() string {
	return filepath.Join(c.DataDir, "service")
}

// LoggerConfig maps the [log] table onto the logger package.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.ParseLevel(c.Log.Level),
			Format:     logger.Format(strings.ToLower(c.Log.Format)),
			Color:      c.Log.Color,
			TimeStamps: c.Log.TimeStamps,
		},
		File: logger.FileConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}
