// Package config provides configuration file support for agentlock.
//
// The file lives in the shared state directory of a repository
// (<git-common-dir>/agentlock/config.yaml) so every worktree sees the same
// backend and timing settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jvs-project/agentlock/pkg/errclass"
	"github.com/jvs-project/agentlock/pkg/fsutil"
	"github.com/jvs-project/agentlock/pkg/webhook"
)

// FileName is the config file name inside the state directory.
const FileName = "config.yaml"

// BackendType selects the LockStore implementation.
type BackendType string

const (
	BackendFile       BackendType = "file"
	BackendSQLite     BackendType = "sqlite"
	BackendKubernetes BackendType = "kubernetes"
)

// Config represents the agentlock configuration.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Locks    LocksConfig    `yaml:"locks"`
	Sessions SessionsConfig `yaml:"sessions"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Webhooks webhook.Config `yaml:"webhooks"`
}

// BackendConfig configures the shared store.
type BackendConfig struct {
	Type BackendType `yaml:"type"`
	// Path is the store directory, the database file, or the kubeconfig
	// for the kubernetes backend.
	Path      string `yaml:"path,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
	Context   string `yaml:"context,omitempty"`
}

// LocksConfig configures resource locks.
type LocksConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// SessionsConfig configures session records and the staleness tiers.
type SessionsConfig struct {
	HeartbeatTTL   time.Duration `yaml:"heartbeat_ttl"`
	IdleAfter      time.Duration `yaml:"idle_after"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	AbandonedAfter time.Duration `yaml:"abandoned_after"`
	// LabelTemplate labels sessions registered without --label.
	LabelTemplate string `yaml:"label,omitempty"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// MetricsConfig configures the Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{Type: BackendFile},
		Locks:   LocksConfig{DefaultTTL: 5 * time.Minute},
		Sessions: SessionsConfig{
			HeartbeatTTL:   48 * time.Hour,
			IdleAfter:      5 * time.Minute,
			StaleAfter:     time.Hour,
			AbandonedAfter: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Webhooks: webhook.DefaultConfig(),
	}
}

// Path returns the config file path for a state directory.
func Path(stateDir string) string {
	return filepath.Join(stateDir, FileName)
}

// Load loads configuration from <stateDir>/config.yaml.
// Returns default config if the file doesn't exist.
func Load(stateDir string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path(stateDir))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errclass.ErrConfigInvalid.WithMessagef("parse %s: %v", Path(stateDir), err)
	}
	return cfg, nil
}

// Save writes configuration to <stateDir>/config.yaml.
func Save(stateDir string, cfg *Config) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := fsutil.AtomicWrite(Path(stateDir), data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Environment variables that override file settings.
const (
	EnvBackend         = "AGENTLOCK_BACKEND"
	EnvBackendPath     = "AGENTLOCK_BACKEND_PATH"
	EnvKubeNamespace   = "AGENTLOCK_KUBE_NAMESPACE"
	EnvLockTTL         = "AGENTLOCK_LOCK_TTL"
	EnvHeartbeatTTL    = "AGENTLOCK_HEARTBEAT_TTL"
	EnvLogLevel        = "AGENTLOCK_LOG_LEVEL"
	EnvLogFormat       = "AGENTLOCK_LOG_FORMAT"
	EnvMetricsTextfile = "AGENTLOCK_METRICS_TEXTFILE"
)

// ApplyEnv overlays environment overrides using lookup (os.LookupEnv in
// production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvBackend); ok && v != "" {
		c.Backend.Type = BackendType(strings.ToLower(v))
	}
	if v, ok := lookup(EnvBackendPath); ok && v != "" {
		c.Backend.Path = v
	}
	if v, ok := lookup(EnvKubeNamespace); ok && v != "" {
		c.Backend.Namespace = v
	}
	if v, ok := lookup(EnvLockTTL); ok && v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return errclass.ErrConfigInvalid.WithMessagef("%s: %v", EnvLockTTL, err)
		}
		c.Locks.DefaultTTL = d
	}
	if v, ok := lookup(EnvHeartbeatTTL); ok && v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return errclass.ErrConfigInvalid.WithMessagef("%s: %v", EnvHeartbeatTTL, err)
		}
		c.Sessions.HeartbeatTTL = d
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.Logging.Format = v
	}
	if v, ok := lookup(EnvMetricsTextfile); ok {
		c.Metrics.Textfile = v
	}
	return nil
}

// parseDuration accepts Go durations ("90s", "5m") or bare seconds ("300").
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case BackendFile, BackendSQLite, BackendKubernetes:
	default:
		return errclass.ErrConfigInvalid.WithMessagef("unknown backend %q (want file, sqlite or kubernetes)", c.Backend.Type)
	}
	if c.Locks.DefaultTTL <= 0 {
		return errclass.ErrConfigInvalid.WithMessage("locks.default_ttl must be positive")
	}
	s := c.Sessions
	if s.IdleAfter <= 0 || s.StaleAfter <= s.IdleAfter || s.AbandonedAfter <= s.StaleAfter {
		return errclass.ErrConfigInvalid.WithMessagef(
			"session tiers must increase: idle_after=%s stale_after=%s abandoned_after=%s",
			s.IdleAfter, s.StaleAfter, s.AbandonedAfter)
	}
	if s.HeartbeatTTL <= s.AbandonedAfter {
		return errclass.ErrConfigInvalid.WithMessagef(
			"sessions.heartbeat_ttl (%s) must exceed abandoned_after (%s) so abandoned sessions are observed before they vanish",
			s.HeartbeatTTL, s.AbandonedAfter)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return errclass.ErrConfigInvalid.WithMessagef("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

// BackendPath returns the configured store path, or the default location
// inside stateDir for the selected backend. The kubernetes backend has no
// default path; an empty kubeconfig means the default loading rules.
func (c *Config) BackendPath(stateDir string) string {
	if c.Backend.Path != "" || c.Backend.Type == BackendKubernetes {
		return c.Backend.Path
	}
	if c.Backend.Type == BackendSQLite {
		return filepath.Join(stateDir, "agentlock.db")
	}
	return filepath.Join(stateDir, "store")
}
