package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind" env:"CONVEYOR_API_BIND"`
	APIToken string `toml:"api_token" env:"CONVEYOR_API_TOKEN"`
}

// Storage selects the relational store holding jobs, stage records, and stage configs.
type Storage struct {
	Driver       string `toml:"driver" env:"CONVEYOR_STORAGE_DRIVER"`
	SQLitePath   string `toml:"sqlite_path"`
	PostgresDSN  string `toml:"postgres_dsn" env:"CONVEYOR_POSTGRES_DSN"`
	MaxOpenConns int    `toml:"max_open_conns"`
}

// Queue selects and tunes the durable queue backend.
type Queue struct {
	Backend                  string `toml:"backend" env:"CONVEYOR_QUEUE_BACKEND"`
	RedisAddr                string `toml:"redis_addr" env:"CONVEYOR_REDIS_ADDR"`
	RedisPassword            string `toml:"redis_password" env:"CONVEYOR_REDIS_PASSWORD"`
	RedisDB                  int    `toml:"redis_db" env:"CONVEYOR_REDIS_DB"`
	RedisKeyPrefix           string `toml:"redis_key_prefix"`
	BadgerDir                string `toml:"badger_dir"`
	DefaultVisibilitySeconds int    `toml:"default_visibility_seconds"`
	DefaultMaxAttempts       int    `toml:"default_max_attempts"`
}

// Retry configures the shared backoff policy.
type Retry struct {
	BaseSeconds int     `toml:"base_seconds"`
	CapSeconds  int     `toml:"cap_seconds"`
	Jitter      float64 `toml:"jitter"`
}

// Dispatch configures the dispatcher cycle.
type Dispatch struct {
	Schedule             string `toml:"schedule"`
	BacklogSource        string `toml:"backlog_source"`
	Launcher             string `toml:"launcher" env:"CONVEYOR_DISPATCH_LAUNCHER"`
	LaunchTimeoutSeconds int    `toml:"launch_timeout_seconds"`
	OverridePrefix       string `toml:"override_prefix"`
}

// Worker configures stage worker invocations.
type Worker struct {
	PoolSize              int `toml:"pool_size"`
	VisibilitySeconds     int `toml:"visibility_seconds"`
	ExtendIntervalSeconds int `toml:"extend_interval_seconds"`
}

// Rescue configures the stuck-job sweep.
type Rescue struct {
	Enabled                bool   `toml:"enabled"`
	Schedule               string `toml:"schedule"`
	HeartbeatWindowSeconds int    `toml:"heartbeat_window_seconds"`
	Limit                  int    `toml:"limit"`
}

// Collaborators configures the external stage processors.
type Collaborators struct {
	TimeoutSeconds int               `toml:"timeout_seconds"`
	RatePerSecond  float64           `toml:"rate_per_second"`
	Burst          int               `toml:"burst"`
	Token          string            `toml:"token" env:"CONVEYOR_COLLABORATOR_TOKEN"`
	Endpoints      map[string]string `toml:"endpoints"`
}

// Pipeline declares the fixed stage order.
type Pipeline struct {
	Stages []string `toml:"stages"`
}

// StageSeed describes a StageConfig row inserted at startup when missing.
type StageSeed struct {
	Stage            string `toml:"stage" yaml:"stage"`
	Queue            string `toml:"queue" yaml:"queue"`
	WorkerEndpoint   string `toml:"worker_endpoint" yaml:"worker_endpoint"`
	MaxConcurrency   int    `toml:"max_concurrency" yaml:"max_concurrency"`
	TriggerBatchSize int    `toml:"trigger_batch_size" yaml:"trigger_batch_size"`
	Enabled          *bool  `toml:"enabled" yaml:"enabled"`
}

// IsEnabled reports the seed's enabled flag, defaulting to true.
func (s StageSeed) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Logging contains configuration for log output.
type Logging struct {
	Format         string            `toml:"format" env:"CONVEYOR_LOG_FORMAT"`
	Level          string            `toml:"level" env:"CONVEYOR_LOG_LEVEL"`
	RetentionDays  int               `toml:"retention_days"`
	StageOverrides map[string]string `toml:"stage_overrides"`
}

// Config encapsulates all configuration values for conveyor.
//
// Configuration sections by subsystem:
//   - Paths: data/log directories and API bind address
//   - Storage: relational store driver (sqlite or postgres)
//   - Queue: durable queue backend and lease defaults
//   - Retry: backoff base, cap, and jitter
//   - Dispatch: dispatcher cadence, backlog source, launcher
//   - Worker: in-process pool and lease extension
//   - Rescue: stuck-job sweep
//   - Collaborators: external stage processors
//   - Pipeline: declared stage order
//   - Stages: StageConfig seed rows
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Storage       Storage       `toml:"storage"`
	Queue         Queue         `toml:"queue"`
	Retry         Retry         `toml:"retry"`
	Dispatch      Dispatch      `toml:"dispatch"`
	Worker        Worker        `toml:"worker"`
	Rescue        Rescue        `toml:"rescue"`
	Collaborators Collaborators `toml:"collaborators"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Stages        []StageSeed   `toml:"stages"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. Environment
// variables prefixed with CONVEYOR_ are applied on top of the file. The
// returned config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, "", false, fmt.Errorf("apply environment: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("conveyor.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the data and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir}
	if c.Queue.Backend == QueueBadger {
		dirs = append(dirs, c.Queue.BadgerDir)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LockPath is the daemon's single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "conveyor.lock")
}

// StageSeedFor returns the seed row for stage, if configured.
func (c *Config) StageSeedFor(stage string) (StageSeed, bool) {
	for _, seed := range c.Stages {
		if seed.Stage == stage {
			return seed, true
		}
	}
	return StageSeed{}, false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Normalize applies defaulting and path expansion without reading a file. It is
// used by callers that build a Config in code.
func (c *Config) Normalize() error {
	return c.normalize()
}
