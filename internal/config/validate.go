package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/robfig/cron/v3"
)

var stageNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateStorage,
		c.validateQueue,
		c.validateRetry,
		c.validateDispatch,
		c.validateWorker,
		c.validateRescue,
		c.validatePipeline,
		c.validateStages,
		c.validateCollaborators,
		c.validateLogging,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path must be set")
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres driver. Set CONVEYOR_POSTGRES_DSN or edit the config file")
		}
	default:
		return fmt.Errorf("storage.driver: unsupported value %q (want sqlite or postgres)", c.Storage.Driver)
	}
	if c.Storage.MaxOpenConns < 0 {
		return errors.New("storage.max_open_conns must be >= 0")
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case QueueSQLite, QueuePostgres:
		if c.Queue.Backend != c.Storage.Driver {
			return fmt.Errorf("queue.backend %q shares the relational store and requires storage.driver %q", c.Queue.Backend, c.Queue.Backend)
		}
	case QueueRedis:
		if c.Queue.RedisAddr == "" {
			return errors.New("queue.redis_addr is required for the redis backend. Set CONVEYOR_REDIS_ADDR or edit the config file")
		}
	case QueueBadger:
		if c.Queue.BadgerDir == "" {
			return errors.New("queue.badger_dir must be set")
		}
	default:
		return fmt.Errorf("queue.backend: unsupported value %q", c.Queue.Backend)
	}
	return ensurePositiveMap(map[string]int{
		"queue.default_visibility_seconds": c.Queue.DefaultVisibilitySeconds,
		"queue.default_max_attempts":       c.Queue.DefaultMaxAttempts,
	})
}

func (c *Config) validateRetry() error {
	if err := ensurePositiveMap(map[string]int{
		"retry.base_seconds": c.Retry.BaseSeconds,
		"retry.cap_seconds":  c.Retry.CapSeconds,
	}); err != nil {
		return err
	}
	if c.Retry.CapSeconds < c.Retry.BaseSeconds {
		return errors.New("retry.cap_seconds must be >= retry.base_seconds")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return errors.New("retry.jitter must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateDispatch() error {
	if _, err := cron.ParseStandard(c.Dispatch.Schedule); err != nil {
		return fmt.Errorf("dispatch.schedule: %w", err)
	}
	switch c.Dispatch.BacklogSource {
	case BacklogRecords, BacklogQueue:
	default:
		return fmt.Errorf("dispatch.backlog_source: unsupported value %q (want records or queue)", c.Dispatch.BacklogSource)
	}
	switch c.Dispatch.Launcher {
	case LauncherPool, LauncherHTTP:
	default:
		return fmt.Errorf("dispatch.launcher: unsupported value %q (want pool or http)", c.Dispatch.Launcher)
	}
	if c.Dispatch.LaunchTimeoutSeconds <= 0 {
		return errors.New("dispatch.launch_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateWorker() error {
	if err := ensurePositiveMap(map[string]int{
		"worker.pool_size":               c.Worker.PoolSize,
		"worker.visibility_seconds":      c.Worker.VisibilitySeconds,
		"worker.extend_interval_seconds": c.Worker.ExtendIntervalSeconds,
	}); err != nil {
		return err
	}
	if c.Worker.ExtendIntervalSeconds >= c.Worker.VisibilitySeconds {
		return errors.New("worker.extend_interval_seconds must be shorter than worker.visibility_seconds")
	}
	return nil
}

func (c *Config) validateRescue() error {
	if !c.Rescue.Enabled {
		return nil
	}
	if _, err := cron.ParseStandard(c.Rescue.Schedule); err != nil {
		return fmt.Errorf("rescue.schedule: %w", err)
	}
	return ensurePositiveMap(map[string]int{
		"rescue.heartbeat_window_seconds": c.Rescue.HeartbeatWindowSeconds,
		"rescue.limit":                    c.Rescue.Limit,
	})
}

func (c *Config) validatePipeline() error {
	seen := make(map[string]bool, len(c.Pipeline.Stages))
	for _, stage := range c.Pipeline.Stages {
		if !stageNamePattern.MatchString(stage) {
			return fmt.Errorf("pipeline.stages: invalid stage name %q", stage)
		}
		if seen[stage] {
			return fmt.Errorf("pipeline.stages: duplicate stage %q", stage)
		}
		seen[stage] = true
	}
	return nil
}

func (c *Config) validateStages() error {
	known := make(map[string]bool, len(c.Pipeline.Stages))
	for _, stage := range c.Pipeline.Stages {
		known[stage] = true
	}
	seen := make(map[string]bool, len(c.Stages))
	for _, seed := range c.Stages {
		if !known[seed.Stage] {
			return fmt.Errorf("stages: %q is not part of pipeline.stages", seed.Stage)
		}
		if seen[seed.Stage] {
			return fmt.Errorf("stages: duplicate entry for %q", seed.Stage)
		}
		seen[seed.Stage] = true
		if seed.MaxConcurrency < 0 {
			return fmt.Errorf("stages.%s.max_concurrency must be >= 0", seed.Stage)
		}
		if seed.TriggerBatchSize <= 0 {
			return fmt.Errorf("stages.%s.trigger_batch_size must be positive", seed.Stage)
		}
	}
	return nil
}

func (c *Config) validateCollaborators() error {
	if c.Collaborators.TimeoutSeconds <= 0 {
		return errors.New("collaborators.timeout_seconds must be positive")
	}
	if c.Collaborators.RatePerSecond < 0 {
		return errors.New("collaborators.rate_per_second must be >= 0")
	}
	if c.Collaborators.RatePerSecond > 0 && c.Collaborators.Burst < 1 {
		return errors.New("collaborators.burst must be >= 1 when rate limiting is enabled")
	}
	known := make(map[string]bool, len(c.Pipeline.Stages))
	for _, stage := range c.Pipeline.Stages {
		known[stage] = true
	}
	for stage := range c.Collaborators.Endpoints {
		if !known[stage] {
			return fmt.Errorf("collaborators.endpoints: %q is not part of pipeline.stages", stage)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json", "auto":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be >= 0")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
