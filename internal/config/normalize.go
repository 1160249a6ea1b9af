package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeStorage(); err != nil {
		return err
	}
	if err := c.normalizeQueue(); err != nil {
		return err
	}
	c.normalizeDispatch()
	c.normalizePipeline()
	c.normalizeStages()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeStorage() error {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverSQLite
	}
	c.Storage.PostgresDSN = strings.TrimSpace(c.Storage.PostgresDSN)
	if strings.TrimSpace(c.Storage.SQLitePath) == "" {
		c.Storage.SQLitePath = filepath.Join(c.Paths.DataDir, defaultSQLiteFile)
	}
	var err error
	if c.Storage.SQLitePath, err = expandPath(c.Storage.SQLitePath); err != nil {
		return fmt.Errorf("storage.sqlite_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeQueue() error {
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	if c.Queue.Backend == "" {
		c.Queue.Backend = c.Storage.Driver
	}
	c.Queue.RedisAddr = strings.TrimSpace(c.Queue.RedisAddr)
	c.Queue.RedisKeyPrefix = strings.TrimSpace(c.Queue.RedisKeyPrefix)
	if c.Queue.RedisKeyPrefix == "" {
		c.Queue.RedisKeyPrefix = defaultRedisKeyPrefix
	}
	if strings.TrimSpace(c.Queue.BadgerDir) == "" {
		c.Queue.BadgerDir = filepath.Join(c.Paths.DataDir, defaultBadgerSubdir)
	}
	var err error
	if c.Queue.BadgerDir, err = expandPath(c.Queue.BadgerDir); err != nil {
		return fmt.Errorf("queue.badger_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeDispatch() {
	c.Dispatch.Schedule = strings.TrimSpace(c.Dispatch.Schedule)
	c.Dispatch.BacklogSource = strings.ToLower(strings.TrimSpace(c.Dispatch.BacklogSource))
	if c.Dispatch.BacklogSource == "" {
		c.Dispatch.BacklogSource = BacklogRecords
	}
	c.Dispatch.Launcher = strings.ToLower(strings.TrimSpace(c.Dispatch.Launcher))
	if c.Dispatch.Launcher == "" {
		c.Dispatch.Launcher = LauncherPool
	}
	c.Dispatch.OverridePrefix = strings.ToUpper(strings.TrimSpace(c.Dispatch.OverridePrefix))
	c.Rescue.Schedule = strings.TrimSpace(c.Rescue.Schedule)
}

func (c *Config) normalizePipeline() {
	stages := make([]string, 0, len(c.Pipeline.Stages))
	for _, stage := range c.Pipeline.Stages {
		if stage = strings.ToLower(strings.TrimSpace(stage)); stage != "" {
			stages = append(stages, stage)
		}
	}
	if len(stages) == 0 {
		stages = append(stages, DefaultStages...)
	}
	c.Pipeline.Stages = stages

	endpoints := make(map[string]string, len(c.Collaborators.Endpoints))
	for stage, url := range c.Collaborators.Endpoints {
		endpoints[strings.ToLower(strings.TrimSpace(stage))] = strings.TrimSpace(url)
	}
	c.Collaborators.Endpoints = endpoints
}

// normalizeStages fills missing seed fields and adds a seed for every pipeline
// stage that has none. The terminal stage gets a wider default concurrency.
func (c *Config) normalizeStages() {
	seen := make(map[string]bool, len(c.Stages))
	terminal := c.Pipeline.Stages[len(c.Pipeline.Stages)-1]
	for i := range c.Stages {
		seed := &c.Stages[i]
		seed.Stage = strings.ToLower(strings.TrimSpace(seed.Stage))
		seen[seed.Stage] = true
		c.fillSeed(seed, terminal)
	}
	for _, stage := range c.Pipeline.Stages {
		if seen[stage] {
			continue
		}
		seed := StageSeed{Stage: stage}
		c.fillSeed(&seed, terminal)
		c.Stages = append(c.Stages, seed)
	}
}

func (c *Config) fillSeed(seed *StageSeed, terminal string) {
	seed.Queue = strings.TrimSpace(seed.Queue)
	if seed.Queue == "" {
		seed.Queue = seed.Stage
	}
	seed.WorkerEndpoint = strings.TrimSpace(seed.WorkerEndpoint)
	if seed.WorkerEndpoint == "" {
		seed.WorkerEndpoint = "http://" + c.Paths.APIBind + "/workers/" + seed.Stage
	}
	if seed.MaxConcurrency == 0 {
		seed.MaxConcurrency = DefaultStageMaxConcurrency
		if seed.Stage == terminal {
			seed.MaxConcurrency = defaultTerminalStageConcurrency
		}
	}
	if seed.TriggerBatchSize == 0 {
		seed.TriggerBatchSize = DefaultStageTriggerBatchSize
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
