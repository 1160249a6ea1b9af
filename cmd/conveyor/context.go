package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"conveyor/internal/config"
	"conveyor/internal/daemonrun"
	"conveyor/internal/logging"
)

const defaultCLILogLevel = "warn"

type commandContext struct {
	configFlag   *string
	logLevelFlag *string
	jsonFlag     *bool

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(configFlag, logLevelFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
		jsonFlag:     jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func (c *commandContext) logLevel() string {
	if c.logLevelFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.logLevelFlag)
}

// cliLogger writes to stderr so table and JSON output stay clean.
func (c *commandContext) cliLogger() (*slog.Logger, error) {
	level := c.logLevel()
	if level == "" {
		level = defaultCLILogLevel
	}
	format := "console"
	if c.config != nil && c.config.Logging.Format == "json" {
		format = "json"
	}
	return logging.New(logging.Options{Level: level, Format: format, OutputPaths: []string{"stderr"}})
}

// withComponents opens the orchestrator for the duration of fn. Pool results
// are logged, and Close waits for any invocation fn started.
func (c *commandContext) withComponents(cmd *cobra.Command, fn func(*daemonrun.Components) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := c.cliLogger()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	components, err := daemonrun.Open(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	components.DrainResults()
	runErr := fn(components)
	if err := components.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// emit prints v as JSON when --json is set and runs text otherwise.
func (c *commandContext) emit(cmd *cobra.Command, v any, text func() error) error {
	if c.jsonOutput() {
		return writeJSON(cmd, v)
	}
	return text()
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
