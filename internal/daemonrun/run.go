package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/daemon"
	"conveyor/internal/logging"
)

// PIDFileName sits next to the daemon lock while the daemon runs.
const PIDFileName = "conveyor.pid"

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the conveyor daemon and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("conveyor-%s.log", runID))
	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout"},
		JSONFile:    logPath,
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update conveyor.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays, cfg.Paths.LogDir, "conveyor-*.log", logPath)

	components, err := Open(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("open orchestrator", logging.Error(err))
		return err
	}
	defer components.Close()
	logBackendSnapshot(signalCtx, logger, components)

	d, err := daemon.New(cfg, components.Service, components.Pool, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := d.Start(signalCtx); err != nil {
		logging.WarnWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check for another running daemon and the api bind address"),
			logging.String(logging.FieldImpact, "jobs will not be dispatched"),
		)
		return err
	}
	defer d.Stop()

	pidPath := filepath.Join(cfg.Paths.DataDir, PIDFileName)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	<-signalCtx.Done()
	logger.Info("conveyor daemon shutting down", logging.Event("daemon_shutdown"))
	return nil
}

// ReadPID returns the pid recorded by a running daemon, or 0.
func ReadPID(dataDir string) int {
	raw, err := os.ReadFile(filepath.Join(dataDir, PIDFileName))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0
	}
	return pid
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "conveyor.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logBackendSnapshot(ctx context.Context, logger *slog.Logger, c *Components) {
	cfg := c.Config
	ready := 0
	for _, h := range c.Handlers.Health(ctx) {
		if h.Ready {
			ready++
			continue
		}
		logging.WarnWithContext(logger, "stage handler not ready", "stage_handler_unready",
			logging.Stage(h.Name),
			logging.String("detail", h.Detail),
			logging.String(logging.FieldImpact, "jobs reaching this stage will be retried"),
		)
	}
	logger.Info("backend snapshot",
		logging.Event("backend_snapshot"),
		logging.String("storage_driver", cfg.Storage.Driver),
		logging.String("queue_backend", cfg.Queue.Backend),
		logging.String("backlog_source", cfg.Dispatch.BacklogSource),
		logging.String("launcher", cfg.Dispatch.Launcher),
		logging.Int("pool_size", cfg.Worker.PoolSize),
		logging.Int("stages", len(c.Pipeline.Stages())),
		logging.Int("handlers_ready", ready),
		logging.Int("collaborator_endpoints", len(cfg.Collaborators.Endpoints)),
	)
}
