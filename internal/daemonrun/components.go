package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"conveyor/internal/api"
	"conveyor/internal/backlog"
	"conveyor/internal/collab"
	"conveyor/internal/config"
	"conveyor/internal/dispatch"
	"conveyor/internal/logging"
	"conveyor/internal/pipeline"
	"conveyor/internal/queue"
	"conveyor/internal/queue/backend"
	"conveyor/internal/rescue"
	"conveyor/internal/retry"
	"conveyor/internal/sqldb"
	"conveyor/internal/stage"
	"conveyor/internal/store"
	"conveyor/internal/worker"
)

// Components is the orchestrator wired from one Config. The daemon and the
// CLI share it so both act on the same store and queue.
type Components struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *sqldb.DB
	Store    *store.Store
	Queue    queue.Queue
	Pipeline *pipeline.Pipeline
	Handlers *stage.Registry
	Worker   *worker.Worker
	Pool     *worker.Pool
	Service  *api.Service

	draining chan struct{}
}

// Open connects storage and the queue backend, seeds stage configs, and
// builds the services on top. The pool is bound to ctx.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	db, err := sqldb.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	c := &Components{Config: cfg, Logger: logger, DB: db, Store: store.New(db)}

	c.Queue, err = backend.Open(ctx, cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}
	if err := c.prepare(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.build(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// prepare seeds missing stage configs and registers every queue they name.
func (c *Components) prepare(ctx context.Context) error {
	seeds := make([]store.StageConfig, 0, len(c.Config.Stages))
	for _, seed := range c.Config.Stages {
		seeds = append(seeds, store.StageConfig{
			Stage:            seed.Stage,
			Queue:            seed.Queue,
			WorkerEndpoint:   seed.WorkerEndpoint,
			MaxConcurrency:   seed.MaxConcurrency,
			TriggerBatchSize: seed.TriggerBatchSize,
			Enabled:          seed.IsEnabled(),
		})
	}
	inserted, err := c.Store.SeedStageConfigs(ctx, seeds)
	if err != nil {
		return fmt.Errorf("seed stage configs: %w", err)
	}
	if inserted > 0 {
		c.Logger.Info("stage configs seeded",
			logging.Int("inserted", inserted),
			logging.Event("stage_configs_seeded"),
		)
	}

	configs, err := c.Store.ListStageConfigs(ctx, false)
	if err != nil {
		return fmt.Errorf("list stage configs: %w", err)
	}
	names := make([]string, 0, len(configs))
	for _, sc := range configs {
		names = append(names, sc.Queue)
	}
	if err := backend.EnsureQueues(ctx, c.Queue, names...); err != nil {
		return fmt.Errorf("register queues: %w", err)
	}
	return nil
}

func (c *Components) build(ctx context.Context) error {
	cfg := c.Config
	p, err := pipeline.New(cfg.Pipeline.Stages)
	if err != nil {
		return err
	}
	c.Pipeline = p
	c.Handlers = collab.NewRegistry(cfg, c.Logger)

	c.Worker = worker.New(c.Store, c.Queue, p, c.Handlers,
		worker.WithLogger(c.Logger),
		worker.WithStageLogLevels(cfg.Logging.StageOverrides),
		worker.WithPolicy(retry.NewPolicy(cfg.Retry.BaseSeconds, cfg.Retry.CapSeconds, cfg.Retry.Jitter)),
		worker.WithVisibility(cfg.Worker.VisibilitySeconds),
		worker.WithExtendInterval(time.Duration(cfg.Worker.ExtendIntervalSeconds)*time.Second),
	)
	c.Pool = worker.NewPool(ctx, c.Worker, cfg.Worker.PoolSize, logging.NewComponentLogger(c.Logger, "pool"))

	src, err := backlog.New(cfg, c.Store, c.Queue)
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(c.Store, src, c.launcher(),
		dispatch.WithLogger(c.Logger),
		dispatch.WithOverridePrefix(cfg.Dispatch.OverridePrefix),
	)
	sweeper := rescue.New(c.Store, c.Queue,
		rescue.WithHeartbeatWindow(time.Duration(cfg.Rescue.HeartbeatWindowSeconds)*time.Second),
		rescue.WithLimit(cfg.Rescue.Limit),
		rescue.WithVisibility(cfg.Queue.DefaultVisibilitySeconds),
		rescue.WithLogger(c.Logger),
	)

	c.Service, err = api.NewService(api.Deps{
		Store:      c.Store,
		Queue:      c.Queue,
		Pipeline:   p,
		Backlog:    src,
		Dispatcher: dispatcher,
		Sweeper:    sweeper,
		Worker:     c.Worker,
		Defaults:   api.DefaultsFromConfig(cfg),
		Logger:     c.Logger,
	})
	return err
}

func (c *Components) launcher() dispatch.Launcher {
	if c.Config.Dispatch.Launcher == config.LauncherHTTP {
		timeout := time.Duration(c.Config.Dispatch.LaunchTimeoutSeconds) * time.Second
		return dispatch.NewHTTPLauncher(timeout, c.Config.Paths.APIToken)
	}
	return dispatch.PoolLauncher{Pool: c.Pool}
}

// DrainResults logs pool results until the pool closes. Only processes that
// do not hand the pool to a daemon need it.
func (c *Components) DrainResults() {
	if c.draining != nil {
		return
	}
	c.draining = make(chan struct{})
	go func() {
		defer close(c.draining)
		for res := range c.Pool.Results() {
			worker.LogResult(c.Logger, res)
		}
	}()
}

// Close waits for in-flight invocations, then releases the queue and the
// database.
func (c *Components) Close() error {
	if c.Pool != nil {
		c.Pool.Close()
		if c.draining != nil {
			<-c.draining
		}
	}
	var errs []error
	if c.Queue != nil {
		errs = append(errs, c.Queue.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}
