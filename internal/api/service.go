package api

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"conveyor/internal/backlog"
	"conveyor/internal/config"
	"conveyor/internal/dispatch"
	"conveyor/internal/logging"
	"conveyor/internal/pipeline"
	"conveyor/internal/queue"
	"conveyor/internal/rescue"
	"conveyor/internal/services"
	"conveyor/internal/store"
	"conveyor/internal/worker"
)

// Defaults fills request fields left at zero.
type Defaults struct {
	MaxAttempts       int
	VisibilitySeconds int
	RetryDelaySeconds int
	MaxConcurrency    int
	TriggerBatchSize  int
}

// DefaultsFromConfig derives request defaults from the loaded configuration.
func DefaultsFromConfig(cfg *config.Config) Defaults {
	return Defaults{
		MaxAttempts:       cfg.Queue.DefaultMaxAttempts,
		VisibilitySeconds: cfg.Queue.DefaultVisibilitySeconds,
		RetryDelaySeconds: cfg.Retry.BaseSeconds,
		MaxConcurrency:    config.DefaultStageMaxConcurrency,
		TriggerBatchSize:  config.DefaultStageTriggerBatchSize,
	}
}

// Deps lists the components a Service drives. Store, Queue and Pipeline are
// required. Operations whose component is nil fail with a configuration
// error.
type Deps struct {
	Store      *store.Store
	Queue      queue.Queue
	Pipeline   *pipeline.Pipeline
	Backlog    backlog.Source
	Dispatcher *dispatch.Dispatcher
	Sweeper    *rescue.Sweeper
	Worker     *worker.Worker
	Defaults   Defaults
	Logger     *slog.Logger
}

// Service implements the operator-facing operations.
type Service struct {
	store      *store.Store
	queue      queue.Queue
	pipeline   *pipeline.Pipeline
	backlog    backlog.Source
	dispatcher *dispatch.Dispatcher
	sweeper    *rescue.Sweeper
	worker     *worker.Worker
	defaults   Defaults
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewService constructs a Service.
func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Queue == nil || deps.Pipeline == nil {
		return nil, errors.New("api service requires store, queue, and pipeline")
	}
	src := deps.Backlog
	if src == nil {
		src = backlog.RecordsSource{Store: deps.Store}
	}
	defaults := deps.Defaults
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = 3
	}
	if defaults.VisibilitySeconds <= 0 {
		defaults.VisibilitySeconds = 300
	}
	if defaults.MaxConcurrency <= 0 {
		defaults.MaxConcurrency = config.DefaultStageMaxConcurrency
	}
	if defaults.TriggerBatchSize <= 0 {
		defaults.TriggerBatchSize = config.DefaultStageTriggerBatchSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		store:      deps.Store,
		queue:      deps.Queue,
		pipeline:   deps.Pipeline,
		backlog:    src,
		dispatcher: deps.Dispatcher,
		sweeper:    deps.Sweeper,
		worker:     deps.Worker,
		defaults:   defaults,
		validate:   newValidator(),
		logger:     logging.NewComponentLogger(logger, "api"),
	}, nil
}

// translate maps store and queue sentinels onto service markers so transports
// can pick a status without knowing the storage layer.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, queue.ErrMessageNotFound):
		return fmt.Errorf("%w: %w", services.ErrNotFound, err)
	case errors.Is(err, store.ErrJobTerminal), errors.Is(err, store.ErrStale), errors.Is(err, queue.ErrAlreadyReplayed):
		return fmt.Errorf("%w: %w", services.ErrConflict, err)
	case errors.Is(err, queue.ErrUnknownQueue):
		return fmt.Errorf("%w: %w", services.ErrConfiguration, err)
	}
	return err
}

func orDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
