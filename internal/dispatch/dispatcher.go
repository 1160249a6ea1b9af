package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"conveyor/internal/backlog"
	"conveyor/internal/logging"
	"conveyor/internal/services"
	"conveyor/internal/store"
)

// Launcher starts one worker invocation for a stage.
type Launcher interface {
	Launch(ctx context.Context, setting StageSetting, source string) error
}

// Dispatch reports the workers started for one stage.
type Dispatch struct {
	Stage            string `json:"stage"`
	Queue            string `json:"queue"`
	WorkersTriggered int    `json:"workers_triggered"`
}

// Summary is the result of one dispatcher cycle.
type Summary struct {
	Message    string     `json:"message"`
	Source     string     `json:"source,omitempty"`
	Dispatches []Dispatch `json:"dispatches"`
	Errors     []string   `json:"errors,omitempty"`
	DurationMS int64      `json:"duration_ms"`
}

// Launched totals the workers started across stages.
func (s Summary) Launched() int {
	total := 0
	for _, d := range s.Dispatches {
		total += d.WorkersTriggered
	}
	return total
}

// Dispatcher runs dispatch cycles. Cycles in one process are serialized.
type Dispatcher struct {
	store    *store.Store
	backlog  backlog.Source
	launcher Launcher
	prefix   string
	lookup   LookupFunc
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithOverridePrefix sets the prefix of per-stage concurrency variables.
func WithOverridePrefix(prefix string) Option {
	return func(d *Dispatcher) {
		d.prefix = prefix
	}
}

// WithLookup replaces os.LookupEnv for override resolution.
func WithLookup(lookup LookupFunc) Option {
	return func(d *Dispatcher) {
		if lookup != nil {
			d.lookup = lookup
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New constructs a dispatcher.
func New(st *store.Store, src backlog.Source, launcher Launcher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		backlog:  src,
		launcher: launcher,
		prefix:   "CONVEYOR",
		logger:   logging.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run performs one cycle. Launch failures are recorded per stage in the
// summary and do not stop other stages; a returned error means the cycle
// could not read its inputs.
func (d *Dispatcher) Run(ctx context.Context, source string) (Summary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	started := d.now()
	summary := Summary{Source: source, Dispatches: []Dispatch{}}
	logger := logging.WithContext(ctx, d.logger)
	finish := func() Summary {
		summary.DurationMS = d.now().Sub(started).Milliseconds()
		return summary
	}

	configs, err := d.store.ListStageConfigs(ctx, true)
	if err != nil {
		summary.Message = "dispatch failed"
		return finish(), fmt.Errorf("load stage configs: %w", err)
	}
	if len(configs) == 0 {
		summary.Message = "no enabled stages"
		return finish(), nil
	}
	snap := NewSnapshot(configs, d.prefix, d.lookup, started, logger)

	counts, err := d.backlog.Backlog(ctx, configs)
	if err != nil {
		summary.Message = "dispatch failed"
		return finish(), fmt.Errorf("read backlog: %w", err)
	}

	for _, setting := range snap.Stages {
		if setting.MaxConcurrency <= 0 {
			logger.Debug("stage skipped: concurrency disabled",
				logging.Stage(setting.Stage),
				logging.Bool("overridden", setting.Overridden),
			)
			continue
		}
		entry := counts[setting.Stage]
		n := LaunchCount(setting.MaxConcurrency, entry.InflightCount, entry.ReadyCount, setting.TriggerBatchSize)
		if n == 0 {
			continue
		}

		launched := 0
		for i := 0; i < n; i++ {
			if err := d.launcher.Launch(ctx, setting, source); err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", setting.Stage, err))
				logging.WarnWithContext(logger, "worker launch failed; skipping rest of stage", "dispatch_launch_failed",
					logging.Stage(setting.Stage),
					logging.Int("launched", launched),
					logging.Int("planned", n),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, launchHint(err)),
					logging.String(logging.FieldImpact, "stage backlog waits for the next cycle"),
				)
				break
			}
			launched++
		}
		if launched > 0 {
			summary.Dispatches = append(summary.Dispatches, Dispatch{
				Stage:            setting.Stage,
				Queue:            setting.Queue,
				WorkersTriggered: launched,
			})
		}
		logger.Debug("stage evaluated",
			logging.Stage(setting.Stage),
			logging.Int("ready", entry.ReadyCount),
			logging.Int("inflight", entry.InflightCount),
			logging.Int("max_concurrency", setting.MaxConcurrency),
			logging.Int("launched", launched),
		)
	}

	total := summary.Launched()
	switch {
	case total == 0 && len(summary.Errors) == 0:
		summary.Message = "no workers needed"
	default:
		summary.Message = fmt.Sprintf("triggered %d workers across %d stages", total, len(summary.Dispatches))
	}
	summary = finish()
	logger.Info("dispatch cycle complete",
		logging.Event("dispatch_cycle_complete"),
		logging.String("source", source),
		logging.Int("workers_triggered", total),
		logging.Int("stages", len(summary.Dispatches)),
		logging.Int("errors", len(summary.Errors)),
		logging.Int64("duration_ms", summary.DurationMS),
	)
	return summary, nil
}

func launchHint(err error) string {
	switch {
	case errors.Is(err, services.ErrRateLimited):
		return "worker pool saturated; raise worker.pool_size or lower max_concurrency"
	case errors.Is(err, context.DeadlineExceeded):
		return "worker endpoint too slow to accept; check dispatch.launch_timeout_seconds"
	default:
		return "check worker endpoint reachability"
	}
}
