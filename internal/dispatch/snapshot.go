package dispatch

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/store"
)

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// StageSetting is one stage's effective dispatch settings for a cycle.
type StageSetting struct {
	Stage            string
	Queue            string
	WorkerEndpoint   string
	MaxConcurrency   int
	TriggerBatchSize int
	Overridden       bool
}

// Snapshot is the immutable set of stage settings a cycle works from.
type Snapshot struct {
	TakenAt time.Time
	Stages  []StageSetting
}

// NewSnapshot copies configs and applies numeric concurrency overrides found
// through lookup. Non-numeric override values are ignored with a warning.
func NewSnapshot(configs []*store.StageConfig, prefix string, lookup LookupFunc, now time.Time, logger *slog.Logger) Snapshot {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	snap := Snapshot{TakenAt: now, Stages: make([]StageSetting, 0, len(configs))}
	for _, cfg := range configs {
		setting := StageSetting{
			Stage:            cfg.Stage,
			Queue:            cfg.Queue,
			WorkerEndpoint:   cfg.WorkerEndpoint,
			MaxConcurrency:   cfg.MaxConcurrency,
			TriggerBatchSize: cfg.TriggerBatchSize,
		}
		key := config.ConcurrencyOverrideEnv(prefix, cfg.Stage)
		if raw, ok := lookup(key); ok {
			value, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				logging.WarnWithContext(logger, "ignoring non-numeric concurrency override", "concurrency_override_invalid",
					logging.Stage(cfg.Stage),
					logging.String("variable", key),
					logging.String("value", raw),
					logging.String(logging.FieldErrorHint, "set "+key+" to an integer or unset it"),
					logging.String(logging.FieldImpact, "stage config max_concurrency used instead"),
				)
			} else {
				setting.MaxConcurrency = value
				setting.Overridden = true
			}
		}
		snap.Stages = append(snap.Stages, setting)
	}
	return snap
}

// LaunchCount is the number of workers to start for one stage: the free
// concurrency, bounded by ready work and the trigger batch size. It is never
// negative, and a batch size below one launches nothing.
func LaunchCount(maxConcurrency, inflight, ready, batch int) int {
	if maxConcurrency <= 0 || ready <= 0 || batch <= 0 {
		return 0
	}
	available := maxConcurrency - inflight
	if available <= 0 {
		return 0
	}
	return min(available, ready, batch)
}
