package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"conveyor/internal/logging"
	"conveyor/internal/pipeline"
	"conveyor/internal/queue"
	"conveyor/internal/retry"
	"conveyor/internal/services"
	"conveyor/internal/stage"
	"conveyor/internal/store"
)

const (
	defaultVisibilitySeconds = 300
	defaultExtendInterval    = time.Minute
	maxErrorLength           = 2000
)

// Outcome names how one invocation ended.
type Outcome string

const (
	// OutcomeIdle means the queue had no visible message.
	OutcomeIdle Outcome = "idle"
	// OutcomeCompleted means the stage succeeded and the next stage was queued.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRetrying means a transient failure was re-enqueued with backoff.
	OutcomeRetrying Outcome = "retrying"
	// OutcomeDeadLettered means the message moved to the dead-letter store.
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeForwarded means a misrouted message was sent to its own stage.
	OutcomeForwarded Outcome = "forwarded"
	// OutcomeDiscarded means a duplicate or stale message was archived unprocessed.
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeAbandoned means another worker took over; the lease is left to lapse.
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeError means the invocation hit an infrastructure error.
	OutcomeError Outcome = "error"
)

// Result summarizes one invocation.
type Result struct {
	Stage    string
	Queue    string
	JobID    string
	MsgID    int64
	Outcome  Outcome
	Attempt  int
	Delay    time.Duration
	Reason   string
	StageErr error
	Err      error
}

// Worker executes stage invocations against a store and queue.
type Worker struct {
	store    *store.Store
	queue    queue.Queue
	pipeline *pipeline.Pipeline
	handlers *stage.Registry
	policy   retry.Policy
	logger   *slog.Logger
	levels   map[string]string
	now      func() time.Time

	visibilitySeconds int
	extendInterval    time.Duration
}

// Option customizes a Worker.
type Option func(*Worker)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithStageLogLevels applies per-stage log level overrides.
func WithStageLogLevels(levels map[string]string) Option {
	return func(w *Worker) {
		w.levels = levels
	}
}

// WithClock overrides the time source used for retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithPolicy sets the backoff policy.
func WithPolicy(policy retry.Policy) Option {
	return func(w *Worker) {
		w.policy = policy
	}
}

// WithVisibility sets the lease taken at dequeue. Records asking for a longer
// visibility timeout extend the lease right after it is taken.
func WithVisibility(seconds int) Option {
	return func(w *Worker) {
		if seconds > 0 {
			w.visibilitySeconds = seconds
		}
	}
}

// WithExtendInterval sets how often the lease is pushed back while a handler
// runs. Zero disables extension.
func WithExtendInterval(interval time.Duration) Option {
	return func(w *Worker) {
		w.extendInterval = interval
	}
}

// New constructs a worker.
func New(st *store.Store, q queue.Queue, p *pipeline.Pipeline, handlers *stage.Registry, opts ...Option) *Worker {
	w := &Worker{
		store:             st,
		queue:             q,
		pipeline:          p,
		handlers:          handlers,
		policy:            retry.NewPolicy(30, 3600, 0),
		logger:            logging.NewNop(),
		now:               time.Now,
		visibilitySeconds: defaultVisibilitySeconds,
		extendInterval:    defaultExtendInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunOnce leases at most one message for stageName and drives it to an
// outcome. A returned error means the store or queue failed; the message is
// left leased and becomes visible again when the lease lapses.
func (w *Worker) RunOnce(ctx context.Context, stageName string) (Result, error) {
	res := Result{Stage: stageName, Outcome: OutcomeIdle}
	cfg, err := w.store.GetStageConfig(ctx, stageName)
	if err != nil {
		return res, fmt.Errorf("stage %s config: %w", stageName, err)
	}
	res.Queue = cfg.Queue

	msgs, err := w.queue.Dequeue(ctx, cfg.Queue, w.visibilitySeconds, 1)
	if err != nil {
		return res, fmt.Errorf("dequeue %s: %w", cfg.Queue, err)
	}
	if len(msgs) == 0 {
		return res, nil
	}
	msg := msgs[0]
	res.MsgID = msg.ID
	res.JobID = msg.Body.JobID

	ctx = services.WithMessageID(ctx, msg.ID)
	ctx = services.WithJobID(ctx, msg.Body.JobID)
	ctx = services.WithStage(ctx, stageName)
	logger := logging.WithContext(ctx, logging.ForStage(w.logger, w.levels, stageName)).
		With(logging.Queue(cfg.Queue))

	inv := &invocation{w: w, cfg: cfg, msg: msg, logger: logger, res: &res}
	if err := inv.run(ctx); err != nil {
		res.Outcome = OutcomeError
		logging.ErrorWithContext(logger, "stage invocation failed", "stage_invocation_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "message stays leased until its visibility timeout lapses"),
		)
		return res, err
	}
	return res, nil
}

// LogResult writes a one-line summary of res.
func LogResult(logger *slog.Logger, res Result) {
	if logger == nil || res.Outcome == OutcomeIdle {
		return
	}
	attrs := []logging.Attr{
		logging.Event("worker_result"),
		logging.Stage(res.Stage),
		logging.String("outcome", string(res.Outcome)),
	}
	if res.JobID != "" {
		attrs = append(attrs, logging.JobID(res.JobID))
	}
	if res.MsgID != 0 {
		attrs = append(attrs, logging.MsgID(res.MsgID))
	}
	if res.Reason != "" {
		attrs = append(attrs, logging.String("reason", res.Reason))
	}
	if res.Err != nil {
		attrs = append(attrs, logging.Error(res.Err))
		logger.Warn("worker invocation finished with error", logging.Args(attrs...)...)
		return
	}
	logger.Debug("worker invocation finished", logging.Args(attrs...)...)
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := err.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return msg
}
