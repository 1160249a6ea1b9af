// Package rescue recovers jobs that stopped making progress. A sweep looks at
// non-terminal jobs idle for longer than the heartbeat window and re-derives
// what should happen next from the job's current stage record.
package rescue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/store"
)

const (
	defaultWindow     = 30 * time.Minute
	defaultLimit      = 100
	defaultVisibility = 300
)

// Summary counts what one sweep did.
type Summary struct {
	Examined int `json:"examined"`
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Sweeper runs rescue sweeps.
type Sweeper struct {
	store      *store.Store
	queue      queue.Queue
	window     time.Duration
	limit      int
	visibility int
	logger     *slog.Logger
	now        func() time.Time
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithHeartbeatWindow sets how long a job may go without updates before it
// is examined.
func WithHeartbeatWindow(window time.Duration) Option {
	return func(s *Sweeper) {
		if window > 0 {
			s.window = window
		}
	}
}

// WithLimit caps the jobs examined per sweep.
func WithLimit(limit int) Option {
	return func(s *Sweeper) {
		if limit > 0 {
			s.limit = limit
		}
	}
}

// WithVisibility sets the visibility timeout given to records the sweep has
// to recreate.
func WithVisibility(seconds int) Option {
	return func(s *Sweeper) {
		if seconds > 0 {
			s.visibility = seconds
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a sweeper.
func New(st *store.Store, q queue.Queue, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:      st,
		queue:      q,
		window:     defaultWindow,
		limit:      defaultLimit,
		visibility: defaultVisibility,
		logger:     logging.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep examines stale jobs once. Per-job failures are logged and counted as
// skipped; the returned error covers only the initial query.
func (s *Sweeper) Sweep(ctx context.Context) (Summary, error) {
	var summary Summary
	cutoff := s.now().Add(-s.window)
	jobs, err := s.store.StaleJobs(ctx, cutoff, s.limit)
	if err != nil {
		return summary, err
	}
	for _, job := range jobs {
		summary.Examined++
		action, err := s.rescueJob(ctx, job)
		if err != nil {
			summary.Skipped++
			logging.WarnWithContext(s.logger, "rescue failed for job", "rescue_job_failed",
				logging.JobID(job.ID),
				logging.Stage(job.Stage),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "job retried on the next sweep"),
				logging.String(logging.FieldImpact, "job stays stuck until then"),
			)
			continue
		}
		switch action {
		case actionRequeued:
			summary.Requeued++
		case actionFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
	}
	if summary.Examined > 0 {
		s.logger.Info("rescue sweep complete",
			logging.Event("rescue_sweep_complete"),
			logging.Int("examined", summary.Examined),
			logging.Int("requeued", summary.Requeued),
			logging.Int("failed", summary.Failed),
			logging.Int("skipped", summary.Skipped),
		)
	}
	return summary, nil
}

type action int

const (
	actionNone action = iota
	actionRequeued
	actionFailed
)

func (s *Sweeper) rescueJob(ctx context.Context, job *store.Job) (action, error) {
	logger := s.logger.With(
		logging.JobID(job.ID),
		logging.Stage(job.Stage),
	)
	cfg, err := s.store.GetStageConfig(ctx, job.Stage)
	if err != nil {
		return actionNone, fmt.Errorf("stage config: %w", err)
	}

	rec, err := s.store.GetStageRecord(ctx, job.ID, job.Stage)
	if errors.Is(err, store.ErrNotFound) {
		if rec, err = s.store.ResetStage(ctx, job.ID, job.Stage, false, s.visibility); err != nil {
			return actionNone, err
		}
		return s.requeue(ctx, logger, job, rec, cfg.Queue, "stage record missing")
	}
	if err != nil {
		return actionNone, err
	}

	switch rec.Status {
	case store.StageFailed:
		reason := rec.LastError
		if reason == "" {
			reason = "stage " + rec.Stage + " failed"
		}
		if err := s.store.MarkJobFailed(ctx, job.ID, reason); err != nil {
			return actionNone, err
		}
		logger.Info("job marked failed to match its stage record",
			logging.Event("rescue_job_failed_marked"),
		)
		return actionFailed, nil

	case store.StagePending:
		if rec.MsgID == 0 {
			return s.requeue(ctx, logger, job, rec, cfg.Queue, "pending without message")
		}
		vanished, err := s.messageVanished(ctx, cfg.Queue, rec.MsgID)
		if err != nil || !vanished {
			return actionNone, err
		}
		return s.resetAndRequeue(ctx, logger, job, rec, cfg.Queue, "pending message vanished")

	case store.StageProcessing:
		if rec.LeaseExpiresAt != nil && rec.LeaseExpiresAt.After(s.now()) {
			return actionNone, nil
		}
		if rec.MsgID != 0 {
			vanished, err := s.messageVanished(ctx, cfg.Queue, rec.MsgID)
			if err != nil || !vanished {
				return actionNone, err
			}
		}
		return s.resetAndRequeue(ctx, logger, job, rec, cfg.Queue, "lease expired and message vanished")
	}
	return actionNone, nil
}

func (s *Sweeper) messageVanished(ctx context.Context, queueName string, msgID int64) (bool, error) {
	_, err := s.queue.Peek(ctx, queueName, msgID)
	if errors.Is(err, queue.ErrMessageNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("peek message %d: %w", msgID, err)
	}
	return false, nil
}

func (s *Sweeper) resetAndRequeue(ctx context.Context, logger *slog.Logger, job *store.Job, rec *store.StageRecord, queueName, reason string) (action, error) {
	reset, err := s.store.ResetStage(ctx, job.ID, rec.Stage, false, rec.VisibilityTimeoutSeconds)
	if err != nil {
		return actionNone, err
	}
	return s.requeue(ctx, logger, job, reset, queueName, reason)
}

func (s *Sweeper) requeue(ctx context.Context, logger *slog.Logger, job *store.Job, rec *store.StageRecord, queueName, reason string) (action, error) {
	delay := 0
	if wait := rec.AvailableAt.Sub(s.now()); wait > 0 {
		delay = int(wait.Round(time.Second) / time.Second)
	}
	msgID, err := s.queue.Enqueue(ctx, queueName, queue.Body{JobID: job.ID, Stage: rec.Stage, Payload: job.Payload}, queue.EnqueueOptions{
		Priority:     rec.Priority,
		DelaySeconds: delay,
	})
	if err != nil {
		return actionNone, fmt.Errorf("enqueue: %w", err)
	}
	if err := s.store.AttachMessage(ctx, job.ID, rec.Stage, 0, msgID); err != nil {
		if !errors.Is(err, store.ErrStale) {
			return actionNone, err
		}
		logger.Debug("record picked up a message during rescue", logging.MsgID(msgID))
	}
	logger.Info("stuck job requeued",
		logging.Event("rescue_requeued"),
		logging.String("reason", reason),
		logging.MsgID(msgID),
		logging.Int("delay_seconds", delay),
	)
	return actionRequeued, nil
}
