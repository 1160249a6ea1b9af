package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conveyor/internal/sqldb"
)

// Store reads and writes pipeline state.
type Store struct {
	db  *sqldb.DB
	now func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps an open database.
func New(db *sqldb.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle for components sharing the database.
func (s *Store) DB() *sqldb.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) timestamp() (time.Time, string) {
	now := s.now().UTC()
	return now, sqldb.FormatTime(now)
}

const jobColumns = `id, job_type, payload, status, stage, priority, attempt_count, max_attempts,
    retry_delay_seconds, last_error, first_queued_at, last_queued_at, last_dequeued_at,
    last_completed_at, last_failed_at, last_dead_lettered_at, created_at, updated_at, version`

const recordColumns = `job_id, stage, status, attempt_count, max_attempts, priority, retry_delay_seconds,
    visibility_timeout_seconds, msg_id, available_at, lease_expires_at, next_retry_at,
    dead_lettered_at, dead_letter_reason, started_at, finished_at, last_error, output,
    created_at, updated_at, version`

const configColumns = `stage, queue, worker_endpoint, max_concurrency, trigger_batch_size, enabled, last_updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner rowScanner) (*Job, error) {
	var (
		job                                                   Job
		payload, status                                       string
		lastError                                             sql.NullString
		firstQueued, lastQueued, lastDequeued, lastCompleted  sql.NullString
		lastFailed, lastDeadLettered, createdAt, updatedAtRaw sql.NullString
	)
	if err := scanner.Scan(
		&job.ID,
		&job.Type,
		&payload,
		&status,
		&job.Stage,
		&job.Priority,
		&job.AttemptCount,
		&job.MaxAttempts,
		&job.RetryDelaySeconds,
		&lastError,
		&firstQueued,
		&lastQueued,
		&lastDequeued,
		&lastCompleted,
		&lastFailed,
		&lastDeadLettered,
		&createdAt,
		&updatedAtRaw,
		&job.Version,
	); err != nil {
		return nil, err
	}
	job.Payload = json.RawMessage(payload)
	job.Status = JobStatus(status)
	job.LastError = lastError.String
	job.FirstQueuedAt = sqldb.TimePtr(firstQueued)
	job.LastQueuedAt = sqldb.TimePtr(lastQueued)
	job.LastDequeuedAt = sqldb.TimePtr(lastDequeued)
	job.LastCompletedAt = sqldb.TimePtr(lastCompleted)
	job.LastFailedAt = sqldb.TimePtr(lastFailed)
	job.LastDeadLetteredAt = sqldb.TimePtr(lastDeadLettered)
	if t := sqldb.TimePtr(createdAt); t != nil {
		job.CreatedAt = *t
	}
	if t := sqldb.TimePtr(updatedAtRaw); t != nil {
		job.UpdatedAt = *t
	}
	return &job, nil
}

func scanRecord(scanner rowScanner) (*StageRecord, error) {
	var (
		rec                                   StageRecord
		status                                string
		msgID                                 sql.NullInt64
		availableAt, createdAt, updatedAt     string
		leaseExpires, nextRetry, deadLettered sql.NullString
		deadLetterReason, started, finished   sql.NullString
		lastError, output                     sql.NullString
	)
	if err := scanner.Scan(
		&rec.JobID,
		&rec.Stage,
		&status,
		&rec.AttemptCount,
		&rec.MaxAttempts,
		&rec.Priority,
		&rec.RetryDelaySeconds,
		&rec.VisibilityTimeoutSeconds,
		&msgID,
		&availableAt,
		&leaseExpires,
		&nextRetry,
		&deadLettered,
		&deadLetterReason,
		&started,
		&finished,
		&lastError,
		&output,
		&createdAt,
		&updatedAt,
		&rec.Version,
	); err != nil {
		return nil, err
	}
	rec.Status = StageStatus(status)
	rec.MsgID = msgID.Int64
	rec.LeaseExpiresAt = sqldb.TimePtr(leaseExpires)
	rec.NextRetryAt = sqldb.TimePtr(nextRetry)
	rec.DeadLetteredAt = sqldb.TimePtr(deadLettered)
	rec.DeadLetterReason = deadLetterReason.String
	rec.StartedAt = sqldb.TimePtr(started)
	rec.FinishedAt = sqldb.TimePtr(finished)
	rec.LastError = lastError.String
	if output.Valid && output.String != "" {
		rec.Output = json.RawMessage(output.String)
	}
	var err error
	if rec.AvailableAt, err = sqldb.ParseTime(availableAt); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = sqldb.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = sqldb.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanConfig(scanner rowScanner) (*StageConfig, error) {
	var (
		cfg     StageConfig
		enabled int
		updated string
	)
	if err := scanner.Scan(
		&cfg.Stage,
		&cfg.Queue,
		&cfg.WorkerEndpoint,
		&cfg.MaxConcurrency,
		&cfg.TriggerBatchSize,
		&enabled,
		&updated,
	); err != nil {
		return nil, err
	}
	cfg.Enabled = enabled != 0
	if t, err := sqldb.ParseTime(updated); err == nil {
		cfg.LastUpdatedAt = t
	}
	return &cfg, nil
}

// querier is satisfied by both *sqldb.DB and *sqldb.Tx.
type querier interface {
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

func getJob(ctx context.Context, q querier, id string) (*Job, error) {
	job, err := scanJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func getRecord(ctx context.Context, q querier, jobID, stage string) (*StageRecord, error) {
	rec, err := scanRecord(q.QueryRow(
		ctx,
		`SELECT `+recordColumns+` FROM stage_records WHERE job_id = ? AND stage = ?`,
		jobID,
		stage,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage record %s/%s: %w", jobID, stage, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get stage record: %w", err)
	}
	return rec, nil
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStale
	}
	return nil
}
