package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/sqldb"
)

const defaultListLimit = 100

// CreateJob inserts a queued job and its pending first-stage record in one
// transaction. The caller enqueues the first message and attaches it.
func (s *Store) CreateJob(ctx context.Context, spec NewJob) (*Job, *StageRecord, error) {
	if strings.TrimSpace(spec.Type) == "" {
		return nil, nil, errors.New("job type is required")
	}
	if strings.TrimSpace(spec.Stage) == "" {
		return nil, nil, errors.New("first stage is required")
	}
	if spec.MaxAttempts <= 0 {
		return nil, nil, errors.New("max attempts must be positive")
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	payload := string(spec.Payload)
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	now, ts := s.timestamp()
	availableAt := ts
	if spec.DelaySeconds > 0 {
		availableAt = sqldb.FormatTime(now.Add(time.Duration(spec.DelaySeconds) * time.Second))
	}

	var (
		job *Job
		rec *StageRecord
	)
	err := s.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		if _, err := tx.Exec(
			ctx,
			`INSERT INTO jobs (
                id, job_type, payload, status, stage, priority, attempt_count, max_attempts,
                retry_delay_seconds, first_queued_at, last_queued_at, created_at, updated_at, version
            ) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, 1)`,
			spec.ID,
			spec.Type,
			payload,
			JobQueued,
			spec.Stage,
			spec.Priority,
			spec.MaxAttempts,
			spec.RetryDelaySeconds,
			ts,
			ts,
			ts,
			ts,
		); err != nil {
			if sqldb.IsUniqueViolation(err) {
				return fmt.Errorf("job %s already exists: %w", spec.ID, ErrStale)
			}
			return fmt.Errorf("insert job: %w", err)
		}
		if _, err := tx.Exec(
			ctx,
			`INSERT INTO stage_records (
                job_id, stage, status, attempt_count, max_attempts, priority, retry_delay_seconds,
                visibility_timeout_seconds, available_at, created_at, updated_at, version
            ) VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, 1)`,
			spec.ID,
			spec.Stage,
			StagePending,
			spec.MaxAttempts,
			spec.Priority,
			spec.RetryDelaySeconds,
			spec.VisibilitySeconds,
			availableAt,
			ts,
			ts,
		); err != nil {
			return fmt.Errorf("insert first stage record: %w", err)
		}
		var err error
		if job, err = getJob(ctx, tx, spec.ID); err != nil {
			return err
		}
		rec, err = getRecord(ctx, tx, spec.ID, spec.Stage)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return job, rec, nil
}

// GetJob fetches a job by identifier.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, s.db, id)
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var (
		clauses []string
		args    []any
	)
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+sqldb.Placeholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, status)
		}
	}
	if filter.Stage != "" {
		clauses = append(clauses, "stage = ?")
		args = append(args, filter.Stage)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListStageRecords returns every stage record of a job in creation order.
func (s *Store) ListStageRecords(ctx context.Context, jobID string) ([]*StageRecord, error) {
	rows, err := s.db.Query(
		ctx,
		`SELECT `+recordColumns+` FROM stage_records WHERE job_id = ? ORDER BY created_at, stage`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list stage records: %w", err)
	}
	defer rows.Close()

	var records []*StageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CancelJob marks a non-terminal job failed with reason as its last error.
// A pending record for the current stage is failed too; a record already
// processing keeps its lease and its result is discarded when it finishes.
func (s *Store) CancelJob(ctx context.Context, id, reason string) (*Job, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by operator"
	}
	_, ts := s.timestamp()
	var job *Job
	err := s.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		current, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return fmt.Errorf("cancel job %s (%s): %w", id, current.Status, ErrJobTerminal)
		}
		if err := expectOneRow(tx.Exec(
			ctx,
			`UPDATE jobs SET status = ?, last_error = ?, last_failed_at = ?, updated_at = ?, version = version + 1
             WHERE id = ? AND version = ?`,
			JobFailed,
			reason,
			ts,
			ts,
			id,
			current.Version,
		)); err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		if _, err := tx.Exec(
			ctx,
			`UPDATE stage_records SET status = ?, last_error = ?, finished_at = ?, updated_at = ?, version = version + 1
             WHERE job_id = ? AND stage = ? AND status = ?`,
			StageFailed,
			reason,
			ts,
			ts,
			id,
			current.Stage,
			StagePending,
		); err != nil {
			return fmt.Errorf("cancel stage record: %w", err)
		}
		job, err = getJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// MarkJobFailed fails a job whose current stage record already failed.
func (s *Store) MarkJobFailed(ctx context.Context, id, lastError string) error {
	_, ts := s.timestamp()
	res, err := s.db.Exec(
		ctx,
		`UPDATE jobs SET status = ?, last_error = COALESCE(?, last_error), last_failed_at = ?, updated_at = ?,
             version = version + 1
         WHERE id = ? AND status NOT IN (?, ?)`,
		JobFailed,
		sqldb.NullableString(lastError),
		ts,
		ts,
		id,
		JobCompleted,
		JobFailed,
	)
	if err := expectOneRow(res, err); err != nil {
		return fmt.Errorf("mark job %s failed: %w", id, err)
	}
	return nil
}
