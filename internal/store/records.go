package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conveyor/internal/sqldb"
)

// GetStageRecord fetches the record for (jobID, stage).
func (s *Store) GetStageRecord(ctx context.Context, jobID, stage string) (*StageRecord, error) {
	return getRecord(ctx, s.db, jobID, stage)
}

// AttachMessage points a record at the queue message carrying it. The update
// applies only while the record still references prevMsgID (zero for none)
// or already references msgID; otherwise ErrStale is returned and the message
// is treated as a duplicate when leased. A msgID of zero detaches.
func (s *Store) AttachMessage(ctx context.Context, jobID, stage string, prevMsgID, msgID int64) error {
	_, ts := s.timestamp()
	var next any
	if msgID != 0 {
		next = msgID
	}
	res, err := s.db.Exec(
		ctx,
		`UPDATE stage_records SET msg_id = ?, updated_at = ?
         WHERE job_id = ? AND stage = ? AND (COALESCE(msg_id, 0) = ? OR COALESCE(msg_id, 0) = ?)`,
		next,
		ts,
		jobID,
		stage,
		prevMsgID,
		msgID,
	)
	if err := expectOneRow(res, err); err != nil {
		return fmt.Errorf("attach message %d to %s/%s: %w", msgID, jobID, stage, err)
	}
	return nil
}

// MarkProcessing claims the record for the leased message: status becomes
// processing, the attempt counter increments, and the lease deadline is
// recorded. The job moves to processing at this stage. A record without a
// message adopts msgID.
func (s *Store) MarkProcessing(ctx context.Context, rec *StageRecord, msgID int64, leaseExpires time.Time) (*StageRecord, error) {
	_, ts := s.timestamp()
	var updated *StageRecord
	err := s.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		if err := expectOneRow(tx.Exec(
			ctx,
			`UPDATE stage_records
             SET status = ?, attempt_count = attempt_count + 1, msg_id = ?, started_at = ?,
                 lease_expires_at = ?, next_retry_at = NULL, updated_at = ?, version = version + 1
             WHERE job_id = ? AND stage = ? AND version = ?`,
			StageProcessing,
			msgID,
			ts,
			sqldb.FormatTime(leaseExpires),
			ts,
			rec.JobID,
			rec.Stage,
			rec.Version,
		)); err != nil {
			return fmt.Errorf("mark %s/%s processing: %w", rec.JobID, rec.Stage, err)
		}
		if err := expectOneRow(tx.Exec(
			ctx,
			`UPDATE jobs
             SET status = ?, stage = ?, attempt_count = attempt_count + 1, last_dequeued_at = ?,
                 updated_at = ?, version = version + 1
             WHERE id = ? AND status NOT IN (?, ?)`,
			JobProcessing,
			rec.Stage,
			ts,
			ts,
			rec.JobID,
			JobCompleted,
			JobFailed,
		)); err != nil {
			if errors.Is(err, ErrStale) {
				err = ErrJobTerminal
			}
			return fmt.Errorf("mark job %s processing: %w", rec.JobID, err)
		}
		var err error
		updated, err = getRecord(ctx, tx, rec.JobID, rec.Stage)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ExtendLease records a pushed-back lease deadline and touches the job so the
// rescue sweep sees it as alive. The record version is left unchanged.
func (s *Store) ExtendLease(ctx context.Context, rec *StageRecord, leaseExpires time.Time) error {
	_, ts := s.timestamp()
	return s.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		if err := expectOneRow(tx.Exec(
			ctx,
			`UPDATE stage_records SET lease_expires_at = ?, updated_at = ?
             WHERE job_id = ? AND stage = ? AND status = ? AND version = ?`,
			sqldb.FormatTime(leaseExpires),
			ts,
			rec.JobID,
			rec.Stage,
			StageProcessing,
			rec.Version,
		)); err != nil {
			return fmt.Errorf("extend lease %s/%s: %w", rec.JobID, rec.Stage, err)
		}
		if _, err := tx.Exec(ctx, `UPDATE jobs SET updated_at = ? WHERE id = ?`, ts, rec.JobID); err != nil {
			return fmt.Errorf("touch job: %w", err)
		}
		return nil
	})
}

// CompleteStage finishes the record, stores the stage output, and advances
// the job. When nextStage is empty the job completes; otherwise a pending
// record for nextStage is created without a message and the job is queued
// there. Returns the next record, or nil for the terminal stage.
func (s *Store) CompleteStage(ctx context.Context, rec *StageRecord, output []byte, nextStage string) (*StageRecord, error) {
	_, ts := s.timestamp()
	var next *StageRecord
	var terminal bool
	err := s.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		job, err := getJob(ctx, tx, rec.JobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			terminal = true
			return closeUnderTerminalJob(ctx, tx, rec, job, ts)
		}
		if err := expectOneRow(tx.Exec(
			ctx,
			`UPDATE stage_records
             SET status = ?, finished_at = ?, output = ?, lease_expires_at = NULL, last_error = NULL,
                 updated_at = ?, version = version + 1
             WHERE job_id = ? AND stage = ? AND version = ?`,
			StageCompleted,
			ts,
			sqldb.NullableString(string(output)),
			ts,
			rec.JobID,
			rec.Stage,
			rec.Version,
		)); err != nil {
			return fmt.Errorf("complete %s/%s: %w", rec.JobID, rec.Stage, err)
		}

		if nextStage == "" {
			if _, err := tx.Exec(
				ctx,
				`UPDATE jobs SET status = ?, last_completed_at = ?, last_error = NULL, updated_at = ?,
                     version = version + 1
                 WHERE id = ?`,
				JobCompleted,
				ts,
				ts,
				rec.JobID,
			); err != nil {
				return fmt.Errorf("complete job: %w", err)
			}
			return nil
		}

		if _, err := tx.Exec(
			ctx,
			`INSERT INTO stage_records (
                job_id, stage, status, attempt_count, max_attempts, priority, retry_delay_seconds,
                visibility_timeout_seconds, available_at, created_at, updated_at, version
            ) VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, 1)
            ON CONFLICT (job_id, stage) DO UPDATE SET
                status = excluded.status, attempt_count = 0, msg_id = NULL,
                available_at = excluded.available_at, lease_expires_at = NULL, next_retry_at = NULL,
                dead_lettered_at = NULL, dead_letter_reason = NULL, started_at = NULL,
                finished_at = NULL, last_error = NULL, output = NULL, updated_at = excluded.updated_at,
                version = stage_records.version + 1`,
			rec.JobID,
			nextStage,
			StagePending,
			job.MaxAttempts,
			rec.Priority,
			rec.RetryDelaySeconds,
			rec.VisibilityTimeoutSeconds,
			ts,
			ts,
			ts,
		); err != nil {
			return fmt.Errorf("create %s record: %w", nextStage, err)
		}
		if _, err := tx.Exec(
			ctx,
			`UPDATE jobs SET status = ?, stage = ?, last_queued_at = ?, last_error = NULL, updated_at = ?,
                 version = version + 1
             WHERE id = ?`,
			JobQueued,
			nextStage,
			ts,
			ts,
			rec.JobID,
		); err != nil {
			return fmt.Errorf("advance job: %w", err)
		}
		next, err = getRecord(ctx, tx, rec.JobID, nextStage)
		return err
	})
	if err != nil {
		return nil, err
	}
	if terminal {
		return nil, fmt.Errorf("complete %s/%s: %w", rec.JobID, rec.Stage, ErrJobTerminal)
	}
	return next, nil
}

// ScheduleRetry returns the record to pending without a message, available
// again at availableAt. The caller enqueues the delayed message and attaches it.
func (s *Store) ScheduleRetry(ctx context.Context, rec *StageRecord, lastError string, availableAt time.Time) (*StageRecord, error) {
	_, ts := s.timestamp()
	retryAt := sqldb.FormatTime(availableAt)
	var updated *StageRecord
	var terminal bool
	err := s.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		job, err := getJob(ctx, tx, rec.JobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			terminal = true
			return closeUnderTerminalJob(ctx, tx, rec, job, ts)
		}
		if err := expectOneRow(tx.Exec(
			ctx,
			`UPDATE stage_records
             SET status = ?, msg_id = NULL, available_at = ?, next_retry_at = ?, lease_expires_at = NULL,
                 last_error = ?, updated_at = ?, version = version + 1
             WHERE job_id = ? AND stage = ? AND version = ?`,
			StagePending,
			retryAt,
			retryAt,
			lastError,
			ts,
			rec.JobID,
			rec.Stage,
			rec.Version,
		)); err != nil {
			return fmt.Errorf("schedule retry %s/%s: %w", rec.JobID, rec.Stage, err)
		}
		if _, err := tx.Exec(
			ctx,
			`UPDATE jobs SET status = ?, last_error = ?, last_queued_at = ?, updated_at = ?, version = version + 1
             WHERE id = ? AND status NOT IN (?, ?)`,
			JobQueued,
			lastError,
			ts,
			ts,
			rec.JobID,
			JobCompleted,
			JobFailed,
		); err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		updated, err = getRecord(ctx, tx, rec.JobID, rec.Stage)
		return err
	})
	if err != nil {
		return nil, err
	}
	if terminal {
		return nil, fmt.Errorf("schedule retry %s/%s: %w", rec.JobID, rec.Stage, ErrJobTerminal)
	}
	return updated, nil
}

// MarkDeadLettered fails the record and the job. The record keeps its message
// id so a redelivered copy can finish the dead-letter move.
//
// ScheduleRetry, MarkDeadLettered and CompleteStage return ErrJobTerminal when
// the job was cancelled or finished while the stage ran. The record is closed
// as failed and the job is left as it is.
func (s *Store) MarkDeadLettered(ctx context.Context, rec *StageRecord, reason, lastError string) (*StageRecord, error) {
	_, ts := s.timestamp()
	var updated *StageRecord
	var terminal bool
	err := s.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		job, err := getJob(ctx, tx, rec.JobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			terminal = true
			return closeUnderTerminalJob(ctx, tx, rec, job, ts)
		}
		if err := expectOneRow(tx.Exec(
			ctx,
			`UPDATE stage_records
             SET status = ?, dead_lettered_at = ?, dead_letter_reason = ?, last_error = ?, finished_at = ?,
                 lease_expires_at = NULL, next_retry_at = NULL, updated_at = ?, version = version + 1
             WHERE job_id = ? AND stage = ? AND version = ?`,
			StageFailed,
			ts,
			reason,
			lastError,
			ts,
			ts,
			rec.JobID,
			rec.Stage,
			rec.Version,
		)); err != nil {
			return fmt.Errorf("dead-letter %s/%s: %w", rec.JobID, rec.Stage, err)
		}
		if _, err := tx.Exec(
			ctx,
			`UPDATE jobs
             SET status = ?, last_error = ?, last_failed_at = ?, last_dead_lettered_at = ?, updated_at = ?,
                 version = version + 1
             WHERE id = ?`,
			JobFailed,
			lastError,
			ts,
			ts,
			ts,
			rec.JobID,
		); err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		updated, err = getRecord(ctx, tx, rec.JobID, rec.Stage)
		return err
	})
	if err != nil {
		return nil, err
	}
	if terminal {
		return nil, fmt.Errorf("dead-letter %s/%s: %w", rec.JobID, rec.Stage, ErrJobTerminal)
	}
	return updated, nil
}

// closeUnderTerminalJob fails a record still held by a worker after its job
// became terminal, copying the job's last_error. Stale versions are ignored.
func closeUnderTerminalJob(ctx context.Context, tx *sqldb.Tx, rec *StageRecord, job *Job, ts string) error {
	if job.Status != JobFailed {
		return nil
	}
	if _, err := tx.Exec(
		ctx,
		`UPDATE stage_records
         SET status = ?, last_error = ?, finished_at = ?, lease_expires_at = NULL, next_retry_at = NULL,
             updated_at = ?, version = version + 1
         WHERE job_id = ? AND stage = ? AND version = ? AND status = ?`,
		StageFailed,
		sqldb.NullableString(job.LastError),
		ts,
		ts,
		rec.JobID,
		rec.Stage,
		rec.Version,
		StageProcessing,
	); err != nil {
		return fmt.Errorf("close %s/%s: %w", rec.JobID, rec.Stage, err)
	}
	return nil
}

// ResetStage puts a record back to pending with no message and an attempt
// counter of zero when resetAttempts is set. The job is queued at the stage.
// It is used by dead-letter replay and the rescue sweep. A missing record is
// created from the job's defaults.
func (s *Store) ResetStage(ctx context.Context, jobID, stage string, resetAttempts bool, visibilitySeconds int) (*StageRecord, error) {
	_, ts := s.timestamp()
	var updated *StageRecord
	err := s.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		job, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status == JobCompleted {
			return fmt.Errorf("reset %s/%s: %w", jobID, stage, ErrJobTerminal)
		}
		attemptExpr := "stage_records.attempt_count"
		if resetAttempts {
			attemptExpr = "0"
		}
		if _, err := tx.Exec(
			ctx,
			`INSERT INTO stage_records (
                job_id, stage, status, attempt_count, max_attempts, priority, retry_delay_seconds,
                visibility_timeout_seconds, available_at, created_at, updated_at, version
            ) VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, 1)
            ON CONFLICT (job_id, stage) DO UPDATE SET
                status = excluded.status, attempt_count = `+attemptExpr+`, msg_id = NULL,
                available_at = excluded.available_at, lease_expires_at = NULL, next_retry_at = NULL,
                dead_lettered_at = NULL, dead_letter_reason = NULL, finished_at = NULL,
                updated_at = excluded.updated_at, version = stage_records.version + 1`,
			jobID,
			stage,
			StagePending,
			job.MaxAttempts,
			job.Priority,
			job.RetryDelaySeconds,
			visibilitySeconds,
			ts,
			ts,
			ts,
		); err != nil {
			return fmt.Errorf("reset %s/%s: %w", jobID, stage, err)
		}
		if _, err := tx.Exec(
			ctx,
			`UPDATE jobs SET status = ?, stage = ?, last_queued_at = ?, updated_at = ?, version = version + 1
             WHERE id = ?`,
			JobQueued,
			stage,
			ts,
			ts,
			jobID,
		); err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		updated, err = getRecord(ctx, tx, jobID, stage)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
