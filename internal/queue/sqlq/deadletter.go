package sqlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"conveyor/internal/queue"
	"conveyor/internal/sqldb"
)

const deadLetterColumns = `queue, msg_id, job_id, stage, payload, failure_reason, error_details,
    attempt_count, routed_at, replayed_at, replay_msg_id`

// MoveToDeadLetter archives the source message and records a dead-letter
// entry in one transaction.
func (q *Queue) MoveToDeadLetter(ctx context.Context, req queue.DeadLetterRequest) error {
	details, err := queue.EncodeDetails(req.ErrorDetails)
	if err != nil {
		return fmt.Errorf("encode error details: %w", err)
	}
	reason := strings.TrimSpace(req.FailureReason)
	if reason == "" {
		reason = "unknown"
	}
	return q.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		if err := requireQueue(ctx, tx, req.Queue); err != nil {
			return err
		}
		payload := string(req.Payload)
		if payload == "" {
			err := tx.QueryRow(
				ctx,
				`SELECT payload FROM queue_messages WHERE queue = ? AND msg_id = ?`,
				req.Queue,
				req.MsgID,
			).Scan(&payload)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("dead-letter %s/%d: %w", req.Queue, req.MsgID, queue.ErrMessageNotFound)
			}
			if err != nil {
				return fmt.Errorf("load message payload: %w", err)
			}
		}
		now := q.now()
		if err := archiveMessage(ctx, tx, req.Queue, req.MsgID, now); err != nil {
			return err
		}
		if _, err := tx.Exec(
			ctx,
			`INSERT INTO dead_letters (
                queue, msg_id, job_id, stage, payload, failure_reason, error_details, attempt_count, routed_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.Queue,
			req.MsgID,
			req.JobID,
			req.Stage,
			payload,
			reason,
			string(details),
			req.AttemptCount,
			sqldb.FormatTime(now),
		); err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		return nil
	})
}

func scanDeadLetter(scanner rowScanner) (queue.DeadLetterEntry, error) {
	var (
		entry                      queue.DeadLetterEntry
		payload, details, routedAt string
		replayedAt                 sql.NullString
		replayMsgID                sql.NullInt64
	)
	if err := scanner.Scan(
		&entry.Queue,
		&entry.MsgID,
		&entry.JobID,
		&entry.Stage,
		&payload,
		&entry.FailureReason,
		&details,
		&entry.AttemptCount,
		&routedAt,
		&replayedAt,
		&replayMsgID,
	); err != nil {
		return queue.DeadLetterEntry{}, err
	}
	entry.Payload = json.RawMessage(payload)
	entry.ErrorDetails = json.RawMessage(details)
	routed, err := sqldb.ParseTime(routedAt)
	if err != nil {
		return queue.DeadLetterEntry{}, err
	}
	entry.RoutedAt = routed
	entry.ReplayedAt = sqldb.TimePtr(replayedAt)
	entry.ReplayMsgID = replayMsgID.Int64
	return entry, nil
}

// ListDeadLetters returns entries newest first.
func (q *Queue) ListDeadLetters(ctx context.Context, filter queue.DeadLetterFilter) ([]queue.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	var (
		clauses []string
		args    []any
	)
	if filter.Queue != "" {
		clauses = append(clauses, "queue = ?")
		args = append(args, filter.Queue)
	}
	if !filter.IncludeReplayed {
		clauses = append(clauses, "replayed_at IS NULL")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = queue.DefaultDeadLetterLimit
	}
	query += " ORDER BY routed_at DESC, msg_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []queue.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetDeadLetter fetches one entry.
func (q *Queue) GetDeadLetter(ctx context.Context, name string, msgID int64) (*queue.DeadLetterEntry, error) {
	entry, err := scanDeadLetter(q.db.QueryRow(
		ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE queue = ? AND msg_id = ?`,
		name,
		msgID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dead letter %s/%d: %w", name, msgID, queue.ErrMessageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return &entry, nil
}

// ReplayDeadLetter enqueues the entry's body as a new message on the same
// queue and stamps the entry with the replay. Entries are never deleted.
func (q *Queue) ReplayDeadLetter(ctx context.Context, name string, msgID int64, opts queue.EnqueueOptions) (int64, error) {
	var newID int64
	err := q.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		if err := requireQueue(ctx, tx, name); err != nil {
			return err
		}
		entry, err := scanDeadLetter(tx.QueryRow(
			ctx,
			`SELECT `+deadLetterColumns+` FROM dead_letters WHERE queue = ? AND msg_id = ?`,
			name,
			msgID,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dead letter %s/%d: %w", name, msgID, queue.ErrMessageNotFound)
		}
		if err != nil {
			return fmt.Errorf("load dead letter: %w", err)
		}
		if entry.ReplayedAt != nil {
			return fmt.Errorf("dead letter %s/%d: %w", name, msgID, queue.ErrAlreadyReplayed)
		}
		body := queue.Body{JobID: entry.JobID, Stage: entry.Stage}
		if decoded, err := queue.DecodeBody(entry.Payload); err == nil && decoded.JobID != "" {
			body = decoded
		}
		now := q.now()
		newID, err = insertMessage(ctx, tx, name, body, entry.Payload, opts, now)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			ctx,
			`UPDATE dead_letters SET replayed_at = ?, replay_msg_id = ? WHERE queue = ? AND msg_id = ?`,
			sqldb.FormatTime(now),
			newID,
			name,
			msgID,
		); err != nil {
			return fmt.Errorf("mark dead letter replayed: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newID, nil
}
