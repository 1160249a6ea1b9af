package sqlq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"conveyor/internal/queue"
	"conveyor/internal/sqldb"
)

// Queue is a table-backed durable queue.
type Queue struct {
	db  *sqldb.DB
	now func() time.Time
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock replaces the wall clock used for enqueue times and leases.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New returns a queue over db. The schema is created by sqldb migrations.
func New(db *sqldb.DB, opts ...Option) *Queue {
	q := &Queue{db: db, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

var _ queue.Queue = (*Queue)(nil)

const messageColumns = `msg_id, queue, payload, priority, enqueued_at, vt, read_count`

// EnsureQueue registers name; registering twice is a no-op.
func (q *Queue) EnsureQueue(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("queue name is required")
	}
	if _, err := q.db.Exec(
		ctx,
		`INSERT INTO queues (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`,
		name,
		sqldb.FormatTime(q.now()),
	); err != nil {
		return fmt.Errorf("ensure queue %s: %w", name, err)
	}
	return nil
}

func requireQueue(ctx context.Context, tx *sqldb.Tx, name string) error {
	var found string
	err := tx.QueryRow(ctx, `SELECT name FROM queues WHERE name = ?`, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", name, queue.ErrUnknownQueue)
	}
	if err != nil {
		return fmt.Errorf("lookup queue %s: %w", name, err)
	}
	return nil
}

// Enqueue inserts a message visible after opts.DelaySeconds.
func (q *Queue) Enqueue(ctx context.Context, name string, body queue.Body, opts queue.EnqueueOptions) (int64, error) {
	raw, err := queue.EncodeMessage(body, opts)
	if err != nil {
		return 0, fmt.Errorf("encode message body: %w", err)
	}
	var msgID int64
	err = q.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		if err := requireQueue(ctx, tx, name); err != nil {
			return err
		}
		var insertErr error
		msgID, insertErr = insertMessage(ctx, tx, name, body, raw, opts, q.now())
		return insertErr
	})
	if err != nil {
		return 0, err
	}
	return msgID, nil
}

func insertMessage(ctx context.Context, tx *sqldb.Tx, name string, body queue.Body, raw []byte, opts queue.EnqueueOptions, now time.Time) (int64, error) {
	delay := opts.DelaySeconds
	if delay < 0 {
		delay = 0
	}
	visibleAt := now.Add(time.Duration(delay) * time.Second)
	var msgID int64
	if err := tx.QueryRow(
		ctx,
		`INSERT INTO queue_messages (queue, job_id, stage, payload, priority, enqueued_at, vt, read_count)
         VALUES (?, ?, ?, ?, ?, ?, ?, 0)
         RETURNING msg_id`,
		name,
		body.JobID,
		body.Stage,
		string(raw),
		opts.Priority,
		sqldb.FormatTime(now),
		sqldb.FormatTime(visibleAt),
	).Scan(&msgID); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return msgID, nil
}

// Dequeue leases up to limit visible messages.
func (q *Queue) Dequeue(ctx context.Context, name string, visibilitySeconds, limit int) ([]queue.Message, error) {
	if limit <= 0 {
		limit = 1
	}
	if visibilitySeconds <= 0 {
		return nil, errors.New("visibility seconds must be positive")
	}
	var messages []queue.Message
	err := q.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		messages = nil
		if err := requireQueue(ctx, tx, name); err != nil {
			return err
		}
		now := q.now()
		nowText := sqldb.FormatTime(now)

		query := `SELECT msg_id FROM queue_messages
             WHERE queue = ? AND vt <= ?
             ORDER BY priority DESC, enqueued_at, msg_id
             LIMIT ?`
		if tx.Dialect() == sqldb.DialectPostgres {
			query += ` FOR UPDATE SKIP LOCKED`
		}
		ids, err := collectIDs(ctx, tx, query, name, nowText, limit)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		vt := sqldb.FormatTime(now.Add(time.Duration(visibilitySeconds) * time.Second))
		args := []any{vt, nowText}
		for _, id := range ids {
			args = append(args, id)
		}
		if _, err := tx.Exec(
			ctx,
			`UPDATE queue_messages SET vt = ?, read_count = read_count + 1, last_read_at = ?
             WHERE msg_id IN (`+sqldb.Placeholders(len(ids))+`)`,
			args...,
		); err != nil {
			return fmt.Errorf("lease messages: %w", err)
		}

		leased := make(map[int64]queue.Message, len(ids))
		rows, err := tx.Query(
			ctx,
			`SELECT `+messageColumns+` FROM queue_messages WHERE msg_id IN (`+sqldb.Placeholders(len(ids))+`)`,
			args[2:]...,
		)
		if err != nil {
			return fmt.Errorf("load leased messages: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				return err
			}
			leased[msg.ID] = msg
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if msg, ok := leased[id]; ok {
				messages = append(messages, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func collectIDs(ctx context.Context, tx *sqldb.Tx, query string, args ...any) ([]int64, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select visible messages: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(scanner rowScanner) (queue.Message, error) {
	var (
		id                  int64
		name, payload       string
		priority, readCount int
		enqueuedRaw, vtRaw  string
	)
	if err := scanner.Scan(&id, &name, &payload, &priority, &enqueuedRaw, &vtRaw, &readCount); err != nil {
		return queue.Message{}, fmt.Errorf("scan message: %w", err)
	}
	enqueuedAt, err := sqldb.ParseTime(enqueuedRaw)
	if err != nil {
		return queue.Message{}, err
	}
	visibleAt, err := sqldb.ParseTime(vtRaw)
	if err != nil {
		return queue.Message{}, err
	}
	return queue.NewMessage(name, id, []byte(payload), priority, enqueuedAt, visibleAt, readCount), nil
}

// ExtendVisibility moves the lease deadline to at least now+extraSeconds.
// A deadline already further out is kept.
func (q *Queue) ExtendVisibility(ctx context.Context, name string, msgID int64, extraSeconds int) (time.Time, error) {
	var deadline time.Time
	err := q.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		if err := requireQueue(ctx, tx, name); err != nil {
			return err
		}
		var vtRaw string
		err := tx.QueryRow(ctx, `SELECT vt FROM queue_messages WHERE queue = ? AND msg_id = ?`, name, msgID).Scan(&vtRaw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("extend %s/%d: %w", name, msgID, queue.ErrMessageNotFound)
		}
		if err != nil {
			return fmt.Errorf("load message vt: %w", err)
		}
		current, err := sqldb.ParseTime(vtRaw)
		if err != nil {
			return err
		}
		deadline = q.now().Add(time.Duration(extraSeconds) * time.Second).UTC()
		if current.After(deadline) {
			deadline = current
			return nil
		}
		if _, err := tx.Exec(
			ctx,
			`UPDATE queue_messages SET vt = ? WHERE queue = ? AND msg_id = ?`,
			sqldb.FormatTime(deadline),
			name,
			msgID,
		); err != nil {
			return fmt.Errorf("extend visibility: %w", err)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return deadline, nil
}

// Archive moves an active message to the audit table.
func (q *Queue) Archive(ctx context.Context, name string, msgID int64) error {
	return q.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		if err := requireQueue(ctx, tx, name); err != nil {
			return err
		}
		return archiveMessage(ctx, tx, name, msgID, q.now())
	})
}

func archiveMessage(ctx context.Context, tx *sqldb.Tx, name string, msgID int64, now time.Time) error {
	res, err := tx.Exec(
		ctx,
		`INSERT INTO queue_archive (msg_id, queue, job_id, stage, payload, priority, enqueued_at, read_count, archived_at)
         SELECT msg_id, queue, job_id, stage, payload, priority, enqueued_at, read_count, ?
         FROM queue_messages WHERE queue = ? AND msg_id = ?`,
		sqldb.FormatTime(now),
		name,
		msgID,
	)
	if err != nil {
		return fmt.Errorf("archive message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("archive %s/%d: %w", name, msgID, queue.ErrMessageNotFound)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM queue_messages WHERE queue = ? AND msg_id = ?`, name, msgID); err != nil {
		return fmt.Errorf("delete archived message: %w", err)
	}
	return nil
}

// Peek returns an active message without leasing it.
func (q *Queue) Peek(ctx context.Context, name string, msgID int64) (*queue.Message, error) {
	msg, err := scanMessage(q.db.QueryRow(
		ctx,
		`SELECT `+messageColumns+` FROM queue_messages WHERE queue = ? AND msg_id = ?`,
		name,
		msgID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("peek %s/%d: %w", name, msgID, queue.ErrMessageNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Stats counts messages by visibility. A message with a future deadline that
// was never read is delayed; one that was read is in flight.
func (q *Queue) Stats(ctx context.Context, name string) (queue.Stats, error) {
	stats := queue.Stats{Queue: name}
	now := sqldb.FormatTime(q.now())
	err := q.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		if err := requireQueue(ctx, tx, name); err != nil {
			return err
		}
		var ready, inflight, delayed sql.NullInt64
		if err := tx.QueryRow(
			ctx,
			`SELECT
                SUM(CASE WHEN vt <= ? THEN 1 ELSE 0 END),
                SUM(CASE WHEN vt > ? AND read_count > 0 THEN 1 ELSE 0 END),
                SUM(CASE WHEN vt > ? AND read_count = 0 THEN 1 ELSE 0 END)
             FROM queue_messages WHERE queue = ?`,
			now,
			now,
			now,
			name,
		).Scan(&ready, &inflight, &delayed); err != nil {
			return fmt.Errorf("count messages: %w", err)
		}
		var archived int64
		if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM queue_archive WHERE queue = ?`, name).Scan(&archived); err != nil {
			return fmt.Errorf("count archive: %w", err)
		}
		stats.Ready = int(ready.Int64)
		stats.Inflight = int(inflight.Int64)
		stats.Delayed = int(delayed.Int64)
		stats.Archived = int(archived)
		return nil
	})
	return stats, err
}

// Close is a no-op; the database belongs to the store.
func (q *Queue) Close() error {
	return nil
}
