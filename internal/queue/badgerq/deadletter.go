package badgerq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"conveyor/internal/queue"
)

type deadLetter struct {
	Queue         string     `json:"queue"`
	MsgID         int64      `json:"msg_id"`
	JobID         string     `json:"job_id"`
	Stage         string     `json:"stage"`
	Payload       []byte     `json:"payload"`
	FailureReason string     `json:"failure_reason"`
	ErrorDetails  []byte     `json:"error_details"`
	AttemptCount  int        `json:"attempt_count"`
	RoutedAt      time.Time  `json:"routed_at"`
	ReplayedAt    *time.Time `json:"replayed_at,omitempty"`
	ReplayMsgID   int64      `json:"replay_msg_id,omitempty"`
}

func (d deadLetter) entry() queue.DeadLetterEntry {
	return queue.DeadLetterEntry{
		Queue:         d.Queue,
		MsgID:         d.MsgID,
		JobID:         d.JobID,
		Stage:         d.Stage,
		Payload:       json.RawMessage(d.Payload),
		FailureReason: d.FailureReason,
		ErrorDetails:  json.RawMessage(d.ErrorDetails),
		AttemptCount:  d.AttemptCount,
		RoutedAt:      d.RoutedAt,
		ReplayedAt:    d.ReplayedAt,
		ReplayMsgID:   d.ReplayMsgID,
	}
}

// MoveToDeadLetter archives the message and records its dead-letter entry in
// one transaction.
func (q *Queue) MoveToDeadLetter(ctx context.Context, req queue.DeadLetterRequest) error {
	details, err := queue.EncodeDetails(req.ErrorDetails)
	if err != nil {
		return fmt.Errorf("encode error details: %w", err)
	}
	reason := strings.TrimSpace(req.FailureReason)
	if reason == "" {
		reason = "unknown"
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Update(func(txn *badger.Txn) error {
		if err := requireQueue(txn, req.Queue); err != nil {
			return err
		}
		now := q.now().UTC()
		rec, err := archiveInTxn(txn, req.Queue, req.MsgID, now)
		if err != nil {
			return err
		}
		payload := []byte(req.Payload)
		if len(payload) == 0 {
			payload = rec.Payload
		}
		return setJSON(txn, dlqKey(req.Queue, req.MsgID), deadLetter{
			Queue:         req.Queue,
			MsgID:         req.MsgID,
			JobID:         req.JobID,
			Stage:         req.Stage,
			Payload:       payload,
			FailureReason: reason,
			ErrorDetails:  details,
			AttemptCount:  req.AttemptCount,
			RoutedAt:      now,
		})
	})
}

// ListDeadLetters returns entries newest first.
func (q *Queue) ListDeadLetters(ctx context.Context, filter queue.DeadLetterFilter) ([]queue.DeadLetterEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = queue.DefaultDeadLetterLimit
	}
	var entries []queue.DeadLetterEntry
	err := q.db.View(func(txn *badger.Txn) error {
		names := []string{filter.Queue}
		if filter.Queue == "" {
			names = registeredQueues(txn)
		}
		for _, name := range names {
			prefix := dlqPrefix(name)
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var d deadLetter
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &d)
				}); err != nil {
					it.Close()
					return err
				}
				if d.ReplayedAt != nil && !filter.IncludeReplayed {
					continue
				}
				entries = append(entries, d.entry())
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].RoutedAt.Equal(entries[j].RoutedAt) {
			return entries[i].RoutedAt.After(entries[j].RoutedAt)
		}
		return entries[i].MsgID > entries[j].MsgID
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func registeredQueues(txn *badger.Txn) []string {
	prefix := []byte("queues/")
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	var names []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		names = append(names, string(it.Item().Key()[len(prefix):]))
	}
	return names
}

// GetDeadLetter fetches one entry.
func (q *Queue) GetDeadLetter(ctx context.Context, name string, msgID int64) (*queue.DeadLetterEntry, error) {
	var d deadLetter
	err := q.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, dlqKey(name, msgID), &d)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("dead letter %s/%d: %w", name, msgID, queue.ErrMessageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	entry := d.entry()
	return &entry, nil
}

// ReplayDeadLetter enqueues the entry's stored body as a new message and
// stamps the entry.
func (q *Queue) ReplayDeadLetter(ctx context.Context, name string, msgID int64, opts queue.EnqueueOptions) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var d deadLetter
	err := q.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, dlqKey(name, msgID), &d)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, fmt.Errorf("dead letter %s/%d: %w", name, msgID, queue.ErrMessageNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("load dead letter: %w", err)
	}
	if d.ReplayedAt != nil {
		return 0, fmt.Errorf("dead letter %s/%d: %w", name, msgID, queue.ErrAlreadyReplayed)
	}

	newID, err := q.enqueueRaw(name, d.Payload, opts)
	if err != nil {
		return 0, err
	}
	now := q.now().UTC()
	d.ReplayedAt = &now
	d.ReplayMsgID = newID
	if err := q.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, dlqKey(name, msgID), d)
	}); err != nil {
		return 0, fmt.Errorf("mark dead letter replayed: %w", err)
	}
	return newID, nil
}
