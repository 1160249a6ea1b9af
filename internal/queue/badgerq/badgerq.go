package badgerq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"conveyor/internal/queue"
)

const sequenceBandwidth = 100

// Queue is a Badger-backed durable queue.
type Queue struct {
	db  *badger.DB
	now func() time.Time

	mu        sync.Mutex
	sequences map[string]*badger.Sequence
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Open opens (creating if needed) a Badger database in dir.
func Open(dir string, opts ...Option) (*Queue, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("badger directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create badger directory: %w", err)
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return newQueue(db, opts...), nil
}

// OpenInMemory opens a Badger database that lives only in memory.
func OpenInMemory(opts ...Option) (*Queue, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return newQueue(db, opts...), nil
}

func newQueue(db *badger.DB, opts ...Option) *Queue {
	q := &Queue{db: db, now: time.Now, sequences: make(map[string]*badger.Sequence)}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

var _ queue.Queue = (*Queue)(nil)

// Close releases sequences and closes the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	for name, seq := range q.sequences {
		if err := seq.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release sequence %s: %w", name, err))
		}
	}
	q.sequences = map[string]*badger.Sequence{}
	if err := q.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type record struct {
	ID         int64      `json:"id"`
	Queue      string     `json:"queue"`
	Payload    []byte     `json:"payload"`
	Priority   int        `json:"priority"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	VisibleAt  time.Time  `json:"visible_at"`
	ReadCount  int        `json:"read_count"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

func (r record) message() queue.Message {
	return queue.NewMessage(r.Queue, r.ID, r.Payload, r.Priority, r.EnqueuedAt, r.VisibleAt, r.ReadCount)
}

func registryKey(name string) []byte { return []byte("queues/" + name) }
func sequenceKey(name string) []byte { return []byte("seq/" + name) }
func msgPrefix(name string) []byte   { return []byte("q/" + name + "/msg/") }
func idxPrefix(name string) []byte   { return []byte("q/" + name + "/idx/") }
func archPrefix(name string) []byte  { return []byte("q/" + name + "/arch/") }
func dlqPrefix(name string) []byte   { return []byte("q/" + name + "/dlq/") }

func msgKey(name string, id int64) []byte {
	return append(msgPrefix(name), fmt.Sprintf("%020d", id)...)
}

func archKey(name string, id int64) []byte {
	return append(archPrefix(name), fmt.Sprintf("%020d", id)...)
}

func dlqKey(name string, id int64) []byte {
	return append(dlqPrefix(name), fmt.Sprintf("%020d", id)...)
}

func idxKey(name string, visibleAt time.Time, id int64) []byte {
	return append(idxPrefix(name), fmt.Sprintf("%020d/%020d", visibleAt.UnixNano(), id)...)
}

func parseIdxKey(prefix, key []byte) (int64, int64, error) {
	parts := strings.SplitN(string(key[len(prefix):]), "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed index key %q", key)
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return ts, id, nil
}

func getJSON(txn *badger.Txn, key []byte, dest any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dest)
	})
}

func setJSON(txn *badger.Txn, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// EnsureQueue registers name.
func (q *Queue) EnsureQueue(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("queue name is required")
	}
	if err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(registryKey(name), nil)
	}); err != nil {
		return fmt.Errorf("ensure queue %s: %w", name, err)
	}
	return nil
}

func requireQueue(txn *badger.Txn, name string) error {
	if _, err := txn.Get(registryKey(name)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", name, queue.ErrUnknownQueue)
		}
		return fmt.Errorf("lookup queue %s: %w", name, err)
	}
	return nil
}

// nextID must be called with q.mu held.
func (q *Queue) nextID(name string) (int64, error) {
	seq, ok := q.sequences[name]
	if !ok {
		var err error
		seq, err = q.db.GetSequence(sequenceKey(name), sequenceBandwidth)
		if err != nil {
			return 0, fmt.Errorf("open sequence %s: %w", name, err)
		}
		q.sequences[name] = seq
	}
	n, err := seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next id for %s: %w", name, err)
	}
	return int64(n) + 1, nil
}

// Enqueue stores a message visible after opts.DelaySeconds.
func (q *Queue) Enqueue(ctx context.Context, name string, body queue.Body, opts queue.EnqueueOptions) (int64, error) {
	raw, err := queue.EncodeMessage(body, opts)
	if err != nil {
		return 0, fmt.Errorf("encode message body: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueRaw(name, raw, opts)
}

// enqueueRaw must be called with q.mu held.
func (q *Queue) enqueueRaw(name string, raw []byte, opts queue.EnqueueOptions) (int64, error) {
	if err := q.db.View(func(txn *badger.Txn) error {
		return requireQueue(txn, name)
	}); err != nil {
		return 0, err
	}
	id, err := q.nextID(name)
	if err != nil {
		return 0, err
	}
	now := q.now().UTC()
	visible := now
	if opts.DelaySeconds > 0 {
		visible = now.Add(time.Duration(opts.DelaySeconds) * time.Second)
	}
	rec := record{
		ID:         id,
		Queue:      name,
		Payload:    raw,
		Priority:   opts.Priority,
		EnqueuedAt: now,
		VisibleAt:  visible,
	}
	if err := q.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, msgKey(name, id), rec); err != nil {
			return err
		}
		return txn.Set(idxKey(name, visible, id), nil)
	}); err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", name, err)
	}
	return id, nil
}

// Dequeue leases up to limit visible messages.
func (q *Queue) Dequeue(ctx context.Context, name string, visibilitySeconds, limit int) ([]queue.Message, error) {
	if limit <= 0 {
		limit = 1
	}
	if visibilitySeconds <= 0 {
		return nil, errors.New("visibility seconds must be positive")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	lease := now.Add(time.Duration(visibilitySeconds) * time.Second)
	var leased []queue.Message
	err := q.db.Update(func(txn *badger.Txn) error {
		leased = nil
		if err := requireQueue(txn, name); err != nil {
			return err
		}
		candidates, err := visibleRecords(txn, name, now)
		if err != nil {
			return err
		}
		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
				return a.EnqueuedAt.Before(b.EnqueuedAt)
			}
			return a.ID < b.ID
		})
		if len(candidates) > limit {
			candidates = candidates[:limit]
		}
		for _, rec := range candidates {
			if err := txn.Delete(idxKey(name, rec.VisibleAt, rec.ID)); err != nil {
				return err
			}
			rec.VisibleAt = lease
			rec.ReadCount++
			if err := setJSON(txn, msgKey(name, rec.ID), rec); err != nil {
				return err
			}
			if err := txn.Set(idxKey(name, lease, rec.ID), nil); err != nil {
				return err
			}
			leased = append(leased, rec.message())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func visibleRecords(txn *badger.Txn, name string, now time.Time) ([]record, error) {
	prefix := idxPrefix(name)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var records []record
	cutoff := now.UnixNano()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ts, id, err := parseIdxKey(prefix, it.Item().Key())
		if err != nil {
			continue
		}
		if ts > cutoff {
			break
		}
		var rec record
		if err := getJSON(txn, msgKey(name, id), &rec); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ExtendVisibility moves the deadline to at least now+extraSeconds.
func (q *Queue) ExtendVisibility(ctx context.Context, name string, msgID int64, extraSeconds int) (time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var deadline time.Time
	err := q.db.Update(func(txn *badger.Txn) error {
		if err := requireQueue(txn, name); err != nil {
			return err
		}
		var rec record
		if err := getJSON(txn, msgKey(name, msgID), &rec); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("extend %s/%d: %w", name, msgID, queue.ErrMessageNotFound)
			}
			return err
		}
		deadline = q.now().UTC().Add(time.Duration(extraSeconds) * time.Second)
		if !rec.VisibleAt.Before(deadline) {
			deadline = rec.VisibleAt
			return nil
		}
		if err := txn.Delete(idxKey(name, rec.VisibleAt, rec.ID)); err != nil {
			return err
		}
		rec.VisibleAt = deadline
		if err := setJSON(txn, msgKey(name, rec.ID), rec); err != nil {
			return err
		}
		return txn.Set(idxKey(name, deadline, rec.ID), nil)
	})
	if err != nil {
		return time.Time{}, err
	}
	return deadline, nil
}

// Archive moves an active message to the archive.
func (q *Queue) Archive(ctx context.Context, name string, msgID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Update(func(txn *badger.Txn) error {
		if err := requireQueue(txn, name); err != nil {
			return err
		}
		_, err := archiveInTxn(txn, name, msgID, q.now().UTC())
		return err
	})
}

func archiveInTxn(txn *badger.Txn, name string, msgID int64, now time.Time) (record, error) {
	var rec record
	if err := getJSON(txn, msgKey(name, msgID), &rec); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return record{}, fmt.Errorf("archive %s/%d: %w", name, msgID, queue.ErrMessageNotFound)
		}
		return record{}, err
	}
	if err := txn.Delete(idxKey(name, rec.VisibleAt, rec.ID)); err != nil {
		return record{}, err
	}
	if err := txn.Delete(msgKey(name, rec.ID)); err != nil {
		return record{}, err
	}
	rec.ArchivedAt = &now
	if err := setJSON(txn, archKey(name, rec.ID), rec); err != nil {
		return record{}, err
	}
	return rec, nil
}

// Peek returns an active message without leasing it.
func (q *Queue) Peek(ctx context.Context, name string, msgID int64) (*queue.Message, error) {
	var rec record
	err := q.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, msgKey(name, msgID), &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("peek %s/%d: %w", name, msgID, queue.ErrMessageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("peek %s/%d: %w", name, msgID, err)
	}
	msg := rec.message()
	return &msg, nil
}

// Stats counts messages by visibility.
func (q *Queue) Stats(ctx context.Context, name string) (queue.Stats, error) {
	stats := queue.Stats{Queue: name}
	now := q.now().UTC()
	err := q.db.View(func(txn *badger.Txn) error {
		if err := requireQueue(txn, name); err != nil {
			return err
		}
		prefix := msgPrefix(name)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			switch {
			case !rec.VisibleAt.After(now):
				stats.Ready++
			case rec.ReadCount > 0:
				stats.Inflight++
			default:
				stats.Delayed++
			}
		}
		stats.Archived = countPrefix(txn, archPrefix(name))
		return nil
	})
	return stats, err
}

func countPrefix(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n
}
