package redisq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"conveyor/internal/config"
	"conveyor/internal/queue"
)

const priorityWeight = 1e13

// Queue is a Redis-backed durable queue.
type Queue struct {
	client    redis.UniversalClient
	prefix    string
	now       func() time.Time
	ownClient bool
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock replaces the wall clock used for scores and deadlines.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithKeyPrefix namespaces every key.
func WithKeyPrefix(prefix string) Option {
	return func(q *Queue) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			q.prefix = prefix
		}
	}
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client redis.UniversalClient, opts ...Option) *Queue {
	q := &Queue{client: client, prefix: "conveyor", now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Open connects using the queue section of cfg and verifies the server responds.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Queue.RedisAddr, err)
	}
	opts = append([]Option{WithKeyPrefix(cfg.Queue.RedisKeyPrefix)}, opts...)
	q := New(client, opts...)
	q.ownClient = true
	return q, nil
}

var _ queue.Queue = (*Queue)(nil)

// Close releases the client when the queue opened it.
func (q *Queue) Close() error {
	if q.ownClient {
		return q.client.Close()
	}
	return nil
}

type keys struct {
	seq, ready, delayed, leased, archived, dlqIndex string
	msgPrefix, archivedPrefix, dlqPrefix            string
}

func (q *Queue) keysFor(name string) keys {
	base := q.prefix + ":{" + name + "}:"
	return keys{
		seq:            base + "seq",
		ready:          base + "ready",
		delayed:        base + "delayed",
		leased:         base + "leased",
		archived:       base + "archived",
		dlqIndex:       base + "dlq",
		msgPrefix:      base + "msg:",
		archivedPrefix: base + "archived:",
		dlqPrefix:      base + "dlq:",
	}
}

func (q *Queue) registryKey() string {
	return q.prefix + ":queues"
}

func (q *Queue) globalDLQKey() string {
	return q.prefix + ":dlq"
}

func member(id int64) string {
	return fmt.Sprintf("%020d", id)
}

func readyScore(priority int, enqueuedMs int64) string {
	score := -float64(priority)*priorityWeight + float64(enqueuedMs)
	return strconv.FormatFloat(score, 'f', -1, 64)
}

func dlqIndexMember(name string, id int64) string {
	return name + ":" + member(id)
}

func parseDLQIndexMember(value string) (string, int64, error) {
	idx := strings.LastIndex(value, ":")
	if idx <= 0 {
		return "", 0, fmt.Errorf("malformed dead letter index member %q", value)
	}
	id, err := strconv.ParseInt(value[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed dead letter index member %q: %w", value, err)
	}
	return value[:idx], id, nil
}

// EnsureQueue registers name.
func (q *Queue) EnsureQueue(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("queue name is required")
	}
	if err := q.client.SAdd(ctx, q.registryKey(), name).Err(); err != nil {
		return fmt.Errorf("ensure queue %s: %w", name, err)
	}
	return nil
}

func (q *Queue) requireQueue(ctx context.Context, name string) error {
	ok, err := q.client.SIsMember(ctx, q.registryKey(), name).Result()
	if err != nil {
		return fmt.Errorf("lookup queue %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", name, queue.ErrUnknownQueue)
	}
	return nil
}

// Enqueue stores a message, visible after opts.DelaySeconds.
func (q *Queue) Enqueue(ctx context.Context, name string, body queue.Body, opts queue.EnqueueOptions) (int64, error) {
	if err := q.requireQueue(ctx, name); err != nil {
		return 0, err
	}
	raw, err := queue.EncodeMessage(body, opts)
	if err != nil {
		return 0, fmt.Errorf("encode message body: %w", err)
	}
	k := q.keysFor(name)
	now := q.now()
	visible := visibleAt(now, opts.DelaySeconds)
	id, err := enqueueScript.Run(ctx, q.client,
		[]string{k.seq, k.ready, k.delayed},
		k.msgPrefix,
		string(raw),
		opts.Priority,
		readyScore(opts.Priority, now.UnixMilli()),
		now.UnixNano(),
		now.UnixMilli(),
		visible.UnixNano(),
		visible.UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", name, err)
	}
	return id, nil
}

func visibleAt(now time.Time, delaySeconds int) time.Time {
	if delaySeconds <= 0 {
		return now
	}
	return now.Add(time.Duration(delaySeconds) * time.Second)
}

// Dequeue leases up to limit visible messages.
func (q *Queue) Dequeue(ctx context.Context, name string, visibilitySeconds, limit int) ([]queue.Message, error) {
	if limit <= 0 {
		limit = 1
	}
	if visibilitySeconds <= 0 {
		return nil, errors.New("visibility seconds must be positive")
	}
	if err := q.requireQueue(ctx, name); err != nil {
		return nil, err
	}
	k := q.keysFor(name)
	now := q.now()
	lease := now.Add(time.Duration(visibilitySeconds) * time.Second)
	members, err := dequeueScript.Run(ctx, q.client,
		[]string{k.ready, k.delayed, k.leased},
		k.msgPrefix,
		now.UnixMilli(),
		lease.UnixMilli(),
		lease.UnixNano(),
		limit,
		now.UnixNano(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", name, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(members))
	if _, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = pipe.HGetAll(ctx, k.msgPrefix+m)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load leased messages: %w", err)
	}
	messages := make([]queue.Message, 0, len(members))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		msg, err := messageFromHash(name, fields)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func messageFromHash(name string, fields map[string]string) (queue.Message, error) {
	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return queue.Message{}, fmt.Errorf("parse message id %q: %w", fields["id"], err)
	}
	priority, _ := strconv.Atoi(fields["priority"])
	readCount, _ := strconv.Atoi(fields["read_count"])
	return queue.NewMessage(
		name,
		id,
		[]byte(fields["payload"]),
		priority,
		nanosToTime(fields["enqueued_ns"]),
		nanosToTime(fields["vt_ns"]),
		readCount,
	), nil
}

func nanosToTime(raw string) time.Time {
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// ExtendVisibility moves the deadline to at least now+extraSeconds.
func (q *Queue) ExtendVisibility(ctx context.Context, name string, msgID int64, extraSeconds int) (time.Time, error) {
	if err := q.requireQueue(ctx, name); err != nil {
		return time.Time{}, err
	}
	k := q.keysFor(name)
	m := member(msgID)
	candidate := q.now().Add(time.Duration(extraSeconds) * time.Second)
	raw, err := extendScript.Run(ctx, q.client,
		[]string{k.ready, k.delayed, k.leased, k.msgPrefix + m},
		m,
		candidate.UnixMilli(),
		candidate.UnixNano(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, fmt.Errorf("extend %s/%d: %w", name, msgID, queue.ErrMessageNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("extend visibility: %w", err)
	}
	return nanosToTime(raw), nil
}

// Archive moves an active message to the archive.
func (q *Queue) Archive(ctx context.Context, name string, msgID int64) error {
	if err := q.requireQueue(ctx, name); err != nil {
		return err
	}
	k := q.keysFor(name)
	m := member(msgID)
	now := q.now()
	moved, err := archiveScript.Run(ctx, q.client,
		[]string{k.ready, k.delayed, k.leased, k.archived, k.msgPrefix + m, k.archivedPrefix + m},
		m,
		now.UnixMilli(),
		now.UnixNano(),
	).Int64()
	if err != nil {
		return fmt.Errorf("archive %s/%d: %w", name, msgID, err)
	}
	if moved == 0 {
		return fmt.Errorf("archive %s/%d: %w", name, msgID, queue.ErrMessageNotFound)
	}
	return nil
}

// Peek returns an active message without leasing it.
func (q *Queue) Peek(ctx context.Context, name string, msgID int64) (*queue.Message, error) {
	fields, err := q.client.HGetAll(ctx, q.keysFor(name).msgPrefix+member(msgID)).Result()
	if err != nil {
		return nil, fmt.Errorf("peek %s/%d: %w", name, msgID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("peek %s/%d: %w", name, msgID, queue.ErrMessageNotFound)
	}
	msg, err := messageFromHash(name, fields)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Stats counts ready, leased, delayed, and archived messages. Due delayed
// messages and expired leases count as ready.
func (q *Queue) Stats(ctx context.Context, name string) (queue.Stats, error) {
	stats := queue.Stats{Queue: name}
	if err := q.requireQueue(ctx, name); err != nil {
		return stats, err
	}
	k := q.keysFor(name)
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	var (
		ready, archived                   *redis.IntCmd
		dueDelayed, expired, live, future *redis.IntCmd
	)
	if _, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.ZCard(ctx, k.ready)
		archived = pipe.ZCard(ctx, k.archived)
		dueDelayed = pipe.ZCount(ctx, k.delayed, "-inf", now)
		future = pipe.ZCount(ctx, k.delayed, "("+now, "+inf")
		expired = pipe.ZCount(ctx, k.leased, "-inf", now)
		live = pipe.ZCount(ctx, k.leased, "("+now, "+inf")
		return nil
	}); err != nil {
		return stats, fmt.Errorf("queue stats %s: %w", name, err)
	}
	stats.Ready = int(ready.Val() + dueDelayed.Val() + expired.Val())
	stats.Inflight = int(live.Val())
	stats.Delayed = int(future.Val())
	stats.Archived = int(archived.Val())
	return stats, nil
}

func sortEntries(entries []queue.DeadLetterEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].RoutedAt.Equal(entries[j].RoutedAt) {
			return entries[i].RoutedAt.After(entries[j].RoutedAt)
		}
		return entries[i].MsgID > entries[j].MsgID
	})
}
