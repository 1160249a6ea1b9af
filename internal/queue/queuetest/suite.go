// Package queuetest holds the behavioural suite every queue backend runs.
package queuetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"conveyor/internal/queue"
	"conveyor/internal/testsupport"
)

// Factory builds a fresh, empty backend reading time from now.
type Factory func(t *testing.T, now func() time.Time) queue.Queue

type fixture struct {
	ctx   context.Context
	q     queue.Queue
	clock *testsupport.Clock
}

func setup(t *testing.T, factory Factory, names ...string) *fixture {
	t.Helper()
	clock := testsupport.NewClock(time.Time{})
	q := factory(t, clock.Now)
	t.Cleanup(func() {
		_ = q.Close()
	})
	ctx := context.Background()
	for _, name := range names {
		if err := q.EnsureQueue(ctx, name); err != nil {
			t.Fatalf("EnsureQueue(%s): %v", name, err)
		}
	}
	return &fixture{ctx: ctx, q: q, clock: clock}
}

func (f *fixture) enqueue(t *testing.T, name, jobID string, opts queue.EnqueueOptions) int64 {
	t.Helper()
	id, err := f.q.Enqueue(f.ctx, name, queue.Body{
		JobID:   jobID,
		Stage:   name,
		Payload: json.RawMessage(`{"job":"` + jobID + `"}`),
	}, opts)
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", jobID, err)
	}
	return id
}

func (f *fixture) dequeue(t *testing.T, name string, visibility, limit int) []queue.Message {
	t.Helper()
	msgs, err := f.q.Dequeue(f.ctx, name, visibility, limit)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	return msgs
}

// Run executes the suite against factory.
func Run(t *testing.T, factory Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, factory) })
	t.Run("Ordering", func(t *testing.T) { testOrdering(t, factory) })
	t.Run("Delay", func(t *testing.T) { testDelay(t, factory) })
	t.Run("VisibilityExpiry", func(t *testing.T) { testVisibilityExpiry(t, factory) })
	t.Run("ExtendVisibility", func(t *testing.T) { testExtendVisibility(t, factory) })
	t.Run("Archive", func(t *testing.T) { testArchive(t, factory) })
	t.Run("DeadLetterAndReplay", func(t *testing.T) { testDeadLetter(t, factory) })
	t.Run("UnknownQueue", func(t *testing.T) { testUnknownQueue(t, factory) })
	t.Run("Stats", func(t *testing.T) { testStats(t, factory) })
	t.Run("QueuesAreIsolated", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("RawBody", func(t *testing.T) { testRawBody(t, factory) })
}

func testRawBody(t *testing.T, factory Factory) {
	f := setup(t, factory, "draft")
	raw := json.RawMessage(`{"job_id":"job-9","stage":"draft","payload":{"topic":"kayaks"},"trace":"abc"}`)
	body := queue.Body{JobID: "job-9", Stage: "draft", Payload: json.RawMessage(`{"topic":"kayaks"}`)}
	id, err := f.q.Enqueue(f.ctx, "draft", body, queue.EnqueueOptions{Raw: raw})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	got, err := f.q.Peek(f.ctx, "draft", id)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if got.Body.JobID != "job-9" || got.Body.Stage != "draft" {
		t.Fatalf("unexpected body %+v", got.Body)
	}
	var fields map[string]any
	if err := json.Unmarshal(got.Raw, &fields); err != nil {
		t.Fatalf("stored body is not JSON: %v", err)
	}
	if fields["trace"] != "abc" {
		t.Fatalf("raw body was rewritten: %s", got.Raw)
	}

	if _, err := f.q.Enqueue(f.ctx, "draft", body, queue.EnqueueOptions{Raw: json.RawMessage(`{not json`)}); err == nil {
		t.Fatal("expected an error for an invalid raw body")
	}
}

func testRoundTrip(t *testing.T, factory Factory) {
	f := setup(t, factory, "research")
	body := queue.Body{JobID: "job-1", Stage: "research", Payload: json.RawMessage(`{"topic":"tea","n":[1,2]}`)}
	id, err := f.q.Enqueue(f.ctx, "research", body, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive message id, got %d", id)
	}

	msgs := f.dequeue(t, "research", 30, 5)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.ID != id || got.Queue != "research" {
		t.Fatalf("unexpected message identity: %+v", got)
	}
	if got.Body.JobID != body.JobID || got.Body.Stage != body.Stage || string(got.Body.Payload) != string(body.Payload) {
		t.Fatalf("body mismatch: got %+v want %+v", got.Body, body)
	}
	if got.ReadCount != 1 {
		t.Fatalf("expected read count 1, got %d", got.ReadCount)
	}

	if again := f.dequeue(t, "research", 30, 5); len(again) != 0 {
		t.Fatalf("leased message was dequeued twice: %+v", again)
	}

	peeked, err := f.q.Peek(f.ctx, "research", id)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if peeked.Body.JobID != "job-1" {
		t.Fatalf("unexpected peeked body: %+v", peeked.Body)
	}
}

func testOrdering(t *testing.T, factory Factory) {
	f := setup(t, factory, "draft")
	first := f.enqueue(t, "draft", "low-old", queue.EnqueueOptions{})
	f.clock.Advance(time.Second)
	urgent := f.enqueue(t, "draft", "high", queue.EnqueueOptions{Priority: 5})
	f.clock.Advance(time.Second)
	last := f.enqueue(t, "draft", "low-new", queue.EnqueueOptions{})

	msgs := f.dequeue(t, "draft", 30, 10)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	want := []int64{urgent, first, last}
	for i, msg := range msgs {
		if msg.ID != want[i] {
			t.Fatalf("position %d: got msg %d (%s), want %d", i, msg.ID, msg.Body.JobID, want[i])
		}
	}

	f2 := setup(t, factory, "qa")
	a := f2.enqueue(t, "qa", "a", queue.EnqueueOptions{})
	b := f2.enqueue(t, "qa", "b", queue.EnqueueOptions{})
	same := f2.dequeue(t, "qa", 30, 1)
	if len(same) != 1 || same[0].ID != a || a >= b {
		t.Fatalf("same-instant messages must come out by id: a=%d b=%d got %+v", a, b, same)
	}
}

func testDelay(t *testing.T, factory Factory) {
	f := setup(t, factory, "outline")
	id := f.enqueue(t, "outline", "delayed", queue.EnqueueOptions{DelaySeconds: 45})

	if msgs := f.dequeue(t, "outline", 30, 1); len(msgs) != 0 {
		t.Fatalf("delayed message visible immediately: %+v", msgs)
	}
	f.clock.Advance(44 * time.Second)
	if msgs := f.dequeue(t, "outline", 30, 1); len(msgs) != 0 {
		t.Fatalf("delayed message visible after 44s: %+v", msgs)
	}
	f.clock.Advance(time.Second)
	msgs := f.dequeue(t, "outline", 30, 1)
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("expected delayed message after 45s, got %+v", msgs)
	}
}

func testVisibilityExpiry(t *testing.T, factory Factory) {
	f := setup(t, factory, "research")
	id := f.enqueue(t, "research", "crashy", queue.EnqueueOptions{})

	if msgs := f.dequeue(t, "research", 30, 1); len(msgs) != 1 {
		t.Fatalf("expected lease, got %d", len(msgs))
	}
	f.clock.Advance(29 * time.Second)
	if msgs := f.dequeue(t, "research", 30, 1); len(msgs) != 0 {
		t.Fatalf("message redelivered before lease expiry: %+v", msgs)
	}
	f.clock.Advance(time.Second)
	msgs := f.dequeue(t, "research", 30, 1)
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("expected redelivery after lease expiry, got %+v", msgs)
	}
	if msgs[0].ReadCount != 2 {
		t.Fatalf("expected read count 2, got %d", msgs[0].ReadCount)
	}
	if msgs[0].Body.JobID != "crashy" {
		t.Fatalf("redelivered body changed: %+v", msgs[0].Body)
	}
}

func testExtendVisibility(t *testing.T, factory Factory) {
	f := setup(t, factory, "draft")
	id := f.enqueue(t, "draft", "slow", queue.EnqueueOptions{})
	start := f.clock.Now()
	f.dequeue(t, "draft", 30, 1)

	f.clock.Advance(10 * time.Second)
	deadline, err := f.q.ExtendVisibility(f.ctx, "draft", id, 60)
	if err != nil {
		t.Fatalf("ExtendVisibility: %v", err)
	}
	if want := start.Add(70 * time.Second); !deadline.Equal(want) {
		t.Fatalf("deadline = %s, want %s", deadline, want)
	}
	kept, err := f.q.ExtendVisibility(f.ctx, "draft", id, 5)
	if err != nil {
		t.Fatalf("short ExtendVisibility: %v", err)
	}
	if !kept.Equal(deadline) {
		t.Fatalf("shorter extension moved deadline back: %s", kept)
	}

	f.clock.Advance(30 * time.Second)
	if msgs := f.dequeue(t, "draft", 30, 1); len(msgs) != 0 {
		t.Fatalf("extended lease expired early: %+v", msgs)
	}
	f.clock.Advance(30 * time.Second)
	if msgs := f.dequeue(t, "draft", 30, 1); len(msgs) != 1 {
		t.Fatalf("expected message after extended lease, got %d", len(msgs))
	}

	if err := f.q.Archive(f.ctx, "draft", id); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := f.q.ExtendVisibility(f.ctx, "draft", id, 30); !errors.Is(err, queue.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound extending archived message, got %v", err)
	}
}

func testArchive(t *testing.T, factory Factory) {
	f := setup(t, factory, "export")
	id := f.enqueue(t, "export", "done", queue.EnqueueOptions{})
	f.dequeue(t, "export", 30, 1)

	if err := f.q.Archive(f.ctx, "export", id); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	f.clock.Advance(time.Minute)
	if msgs := f.dequeue(t, "export", 30, 1); len(msgs) != 0 {
		t.Fatalf("archived message redelivered: %+v", msgs)
	}
	if err := f.q.Archive(f.ctx, "export", id); !errors.Is(err, queue.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound on second archive, got %v", err)
	}
	if _, err := f.q.Peek(f.ctx, "export", id); !errors.Is(err, queue.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound peeking archived message, got %v", err)
	}
	stats, err := f.q.Stats(f.ctx, "export")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Archived != 1 || stats.Ready != 0 || stats.Inflight != 0 {
		t.Fatalf("unexpected stats after archive: %+v", stats)
	}
}

func testDeadLetter(t *testing.T, factory Factory) {
	f := setup(t, factory, "research")
	id := f.enqueue(t, "research", "doomed", queue.EnqueueOptions{Priority: 1})
	msgs := f.dequeue(t, "research", 30, 1)
	if len(msgs) != 1 {
		t.Fatalf("expected lease, got %d", len(msgs))
	}

	err := f.q.MoveToDeadLetter(f.ctx, queue.DeadLetterRequest{
		Queue:         "research",
		MsgID:         id,
		JobID:         "doomed",
		Stage:         "research",
		Payload:       msgs[0].Raw,
		FailureReason: "attempts_exhausted",
		ErrorDetails:  map[string]any{"error": "timeout"},
		AttemptCount:  3,
	})
	if err != nil {
		t.Fatalf("MoveToDeadLetter: %v", err)
	}
	f.clock.Advance(time.Minute)
	if again := f.dequeue(t, "research", 30, 1); len(again) != 0 {
		t.Fatalf("dead-lettered message redelivered: %+v", again)
	}

	entries, err := f.q.ListDeadLetters(f.ctx, queue.DeadLetterFilter{Queue: "research"})
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(entries))
	}
	entry := entries[0]
	if entry.MsgID != id || entry.JobID != "doomed" || entry.FailureReason != "attempts_exhausted" || entry.AttemptCount != 3 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	var details map[string]any
	if err := json.Unmarshal(entry.ErrorDetails, &details); err != nil || details["error"] != "timeout" {
		t.Fatalf("unexpected error details %s (%v)", entry.ErrorDetails, err)
	}
	body, err := queue.DecodeBody(entry.Payload)
	if err != nil || body.JobID != "doomed" {
		t.Fatalf("dead letter payload lost body: %s (%v)", entry.Payload, err)
	}

	newID, err := f.q.ReplayDeadLetter(f.ctx, "research", id, queue.EnqueueOptions{Priority: 1})
	if err != nil {
		t.Fatalf("ReplayDeadLetter: %v", err)
	}
	if newID == id {
		t.Fatalf("replay reused message id %d", id)
	}
	replayed := f.dequeue(t, "research", 30, 1)
	if len(replayed) != 1 || replayed[0].ID != newID || replayed[0].Body.JobID != "doomed" {
		t.Fatalf("unexpected replayed message: %+v", replayed)
	}
	if _, err := f.q.ReplayDeadLetter(f.ctx, "research", id, queue.EnqueueOptions{}); !errors.Is(err, queue.ErrAlreadyReplayed) {
		t.Fatalf("expected ErrAlreadyReplayed, got %v", err)
	}

	got, err := f.q.GetDeadLetter(f.ctx, "research", id)
	if err != nil {
		t.Fatalf("GetDeadLetter: %v", err)
	}
	if got.ReplayedAt == nil || got.ReplayMsgID != newID {
		t.Fatalf("entry not stamped with replay: %+v", got)
	}
	open, err := f.q.ListDeadLetters(f.ctx, queue.DeadLetterFilter{})
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("replayed entry listed as open: %+v", open)
	}
	all, err := f.q.ListDeadLetters(f.ctx, queue.DeadLetterFilter{IncludeReplayed: true})
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("dead letter entries must be retained, got %d", len(all))
	}
	if _, err := f.q.GetDeadLetter(f.ctx, "research", 9999); !errors.Is(err, queue.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func testUnknownQueue(t *testing.T, factory Factory) {
	f := setup(t, factory, "research")
	_, err := f.q.Enqueue(f.ctx, "missing", queue.Body{JobID: "j", Stage: "missing"}, queue.EnqueueOptions{})
	if !errors.Is(err, queue.ErrUnknownQueue) {
		t.Fatalf("expected ErrUnknownQueue from Enqueue, got %v", err)
	}
	if _, err := f.q.Dequeue(f.ctx, "missing", 30, 1); !errors.Is(err, queue.ErrUnknownQueue) {
		t.Fatalf("expected ErrUnknownQueue from Dequeue, got %v", err)
	}
	if _, err := f.q.Stats(f.ctx, "missing"); !errors.Is(err, queue.ErrUnknownQueue) {
		t.Fatalf("expected ErrUnknownQueue from Stats, got %v", err)
	}
	if err := f.q.EnsureQueue(f.ctx, "research"); err != nil {
		t.Fatalf("EnsureQueue should be idempotent: %v", err)
	}
}

func testStats(t *testing.T, factory Factory) {
	f := setup(t, factory, "qa")
	f.enqueue(t, "qa", "ready-1", queue.EnqueueOptions{})
	f.enqueue(t, "qa", "ready-2", queue.EnqueueOptions{})
	f.enqueue(t, "qa", "later", queue.EnqueueOptions{DelaySeconds: 600})
	f.dequeue(t, "qa", 60, 1)

	stats, err := f.q.Stats(f.ctx, "qa")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Ready != 1 || stats.Inflight != 1 || stats.Delayed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	f.clock.Advance(61 * time.Second)
	stats, err = f.q.Stats(f.ctx, "qa")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Ready != 2 || stats.Inflight != 0 {
		t.Fatalf("expired lease should count as ready: %+v", stats)
	}
}

func testIsolation(t *testing.T, factory Factory) {
	f := setup(t, factory, "research", "outline")
	f.enqueue(t, "research", "r", queue.EnqueueOptions{})
	if msgs := f.dequeue(t, "outline", 30, 5); len(msgs) != 0 {
		t.Fatalf("message leaked across queues: %+v", msgs)
	}
	msgs := f.dequeue(t, "research", 30, 5)
	if len(msgs) != 1 || msgs[0].Queue != "research" {
		t.Fatalf("unexpected research messages: %+v", msgs)
	}
}
