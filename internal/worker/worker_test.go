package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"conveyor/internal/collab"
	"conveyor/internal/config"
	"conveyor/internal/pipeline"
	"conveyor/internal/queue"
	"conveyor/internal/queue/sqlq"
	"conveyor/internal/retry"
	"conveyor/internal/services"
	"conveyor/internal/stage"
	"conveyor/internal/store"
	"conveyor/internal/testsupport"
	"conveyor/internal/worker"
)

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *testsupport.Clock
	store    *store.Store
	queue    *sqlq.Queue
	registry *stage.Registry
	worker   *worker.Worker
}

func newHarness(t *testing.T, opts ...worker.Option) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	clock := testsupport.NewClock(time.Time{})
	st := testsupport.MustOpenStore(t, cfg, store.WithClock(clock.Now))
	q := testsupport.MustOpenQueue(t, st, clock, config.DefaultStages...)
	testsupport.SeedStages(t, st, 4, 10, config.DefaultStages...)

	p, err := pipeline.New(config.DefaultStages)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	reg := stage.NewRegistry()
	for _, name := range config.DefaultStages {
		reg.Register(name, collab.Passthrough{Now: clock.Now})
	}
	base := []worker.Option{
		worker.WithClock(clock.Now),
		worker.WithPolicy(retry.NewPolicy(30, 3600, 0)),
		worker.WithVisibility(60),
		worker.WithExtendInterval(0),
	}
	w := worker.New(st, q, p, reg, append(base, opts...)...)
	return &harness{t: t, ctx: context.Background(), clock: clock, store: st, queue: q, registry: reg, worker: w}
}

func (h *harness) run(stageName string) worker.Result {
	h.t.Helper()
	res, err := h.worker.RunOnce(h.ctx, stageName)
	if err != nil {
		h.t.Fatalf("RunOnce(%s): %v", stageName, err)
	}
	return res
}

func (h *harness) record(jobID, stageName string) *store.StageRecord {
	h.t.Helper()
	rec, err := h.store.GetStageRecord(h.ctx, jobID, stageName)
	if err != nil {
		h.t.Fatalf("GetStageRecord(%s): %v", stageName, err)
	}
	return rec
}

func (h *harness) stats(name string) queue.Stats {
	h.t.Helper()
	stats, err := h.queue.Stats(h.ctx, name)
	if err != nil {
		h.t.Fatalf("Stats(%s): %v", name, err)
	}
	return stats
}

func TestRunOnceIdleWhenQueueEmpty(t *testing.T) {
	h := newHarness(t)
	if res := h.run("research"); res.Outcome != worker.OutcomeIdle {
		t.Fatalf("outcome = %s, want idle", res.Outcome)
	}
}

func TestJobMovesThroughEveryStage(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("research", stage.HandlerFunc(func(_ context.Context, req stage.Request) (json.RawMessage, error) {
		if req.Upstream != nil {
			t.Errorf("research should have no upstream, got %s", req.Upstream)
		}
		return json.RawMessage(`{"sources":3}`), nil
	}))
	h.registry.Register("outline", stage.HandlerFunc(func(_ context.Context, req stage.Request) (json.RawMessage, error) {
		if err := stage.RequireUpstream(req); err != nil {
			return nil, err
		}
		if string(req.Upstream) != `{"sources":3}` {
			t.Errorf("outline upstream = %s", req.Upstream)
		}
		if string(req.Payload) != `{"topic":"test"}` {
			t.Errorf("outline payload = %s", req.Payload)
		}
		return json.RawMessage(`{"sections":2}`), nil
	}))

	job, _ := testsupport.NewJob(t, h.store, h.queue, "research", 3)
	for _, name := range config.DefaultStages {
		res := h.run(name)
		if res.Outcome != worker.OutcomeCompleted {
			t.Fatalf("%s outcome = %s (%s), want completed", name, res.Outcome, res.Reason)
		}
		if res.JobID != job.ID || res.Attempt != 1 {
			t.Fatalf("%s result = %+v", name, res)
		}
	}

	got, err := h.store.GetJob(h.ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.JobCompleted || got.Stage != "complete" {
		t.Fatalf("job = %s at %s, want completed at complete", got.Status, got.Stage)
	}
	if got.LastCompletedAt == nil {
		t.Fatal("expected last_completed_at")
	}
	records, err := h.store.ListStageRecords(h.ctx, job.ID)
	if err != nil {
		t.Fatalf("ListStageRecords: %v", err)
	}
	if len(records) != len(config.DefaultStages) {
		t.Fatalf("expected %d records, got %d", len(config.DefaultStages), len(records))
	}
	for _, rec := range records {
		if rec.Status != store.StageCompleted || rec.FinishedAt == nil {
			t.Fatalf("record %s = %s", rec.Stage, rec.Status)
		}
	}
	for _, name := range config.DefaultStages {
		if stats := h.stats(name); stats.Ready+stats.Inflight+stats.Delayed != 0 || stats.Archived != 1 {
			t.Fatalf("queue %s stats = %+v", name, stats)
		}
	}
}

func TestTransientFailuresDeadLetterAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.registry.Register("research", stage.HandlerFunc(func(context.Context, stage.Request) (json.RawMessage, error) {
		calls++
		return nil, services.Wrap(services.ErrTransient, "research", "crawl", "upstream timed out", nil)
	}))
	job, _ := testsupport.NewJob(t, h.store, h.queue, "research", 3)

	res := h.run("research")
	if res.Outcome != worker.OutcomeRetrying || res.Delay != 30*time.Second {
		t.Fatalf("first failure = %s delay %s, want retrying after 30s", res.Outcome, res.Delay)
	}
	rec := h.record(job.ID, "research")
	if rec.Status != store.StagePending || rec.AttemptCount != 1 || rec.LastError == "" {
		t.Fatalf("record after first failure = %+v", rec)
	}

	h.clock.Advance(29 * time.Second)
	if res := h.run("research"); res.Outcome != worker.OutcomeIdle {
		t.Fatalf("retry visible before its delay: %s", res.Outcome)
	}
	h.clock.Advance(time.Second)
	res = h.run("research")
	if res.Outcome != worker.OutcomeRetrying || res.Delay != 60*time.Second {
		t.Fatalf("second failure = %s delay %s, want retrying after 60s", res.Outcome, res.Delay)
	}

	h.clock.Advance(60 * time.Second)
	res = h.run("research")
	if res.Outcome != worker.OutcomeDeadLettered || res.Reason != "attempts_exhausted" {
		t.Fatalf("third failure = %s (%s), want dead-lettered", res.Outcome, res.Reason)
	}
	if calls != 3 {
		t.Fatalf("handler ran %d times, want exactly 3", calls)
	}

	got, err := h.store.GetJob(h.ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.JobFailed || got.LastError == "" {
		t.Fatalf("job = %s (%q), want failed with last_error", got.Status, got.LastError)
	}
	rec = h.record(job.ID, "research")
	if rec.Status != store.StageFailed || rec.DeadLetteredAt == nil || rec.AttemptCount != 3 {
		t.Fatalf("record = %+v, want failed with dead_lettered_at after 3 attempts", rec)
	}
	entries, err := h.queue.ListDeadLetters(h.ctx, queue.DeadLetterFilter{})
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(entries))
	}
	if entries[0].JobID != job.ID || entries[0].Stage != "research" || entries[0].AttemptCount != 3 {
		t.Fatalf("dead letter = %+v", entries[0])
	}

	h.clock.Advance(time.Hour)
	if res := h.run("research"); res.Outcome != worker.OutcomeIdle {
		t.Fatalf("dead-lettered job produced more work: %s", res.Outcome)
	}
}

func TestTerminalFailureDeadLettersImmediately(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("research", stage.HandlerFunc(func(_ context.Context, req stage.Request) (json.RawMessage, error) {
		var payload struct {
			Topic int `json:"topic"`
		}
		return nil, stage.DecodePayload(req.Stage, req.Payload, &payload)
	}))
	job, _ := testsupport.NewJob(t, h.store, h.queue, "research", 5)

	res := h.run("research")
	if res.Outcome != worker.OutcomeDeadLettered || res.Reason != "validation" {
		t.Fatalf("outcome = %s (%s), want dead-lettered for validation", res.Outcome, res.Reason)
	}
	if !errors.Is(res.StageErr, services.ErrValidation) {
		t.Fatalf("stage error = %v", res.StageErr)
	}
	if rec := h.record(job.ID, "research"); rec.AttemptCount != 1 {
		t.Fatalf("attempts = %d, want 1", rec.AttemptCount)
	}
}

func TestHandlerPanicBecomesTerminalFailure(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("research", stage.HandlerFunc(func(context.Context, stage.Request) (json.RawMessage, error) {
		panic("boom")
	}))
	job, _ := testsupport.NewJob(t, h.store, h.queue, "research", 3)

	res := h.run("research")
	if res.Outcome != worker.OutcomeDeadLettered || res.Reason != "panic" {
		t.Fatalf("outcome = %s (%s), want dead-lettered panic", res.Outcome, res.Reason)
	}
	rec := h.record(job.ID, "research")
	if rec.LastError == "" || rec.DeadLetterReason != "panic" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestMisroutedMessageIsForwardedUnchanged(t *testing.T) {
	h := newHarness(t)
	job, draft, err := h.store.CreateJob(h.ctx, store.NewJob{
		Type:        "article",
		Payload:     json.RawMessage(`{"topic":"kayaks"}`),
		Stage:       "draft",
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	body := queue.Body{JobID: job.ID, Stage: "draft", Payload: job.Payload}
	msgID, err := h.queue.Enqueue(h.ctx, "outline", body, queue.EnqueueOptions{Priority: 3})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := h.store.AttachMessage(h.ctx, job.ID, draft.Stage, 0, msgID); err != nil {
		t.Fatalf("AttachMessage: %v", err)
	}

	res := h.run("outline")
	if res.Outcome != worker.OutcomeForwarded {
		t.Fatalf("outcome = %s, want forwarded", res.Outcome)
	}
	if _, err := h.store.GetStageRecord(h.ctx, job.ID, "outline"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("outline record should not exist, got %v", err)
	}
	if stats := h.stats("outline"); stats.Ready != 0 || stats.Archived != 1 {
		t.Fatalf("outline stats = %+v", stats)
	}

	rec := h.record(job.ID, "draft")
	if rec.MsgID == 0 || rec.MsgID == msgID {
		t.Fatalf("draft record should point at the forwarded message, got %d", rec.MsgID)
	}
	forwarded, err := h.queue.Peek(h.ctx, "draft", rec.MsgID)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if forwarded.Body.JobID != body.JobID || forwarded.Body.Stage != body.Stage || string(forwarded.Body.Payload) != string(body.Payload) {
		t.Fatalf("forwarded body = %+v, want %+v", forwarded.Body, body)
	}
	if forwarded.Priority != 3 {
		t.Fatalf("forwarded priority = %d", forwarded.Priority)
	}

	if res := h.run("draft"); res.Outcome != worker.OutcomeCompleted {
		t.Fatalf("draft outcome = %s", res.Outcome)
	}
}

func TestForwardKeepsRawBody(t *testing.T) {
	h := newHarness(t)
	job, draft, err := h.store.CreateJob(h.ctx, store.NewJob{
		Type:        "article",
		Payload:     json.RawMessage(`{"topic":"kayaks"}`),
		Stage:       "draft",
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	raw := json.RawMessage(`{"job_id":"` + job.ID + `","stage":"draft","payload":{"topic":"kayaks"},"trace":"abc"}`)
	body := queue.Body{JobID: job.ID, Stage: "draft", Payload: job.Payload}
	msgID, err := h.queue.Enqueue(h.ctx, "outline", body, queue.EnqueueOptions{Raw: raw})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := h.store.AttachMessage(h.ctx, job.ID, draft.Stage, 0, msgID); err != nil {
		t.Fatalf("AttachMessage: %v", err)
	}

	if res := h.run("outline"); res.Outcome != worker.OutcomeForwarded {
		t.Fatalf("outcome = %s, want forwarded", res.Outcome)
	}
	forwarded, err := h.queue.Peek(h.ctx, "draft", h.record(job.ID, "draft").MsgID)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if string(forwarded.Raw) != string(raw) {
		t.Fatalf("forwarded raw = %s, want %s", forwarded.Raw, raw)
	}
}

func TestDuplicateMessageIsDiscarded(t *testing.T) {
	h := newHarness(t)
	job, _ := testsupport.NewJob(t, h.store, h.queue, "research", 3)
	if _, err := h.queue.Enqueue(h.ctx, "research", queue.Body{JobID: job.ID, Stage: "research", Payload: job.Payload}, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}

	if res := h.run("research"); res.Outcome != worker.OutcomeCompleted {
		t.Fatalf("first outcome = %s", res.Outcome)
	}
	if res := h.run("research"); res.Outcome != worker.OutcomeDiscarded {
		t.Fatalf("duplicate outcome = %s, want discarded", res.Outcome)
	}
	if stats := h.stats("outline"); stats.Ready != 1 {
		t.Fatalf("outline should hold exactly one message, got %+v", stats)
	}
}

func TestRedeliveryAfterCrashRepairsCompletion(t *testing.T) {
	h := newHarness(t)
	job, _ := testsupport.NewJob(t, h.store, h.queue, "research", 3)

	msgs, err := h.queue.Dequeue(h.ctx, "research", 60, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Dequeue: %v (%d)", err, len(msgs))
	}
	rec, err := h.store.MarkProcessing(h.ctx, h.record(job.ID, "research"), msgs[0].ID, msgs[0].VisibleAt)
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if _, err := h.store.CompleteStage(h.ctx, rec, []byte(`{}`), "outline"); err != nil {
		t.Fatalf("CompleteStage: %v", err)
	}

	h.clock.Advance(61 * time.Second)
	res := h.run("research")
	if res.Outcome != worker.OutcomeDiscarded {
		t.Fatalf("redelivered outcome = %s, want discarded", res.Outcome)
	}
	outline := h.record(job.ID, "outline")
	if outline.MsgID == 0 {
		t.Fatal("outline record should have been given a message")
	}
	if res := h.run("outline"); res.Outcome != worker.OutcomeCompleted {
		t.Fatalf("outline outcome = %s", res.Outcome)
	}
}

func TestRedeliveryFinishesInterruptedDeadLetter(t *testing.T) {
	h := newHarness(t)
	job, _ := testsupport.NewJob(t, h.store, h.queue, "research", 3)

	msgs, err := h.queue.Dequeue(h.ctx, "research", 60, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Dequeue: %v (%d)", err, len(msgs))
	}
	rec, err := h.store.MarkProcessing(h.ctx, h.record(job.ID, "research"), msgs[0].ID, msgs[0].VisibleAt)
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if _, err := h.store.MarkDeadLettered(h.ctx, rec, "validation", "bad payload"); err != nil {
		t.Fatalf("MarkDeadLettered: %v", err)
	}

	h.clock.Advance(61 * time.Second)
	res := h.run("research")
	if res.Outcome != worker.OutcomeDeadLettered || res.Reason != "validation" {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	entries, err := h.queue.ListDeadLetters(h.ctx, queue.DeadLetterFilter{Queue: "research"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListDeadLetters: %v (%d)", err, len(entries))
	}
}

func TestCancelledJobMessageIsDiscarded(t *testing.T) {
	h := newHarness(t)
	job, _ := testsupport.NewJob(t, h.store, h.queue, "research", 3)
	if _, err := h.store.CancelJob(h.ctx, job.ID, "operator cancelled"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if res := h.run("research"); res.Outcome != worker.OutcomeDiscarded {
		t.Fatalf("outcome = %s, want discarded", res.Outcome)
	}
	entries, err := h.queue.ListDeadLetters(h.ctx, queue.DeadLetterFilter{})
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("cancel should not dead-letter, got %d entries", len(entries))
	}
}

func TestCancelDuringStageFailure(t *testing.T) {
	cases := []struct {
		name   string
		stgErr error
	}{
		{"terminal", services.Wrap(services.ErrValidation, "research", "validate", "bad payload", nil)},
		{"transient", services.Wrap(services.ErrTransient, "research", "crawl", "upstream timed out", nil)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.registry.Register("research", stage.HandlerFunc(func(ctx context.Context, req stage.Request) (json.RawMessage, error) {
				if _, err := h.store.CancelJob(ctx, req.JobID, "operator cancelled"); err != nil {
					t.Errorf("CancelJob: %v", err)
				}
				return nil, tc.stgErr
			}))
			job, _ := testsupport.NewJob(t, h.store, h.queue, "research", 3)

			res := h.run("research")
			if res.Outcome != worker.OutcomeDiscarded {
				t.Fatalf("outcome = %s (%s), want discarded", res.Outcome, res.Reason)
			}

			got, err := h.store.GetJob(h.ctx, job.ID)
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if got.Status != store.JobFailed || got.LastError != "operator cancelled" {
				t.Fatalf("job = %s (%q), want failed with the cancel reason", got.Status, got.LastError)
			}
			rec := h.record(job.ID, "research")
			if rec.Status != store.StageFailed || rec.LastError != "operator cancelled" {
				t.Fatalf("record = %s (%q), want failed with the cancel reason", rec.Status, rec.LastError)
			}
			if rec.DeadLetteredAt != nil || rec.NextRetryAt != nil || rec.LeaseExpiresAt != nil {
				t.Fatalf("record should be closed without retry or dead letter: %+v", rec)
			}

			entries, err := h.queue.ListDeadLetters(h.ctx, queue.DeadLetterFilter{})
			if err != nil {
				t.Fatalf("ListDeadLetters: %v", err)
			}
			if len(entries) != 0 {
				t.Fatalf("cancelled job should not be dead-lettered, got %d entries", len(entries))
			}
			if stats := h.stats("research"); stats.Ready != 0 || stats.Delayed != 0 || stats.Inflight != 0 || stats.Archived != 1 {
				t.Fatalf("research stats = %+v", stats)
			}

			h.clock.Advance(time.Hour)
			if res := h.run("research"); res.Outcome != worker.OutcomeIdle {
				t.Fatalf("follow-up outcome = %s, want idle", res.Outcome)
			}
		})
	}
}

func TestWorkerWhoseLeaseLapsedIsAbandoned(t *testing.T) {
	h := newHarness(t)
	var calls int
	var inner worker.Result
	h.registry.Register("research", stage.HandlerFunc(func(ctx context.Context, req stage.Request) (json.RawMessage, error) {
		calls++
		if calls > 1 {
			return json.RawMessage(`{"by":"second"}`), nil
		}
		h.clock.Advance(601 * time.Second)
		res, err := h.worker.RunOnce(h.ctx, "research")
		if err != nil {
			t.Errorf("second RunOnce: %v", err)
		}
		inner = res
		return json.RawMessage(`{"by":"first"}`), nil
	}))
	job, _ := testsupport.NewJob(t, h.store, h.queue, "research", 3)

	res := h.run("research")
	if inner.Outcome != worker.OutcomeCompleted || inner.Attempt != 2 {
		t.Fatalf("second worker = %s attempt %d, want completed attempt 2", inner.Outcome, inner.Attempt)
	}
	if res.Outcome != worker.OutcomeAbandoned {
		t.Fatalf("first worker outcome = %s (%s), want abandoned", res.Outcome, res.Reason)
	}

	rec := h.record(job.ID, "research")
	if rec.Status != store.StageCompleted || string(rec.Output) != `{"by":"second"}` {
		t.Fatalf("record = %s output %s, want the second worker's result", rec.Status, rec.Output)
	}
	if rec.AttemptCount != 2 {
		t.Fatalf("attempts = %d, want 2", rec.AttemptCount)
	}
	if outline := h.record(job.ID, "outline"); outline.MsgID == 0 {
		t.Fatal("outline should have exactly the second worker's message")
	}
	if stats := h.stats("outline"); stats.Ready != 1 {
		t.Fatalf("outline stats = %+v, want one ready message", stats)
	}
}

func TestUnknownJobIsDeadLettered(t *testing.T) {
	h := newHarness(t)
	if _, err := h.queue.Enqueue(h.ctx, "research", queue.Body{JobID: "missing", Stage: "research"}, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	res := h.run("research")
	if res.Outcome != worker.OutcomeDeadLettered || res.Reason != "unknown_job" {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
}

func TestUnknownStageIsDeadLettered(t *testing.T) {
	h := newHarness(t)
	job, _ := testsupport.NewJob(t, h.store, h.queue, "research", 3)
	if _, err := h.queue.Enqueue(h.ctx, "outline", queue.Body{JobID: job.ID, Stage: "publish"}, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	res := h.run("outline")
	if res.Outcome != worker.OutcomeDeadLettered || res.Reason != "unknown_stage" {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if got, _ := h.store.GetJob(h.ctx, job.ID); got.Status != store.JobQueued {
		t.Fatalf("stray message should not touch the job, status %s", got.Status)
	}
}

func TestLeaseIsExtendedWhileHandlerRuns(t *testing.T) {
	h := newHarness(t, worker.WithExtendInterval(5*time.Millisecond))
	var extended bool
	var msgID int64
	h.registry.Register("research", stage.HandlerFunc(func(ctx context.Context, req stage.Request) (json.RawMessage, error) {
		id, _ := services.MessageIDFromContext(ctx)
		msgID = id
		h.clock.Advance(200 * time.Second)
		want := h.clock.Now().Add(300 * time.Second)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			msg, err := h.queue.Peek(ctx, "research", id)
			if err != nil {
				return nil, err
			}
			rec, err := h.store.GetStageRecord(ctx, req.JobID, req.Stage)
			if err != nil {
				return nil, err
			}
			if msg.VisibleAt.Equal(want) && rec.LeaseExpiresAt != nil && rec.LeaseExpiresAt.Equal(want) {
				extended = true
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		return json.RawMessage(`{}`), nil
	}))
	testsupport.NewJob(t, h.store, h.queue, "research", 3)

	if res := h.run("research"); res.Outcome != worker.OutcomeCompleted {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if msgID == 0 {
		t.Fatal("handler context should carry the message id")
	}
	if !extended {
		t.Fatal("lease was not extended while the handler ran")
	}
}
