package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"conveyor/internal/store"
	"conveyor/internal/testsupport"
)

func newStore(t *testing.T) (*store.Store, *testsupport.Clock) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	clock := testsupport.NewClock(time.Time{})
	return testsupport.MustOpenStore(t, cfg, store.WithClock(clock.Now)), clock
}

func createJob(t *testing.T, st *store.Store, stage string, maxAttempts int) (*store.Job, *store.StageRecord) {
	t.Helper()
	job, rec, err := st.CreateJob(context.Background(), store.NewJob{
		Type:              "article",
		Payload:           json.RawMessage(`{"topic":"espresso"}`),
		Stage:             stage,
		Priority:          2,
		MaxAttempts:       maxAttempts,
		RetryDelaySeconds: 30,
		VisibilitySeconds: 120,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job, rec
}

func TestCreateJobInsertsQueuedJobAndPendingRecord(t *testing.T) {
	st, clock := newStore(t)
	ctx := context.Background()

	job, rec := createJob(t, st, "research", 3)
	if job.ID == "" {
		t.Fatal("expected generated job id")
	}
	if job.Status != store.JobQueued || job.Stage != "research" {
		t.Fatalf("unexpected job state: %s/%s", job.Status, job.Stage)
	}
	if job.FirstQueuedAt == nil || !job.FirstQueuedAt.Equal(clock.Now()) {
		t.Fatalf("expected first_queued_at %s, got %v", clock.Now(), job.FirstQueuedAt)
	}
	if rec.Status != store.StagePending || rec.MsgID != 0 || rec.MaxAttempts != 3 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.VisibilityTimeoutSeconds != 120 || rec.Priority != 2 {
		t.Fatalf("record did not inherit job settings: %+v", rec)
	}

	fetched, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if string(fetched.Payload) != `{"topic":"espresso"}` {
		t.Fatalf("payload mismatch: %s", fetched.Payload)
	}

	if _, err := st.GetJob(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateJobRejectsInvalidInput(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()

	if _, _, err := st.CreateJob(ctx, store.NewJob{Stage: "research", MaxAttempts: 1}); err == nil {
		t.Fatal("expected error for missing type")
	}
	if _, _, err := st.CreateJob(ctx, store.NewJob{Type: "article", Stage: "research"}); err == nil {
		t.Fatal("expected error for zero max attempts")
	}
}

func TestStageLifecycleAdvancesJob(t *testing.T) {
	st, clock := newStore(t)
	ctx := context.Background()
	job, rec := createJob(t, st, "research", 3)

	if err := st.AttachMessage(ctx, job.ID, "research", 0, 7); err != nil {
		t.Fatalf("AttachMessage: %v", err)
	}
	rec, err := st.GetStageRecord(ctx, job.ID, "research")
	if err != nil {
		t.Fatalf("GetStageRecord: %v", err)
	}

	processing, err := st.MarkProcessing(ctx, rec, 7, clock.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if processing.Status != store.StageProcessing || processing.AttemptCount != 1 {
		t.Fatalf("unexpected processing record: %+v", processing)
	}
	running, _ := st.GetJob(ctx, job.ID)
	if running.Status != store.JobProcessing || running.AttemptCount != 1 {
		t.Fatalf("unexpected job while processing: %+v", running)
	}

	clock.Advance(time.Minute)
	next, err := st.CompleteStage(ctx, processing, []byte(`{"sources":3}`), "outline")
	if err != nil {
		t.Fatalf("CompleteStage: %v", err)
	}
	if next == nil || next.Stage != "outline" || next.Status != store.StagePending || next.MsgID != 0 {
		t.Fatalf("unexpected next record: %+v", next)
	}
	if next.MaxAttempts != 3 || next.VisibilityTimeoutSeconds != 120 {
		t.Fatalf("next record did not inherit settings: %+v", next)
	}

	done, _ := st.GetStageRecord(ctx, job.ID, "research")
	if done.Status != store.StageCompleted || done.FinishedAt == nil {
		t.Fatalf("expected completed research record, got %+v", done)
	}
	if string(done.Output) != `{"sources":3}` {
		t.Fatalf("output not stored: %s", done.Output)
	}
	advanced, _ := st.GetJob(ctx, job.ID)
	if advanced.Status != store.JobQueued || advanced.Stage != "outline" {
		t.Fatalf("job not advanced: %s/%s", advanced.Status, advanced.Stage)
	}
}

func TestCompleteTerminalStageCompletesJob(t *testing.T) {
	st, clock := newStore(t)
	ctx := context.Background()
	job, rec := createJob(t, st, "complete", 1)

	rec, err := st.MarkProcessing(ctx, rec, 1, clock.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	next, err := st.CompleteStage(ctx, rec, nil, "")
	if err != nil {
		t.Fatalf("CompleteStage: %v", err)
	}
	if next != nil {
		t.Fatalf("expected no next record, got %+v", next)
	}
	final, _ := st.GetJob(ctx, job.ID)
	if final.Status != store.JobCompleted || final.LastCompletedAt == nil {
		t.Fatalf("expected completed job, got %+v", final)
	}
}

func TestStaleVersionIsRejected(t *testing.T) {
	st, clock := newStore(t)
	ctx := context.Background()
	_, rec := createJob(t, st, "research", 3)

	first, err := st.MarkProcessing(ctx, rec, 1, clock.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if _, err := st.MarkProcessing(ctx, rec, 1, clock.Now().Add(time.Minute)); !errors.Is(err, store.ErrStale) {
		t.Fatalf("expected ErrStale for reused version, got %v", err)
	}

	// A second owner takes over after the lease expired; the first owner's
	// completion must lose.
	second, err := st.MarkProcessing(ctx, first, 1, clock.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("takeover MarkProcessing: %v", err)
	}
	if _, err := st.CompleteStage(ctx, first, nil, "outline"); !errors.Is(err, store.ErrStale) {
		t.Fatalf("expected ErrStale for old owner, got %v", err)
	}
	if second.AttemptCount != 2 {
		t.Fatalf("expected attempt 2 after takeover, got %d", second.AttemptCount)
	}
}

func TestScheduleRetryAndDeadLetter(t *testing.T) {
	st, clock := newStore(t)
	ctx := context.Background()
	job, rec := createJob(t, st, "draft", 2)

	rec, err := st.MarkProcessing(ctx, rec, 11, clock.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	retryAt := clock.Now().Add(30 * time.Second)
	rec, err = st.ScheduleRetry(ctx, rec, "upstream timeout", retryAt)
	if err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}
	if rec.Status != store.StagePending || rec.MsgID != 0 || !rec.AvailableAt.Equal(retryAt) {
		t.Fatalf("unexpected retry record: %+v", rec)
	}
	if rec.NextRetryAt == nil || rec.LastError != "upstream timeout" {
		t.Fatalf("retry metadata missing: %+v", rec)
	}

	if err := st.AttachMessage(ctx, job.ID, "draft", 0, 12); err != nil {
		t.Fatalf("AttachMessage: %v", err)
	}
	rec, _ = st.GetStageRecord(ctx, job.ID, "draft")
	rec, err = st.MarkProcessing(ctx, rec, 12, clock.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("MarkProcessing second attempt: %v", err)
	}
	if !rec.AttemptsExhausted() {
		t.Fatalf("expected attempts exhausted at %d/%d", rec.AttemptCount, rec.MaxAttempts)
	}
	rec, err = st.MarkDeadLettered(ctx, rec, "attempts_exhausted", "upstream timeout")
	if err != nil {
		t.Fatalf("MarkDeadLettered: %v", err)
	}
	if rec.Status != store.StageFailed || rec.DeadLetteredAt == nil || rec.MsgID != 12 {
		t.Fatalf("unexpected dead-lettered record: %+v", rec)
	}
	failed, _ := st.GetJob(ctx, job.ID)
	if failed.Status != store.JobFailed || failed.LastDeadLetteredAt == nil || failed.LastError != "upstream timeout" {
		t.Fatalf("unexpected failed job: %+v", failed)
	}

	reset, err := st.ResetStage(ctx, job.ID, "draft", true, 120)
	if err != nil {
		t.Fatalf("ResetStage: %v", err)
	}
	if reset.Status != store.StagePending || reset.AttemptCount != 0 || reset.DeadLetteredAt != nil || reset.MsgID != 0 {
		t.Fatalf("unexpected reset record: %+v", reset)
	}
	requeued, _ := st.GetJob(ctx, job.ID)
	if requeued.Status != store.JobQueued {
		t.Fatalf("expected queued job after reset, got %s", requeued.Status)
	}
}

func TestAttachMessageIsConditional(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	job, _ := createJob(t, st, "research", 3)

	if err := st.AttachMessage(ctx, job.ID, "research", 0, 5); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := st.AttachMessage(ctx, job.ID, "research", 0, 5); err != nil {
		t.Fatalf("re-attaching the same message should succeed: %v", err)
	}
	if err := st.AttachMessage(ctx, job.ID, "research", 0, 6); !errors.Is(err, store.ErrStale) {
		t.Fatalf("expected ErrStale when another message is attached, got %v", err)
	}
	if err := st.AttachMessage(ctx, job.ID, "research", 5, 0); err != nil {
		t.Fatalf("detach: %v", err)
	}
	rec, _ := st.GetStageRecord(ctx, job.ID, "research")
	if rec.MsgID != 0 {
		t.Fatalf("expected detached record, got msg %d", rec.MsgID)
	}
}

func TestStageBacklogCountsReadyAndInflight(t *testing.T) {
	st, clock := newStore(t)
	ctx := context.Background()

	createJob(t, st, "research", 3)
	createJob(t, st, "research", 3)

	_, leased := createJob(t, st, "research", 3)
	if _, err := st.MarkProcessing(ctx, leased, 1, clock.Now().Add(time.Minute)); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	_, expiring := createJob(t, st, "research", 3)
	if _, err := st.MarkProcessing(ctx, expiring, 2, clock.Now().Add(10*time.Second)); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	_, delayed := createJob(t, st, "outline", 3)
	delayed, _ = st.MarkProcessing(ctx, delayed, 3, clock.Now().Add(time.Minute))
	if _, err := st.ScheduleRetry(ctx, delayed, "busy", clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}

	clock.Advance(20 * time.Second)
	backlog, err := st.StageBacklog(ctx)
	if err != nil {
		t.Fatalf("StageBacklog: %v", err)
	}
	research := backlog["research"]
	if research.ReadyCount != 3 || research.InflightCount != 1 {
		t.Fatalf("unexpected research backlog: %+v", research)
	}
	outline := backlog["outline"]
	if outline.ReadyCount != 0 || outline.InflightCount != 0 {
		t.Fatalf("delayed retry should not be ready: %+v", outline)
	}
}

func TestCancelJobFailsPendingRecord(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	job, _ := createJob(t, st, "research", 3)

	cancelled, err := st.CancelJob(ctx, job.ID, "duplicate request")
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if cancelled.Status != store.JobFailed || cancelled.LastError != "duplicate request" {
		t.Fatalf("unexpected cancelled job: %+v", cancelled)
	}
	rec, _ := st.GetStageRecord(ctx, job.ID, "research")
	if rec.Status != store.StageFailed {
		t.Fatalf("expected failed record, got %s", rec.Status)
	}
	if _, err := st.CancelJob(ctx, job.ID, ""); !errors.Is(err, store.ErrJobTerminal) {
		t.Fatalf("expected ErrJobTerminal on second cancel, got %v", err)
	}

	backlog, err := st.StageBacklog(ctx)
	if err != nil {
		t.Fatalf("StageBacklog: %v", err)
	}
	if backlog["research"].ReadyCount != 0 {
		t.Fatalf("cancelled job still counted: %+v", backlog["research"])
	}
}

func TestFailureTransitionsKeepCancel(t *testing.T) {
	transitions := map[string]func(*store.Store, *store.StageRecord) error{
		"retry": func(st *store.Store, rec *store.StageRecord) error {
			_, err := st.ScheduleRetry(context.Background(), rec, "timeout", time.Now().Add(time.Minute))
			return err
		},
		"dead-letter": func(st *store.Store, rec *store.StageRecord) error {
			_, err := st.MarkDeadLettered(context.Background(), rec, "validation", "bad payload")
			return err
		},
		"complete": func(st *store.Store, rec *store.StageRecord) error {
			_, err := st.CompleteStage(context.Background(), rec, []byte(`{}`), "outline")
			return err
		},
	}
	for name, transition := range transitions {
		t.Run(name, func(t *testing.T) {
			st, clock := newStore(t)
			ctx := context.Background()
			job, rec := createJob(t, st, "research", 3)
			rec, err := st.MarkProcessing(ctx, rec, 1, clock.Now().Add(time.Minute))
			if err != nil {
				t.Fatalf("MarkProcessing: %v", err)
			}
			if _, err := st.CancelJob(ctx, job.ID, "operator cancelled"); err != nil {
				t.Fatalf("CancelJob: %v", err)
			}

			if err := transition(st, rec); !errors.Is(err, store.ErrJobTerminal) {
				t.Fatalf("expected ErrJobTerminal, got %v", err)
			}
			got, err := st.GetJob(ctx, job.ID)
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if got.Status != store.JobFailed || got.LastError != "operator cancelled" {
				t.Fatalf("cancel overwritten: %s (%q)", got.Status, got.LastError)
			}
			closed, err := st.GetStageRecord(ctx, job.ID, "research")
			if err != nil {
				t.Fatalf("GetStageRecord: %v", err)
			}
			if closed.Status != store.StageFailed || closed.LastError != "operator cancelled" || closed.DeadLetteredAt != nil {
				t.Fatalf("unexpected record: %+v", closed)
			}
			if _, err := st.GetStageRecord(ctx, job.ID, "outline"); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("no next record expected, got %v", err)
			}
		})
	}
}

func TestUpsertStageConfigRejectsZeroBatch(t *testing.T) {
	st, _ := newStore(t)
	_, err := st.UpsertStageConfig(context.Background(), store.StageConfig{Stage: "draft", Queue: "draft", MaxConcurrency: 2})
	if err == nil {
		t.Fatal("expected an error for trigger_batch_size 0")
	}
}

func TestSeedStageConfigsKeepsOperatorChanges(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()

	seed := store.StageConfig{Stage: "draft", Queue: "draft", MaxConcurrency: 2, TriggerBatchSize: 5, Enabled: true}
	if n, err := st.SeedStageConfigs(ctx, []store.StageConfig{seed}); err != nil || n != 1 {
		t.Fatalf("SeedStageConfigs = %d, %v", n, err)
	}

	changed := seed
	changed.MaxConcurrency = 9
	changed.Enabled = false
	if _, err := st.UpsertStageConfig(ctx, changed); err != nil {
		t.Fatalf("UpsertStageConfig: %v", err)
	}
	if n, err := st.SeedStageConfigs(ctx, []store.StageConfig{seed}); err != nil || n != 0 {
		t.Fatalf("reseed = %d, %v", n, err)
	}

	got, err := st.GetStageConfig(ctx, "draft")
	if err != nil {
		t.Fatalf("GetStageConfig: %v", err)
	}
	if got.MaxConcurrency != 9 || got.Enabled {
		t.Fatalf("operator change overwritten: %+v", got)
	}
	enabled, err := st.ListStageConfigs(ctx, true)
	if err != nil {
		t.Fatalf("ListStageConfigs: %v", err)
	}
	if len(enabled) != 0 {
		t.Fatalf("expected no enabled stages, got %d", len(enabled))
	}
	if _, err := st.GetStageConfig(ctx, "qa"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStaleJobsUsesUpdatedAt(t *testing.T) {
	st, clock := newStore(t)
	ctx := context.Background()

	old, _ := createJob(t, st, "research", 3)
	clock.Advance(time.Hour)
	createJob(t, st, "research", 3)

	stale, err := st.StaleJobs(ctx, clock.Now().Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("StaleJobs: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("expected only the old job, got %d", len(stale))
	}
}
