package testsupport

import (
	"context"
	"encoding/json"
	"testing"

	"conveyor/internal/config"
	"conveyor/internal/queue"
	"conveyor/internal/queue/sqlq"
	"conveyor/internal/sqldb"
	"conveyor/internal/store"
)

// MustOpenDB opens the configured SQLite database and registers cleanup.
func MustOpenDB(t testing.TB, cfg *config.Config) *sqldb.DB {
	t.Helper()

	db, err := sqldb.OpenSQLite(context.Background(), cfg.Storage.SQLitePath)
	if err != nil {
		t.Fatalf("sqldb.OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// MustOpenStore opens a store for tests. Closing is handled by MustOpenDB.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...store.Option) *store.Store {
	t.Helper()
	return store.New(MustOpenDB(t, cfg), opts...)
}

// MustOpenQueue builds a relational queue on the store's database and
// registers the named queues.
func MustOpenQueue(t testing.TB, st *store.Store, clock *Clock, names ...string) *sqlq.Queue {
	t.Helper()

	var opts []sqlq.Option
	if clock != nil {
		opts = append(opts, sqlq.WithClock(clock.Now))
	}
	q := sqlq.New(st.DB(), opts...)
	for _, name := range names {
		if err := q.EnsureQueue(context.Background(), name); err != nil {
			t.Fatalf("EnsureQueue(%s): %v", name, err)
		}
	}
	return q
}

// SeedStages writes enabled stage configs whose queue equals the stage name.
func SeedStages(t testing.TB, st *store.Store, concurrency, batch int, stages ...string) {
	t.Helper()

	seeds := make([]store.StageConfig, 0, len(stages))
	for _, stage := range stages {
		seeds = append(seeds, store.StageConfig{
			Stage:            stage,
			Queue:            stage,
			WorkerEndpoint:   "http://127.0.0.1/workers/" + stage,
			MaxConcurrency:   concurrency,
			TriggerBatchSize: batch,
			Enabled:          true,
		})
	}
	if _, err := st.SeedStageConfigs(context.Background(), seeds); err != nil {
		t.Fatalf("SeedStageConfigs: %v", err)
	}
}

// NewJob creates a job at stage and enqueues its first message.
func NewJob(t testing.TB, st *store.Store, q queue.Queue, stage string, maxAttempts int) (*store.Job, int64) {
	t.Helper()

	ctx := context.Background()
	job, rec, err := st.CreateJob(ctx, store.NewJob{
		Type:              "article",
		Payload:           json.RawMessage(`{"topic":"test"}`),
		Stage:             stage,
		MaxAttempts:       maxAttempts,
		RetryDelaySeconds: 30,
		VisibilitySeconds: 300,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	msgID, err := q.Enqueue(ctx, stage, queue.Body{JobID: job.ID, Stage: stage, Payload: job.Payload}, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := st.AttachMessage(ctx, job.ID, rec.Stage, 0, msgID); err != nil {
		t.Fatalf("AttachMessage: %v", err)
	}
	return job, msgID
}
