package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"conveyor/internal/stage"
	"conveyor/internal/testsupport"
	"conveyor/internal/worker"
)

func TestPoolRejectsWhenSaturatedAndReportsResults(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h.registry.Register("research", stage.HandlerFunc(func(context.Context, stage.Request) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`{}`), nil
	}))
	testsupport.NewJob(t, h.store, h.queue, "research", 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := worker.NewPool(ctx, h.worker, 1, nil)

	if err := pool.Submit("research"); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	if err := pool.Submit("research"); !errors.Is(err, worker.ErrPoolSaturated) {
		t.Fatalf("expected saturation, got %v", err)
	}
	if stats := pool.Stats(); stats.Active != 1 || stats.Rejected != 1 {
		t.Fatalf("stats while busy = %+v", stats)
	}

	close(release)
	select {
	case res := <-pool.Results():
		if res.Outcome != worker.OutcomeCompleted || res.Err != nil {
			t.Fatalf("result = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result delivered")
	}

	pool.Close()
	if err := pool.Submit("research"); !errors.Is(err, worker.ErrPoolClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if _, ok := <-pool.Results(); ok {
		t.Fatal("results channel should be closed")
	}
	if got := pool.Stats().Outcomes[string(worker.OutcomeCompleted)]; got != 1 {
		t.Fatalf("completed count = %d", got)
	}
}

func TestPoolReportsInfrastructureErrors(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := worker.NewPool(ctx, h.worker, 2, nil)

	if err := pool.Submit("unconfigured"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := <-pool.Results()
	if res.Outcome != worker.OutcomeError || res.Err == nil {
		t.Fatalf("result = %+v, want error outcome", res)
	}
	pool.Close()
}
