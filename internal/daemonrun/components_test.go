package daemonrun_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"conveyor/internal/api"
	"conveyor/internal/config"
	"conveyor/internal/daemonrun"
	"conveyor/internal/testsupport"
	"conveyor/internal/worker"
)

func openComponents(t *testing.T, opts ...testsupport.ConfigOption) *daemonrun.Components {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	c, err := daemonrun.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpenSeedsStagesAndQueues(t *testing.T) {
	c := openComponents(t)
	ctx := context.Background()

	stages, err := c.Service.ListStages(ctx)
	if err != nil {
		t.Fatalf("ListStages: %v", err)
	}
	if len(stages) != len(config.DefaultStages) {
		t.Fatalf("expected %d seeded stages, got %d", len(config.DefaultStages), len(stages))
	}
	for i, sc := range stages {
		if sc.Stage != config.DefaultStages[i] || !sc.Enabled {
			t.Fatalf("unexpected stage %d: %+v", i, sc)
		}
	}
	stats, err := c.Service.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if len(stats) == 0 {
		t.Fatal("expected registered queues")
	}
}

func TestDispatchRunsOnInProcessPool(t *testing.T) {
	c := openComponents(t)
	ctx := context.Background()
	c.DrainResults()

	detail, err := c.Service.SubmitJob(ctx, api.SubmitRequest{Type: "article"})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	summary, err := c.Service.Dispatch(ctx, "test")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if summary.Launched() != 1 {
		t.Fatalf("expected one launch, got %+v", summary)
	}
	// Close waits for the launched invocation.
	c.Pool.Close()

	after, err := c.Service.GetJob(ctx, detail.Job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if after.Job.Stage != "outline" {
		t.Fatalf("expected job advanced to outline, got %s", after.Job.Stage)
	}
}

func TestOpenWithBadgerQueue(t *testing.T) {
	c := openComponents(t, testsupport.WithQueueBackend(config.QueueBadger))
	ctx := context.Background()

	if _, err := c.Service.SubmitJob(ctx, api.SubmitRequest{Type: "article"}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	results, err := c.Service.Work(ctx, "research", 3)
	if err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(results) == 0 || results[0].Outcome != worker.OutcomeCompleted {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	if pid := daemonrun.ReadPID(dir); pid != 0 {
		t.Fatalf("expected 0 without a pid file, got %d", pid)
	}
	if err := os.WriteFile(filepath.Join(dir, daemonrun.PIDFileName), []byte("4242\n"), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	if pid := daemonrun.ReadPID(dir); pid != 4242 {
		t.Fatalf("expected 4242, got %d", pid)
	}
}
