package daemon

import (
	"context"
	"testing"
	"time"

	"conveyor/internal/api"
	"conveyor/internal/backlog"
	"conveyor/internal/collab"
	"conveyor/internal/config"
	"conveyor/internal/dispatch"
	"conveyor/internal/pipeline"
	"conveyor/internal/rescue"
	"conveyor/internal/stage"
	"conveyor/internal/store"
	"conveyor/internal/testsupport"
	"conveyor/internal/worker"
)

type testDaemon struct {
	cfg    *config.Config
	store  *store.Store
	pool   *worker.Pool
	daemon *Daemon
}

func noEnv(string) (string, bool) { return "", false }

func newTestDaemon(t *testing.T, opts ...testsupport.ConfigOption) *testDaemon {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	clock := testsupport.NewClock(time.Time{})
	st := testsupport.MustOpenStore(t, cfg, store.WithClock(clock.Now))
	q := testsupport.MustOpenQueue(t, st, clock, config.DefaultStages...)
	testsupport.SeedStages(t, st, 2, 5, config.DefaultStages...)

	p, err := pipeline.New(config.DefaultStages)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	reg := stage.NewRegistry()
	for _, name := range config.DefaultStages {
		reg.Register(name, collab.Passthrough{Now: clock.Now})
	}
	w := worker.New(st, q, p, reg, worker.WithClock(clock.Now), worker.WithVisibility(60), worker.WithExtendInterval(0))
	pool := worker.NewPool(context.Background(), w, 2, nil)
	t.Cleanup(pool.Close)

	src := backlog.RecordsSource{Store: st}
	svc, err := api.NewService(api.Deps{
		Store:      st,
		Queue:      q,
		Pipeline:   p,
		Backlog:    src,
		Dispatcher: dispatch.New(st, src, dispatch.PoolLauncher{Pool: pool}, dispatch.WithLookup(noEnv), dispatch.WithClock(clock.Now)),
		Sweeper:    rescue.New(st, q, rescue.WithClock(clock.Now)),
		Worker:     w,
		Defaults:   api.DefaultsFromConfig(cfg),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	d, err := New(cfg, svc, pool, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Stop)
	return &testDaemon{cfg: cfg, store: st, pool: pool, daemon: d}
}

func TestDaemonStartStop(t *testing.T) {
	td := newTestDaemon(t)
	d := td.daemon
	ctx := context.Background()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.Orchestrator == nil || status.Orchestrator.Stages != len(config.DefaultStages) {
		t.Fatalf("unexpected orchestrator status %+v", status.Orchestrator)
	}
	if len(status.Schedules) != 2 || status.Schedules[0].Name != "dispatch" {
		t.Fatalf("unexpected schedules %+v", status.Schedules)
	}
	if d.server.address() == "" {
		t.Fatal("expected the API to listen")
	}

	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}
	running, err := IsRunning(td.cfg.Paths.DataDir)
	if err != nil {
		t.Fatalf("IsRunning: %v", err)
	}
	if !running {
		t.Fatal("expected the lock to be held")
	}

	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
	running, err = IsRunning(td.cfg.Paths.DataDir)
	if err != nil {
		t.Fatalf("IsRunning: %v", err)
	}
	if running {
		t.Fatal("expected the lock to be released")
	}
}

func TestSecondInstanceRefused(t *testing.T) {
	td := newTestDaemon(t)
	ctx := context.Background()
	if err := td.daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	other, err := New(td.cfg, td.daemon.service, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := other.Start(ctx); err == nil {
		other.Stop()
		t.Fatal("expected the second instance to be refused")
	}
}

func TestRescueScheduleOmittedWhenDisabled(t *testing.T) {
	td := newTestDaemon(t)
	td.cfg.Rescue.Enabled = false
	schedules := td.daemon.schedules()
	if len(schedules) != 1 || schedules[0].Name != "dispatch" {
		t.Fatalf("unexpected schedules %+v", schedules)
	}
}
