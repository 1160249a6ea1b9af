package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"conveyor/internal/dispatch"
	"conveyor/internal/services"
	"conveyor/internal/store"
	"conveyor/internal/testsupport"
)

type fixedBacklog map[string]store.StageBacklog

func (f fixedBacklog) Backlog(_ context.Context, stages []*store.StageConfig) (map[string]store.StageBacklog, error) {
	out := make(map[string]store.StageBacklog, len(stages))
	for _, cfg := range stages {
		entry := f[cfg.Stage]
		entry.Stage = cfg.Stage
		out[cfg.Stage] = entry
	}
	return out, nil
}

type recordingLauncher struct {
	calls  map[string]int
	failAt map[string]int
}

func (l *recordingLauncher) Launch(_ context.Context, setting dispatch.StageSetting, _ string) error {
	if l.calls == nil {
		l.calls = make(map[string]int)
	}
	if n, ok := l.failAt[setting.Stage]; ok && l.calls[setting.Stage] == n {
		return errors.New("endpoint unavailable")
	}
	l.calls[setting.Stage]++
	return nil
}

func noEnv(string) (string, bool) { return "", false }

func newStore(t *testing.T, concurrency, batch int, stages ...string) *store.Store {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.SeedStages(t, st, concurrency, batch, stages...)
	return st
}

func TestLaunchCount(t *testing.T) {
	tests := []struct {
		name                        string
		max, inflight, ready, batch int
		want                        int
	}{
		{"free slots bound", 4, 2, 5, 10, 2},
		{"ready bound", 4, 0, 1, 10, 1},
		{"batch bound", 10, 0, 20, 3, 3},
		{"saturated", 4, 4, 5, 10, 0},
		{"over cap never negative", 2, 5, 5, 10, 0},
		{"nothing ready", 4, 0, 0, 10, 0},
		{"disabled", 0, 0, 5, 10, 0},
		{"zero batch", 4, 0, 5, 0, 0},
		{"negative batch", 4, 0, 5, -1, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := dispatch.LaunchCount(tc.max, tc.inflight, tc.ready, tc.batch); got != tc.want {
				t.Fatalf("LaunchCount(%d,%d,%d,%d) = %d, want %d", tc.max, tc.inflight, tc.ready, tc.batch, got, tc.want)
			}
		})
	}
}

func TestRunLaunchesFreeConcurrency(t *testing.T) {
	st := newStore(t, 4, 10, "research")
	launcher := &recordingLauncher{}
	d := dispatch.New(st, fixedBacklog{"research": {ReadyCount: 5, InflightCount: 2}}, launcher, dispatch.WithLookup(noEnv))

	summary, err := d.Run(context.Background(), "cron")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if launcher.calls["research"] != 2 {
		t.Fatalf("launched %d, want 2", launcher.calls["research"])
	}
	if len(summary.Dispatches) != 1 || summary.Dispatches[0].WorkersTriggered != 2 || summary.Dispatches[0].Queue != "research" {
		t.Fatalf("unexpected dispatches: %+v", summary.Dispatches)
	}
	if summary.Source != "cron" || len(summary.Errors) != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestRunSkipsDisabledAndIdleStages(t *testing.T) {
	st := newStore(t, 4, 10, "research", "outline", "draft")
	cfg, err := st.GetStageConfig(context.Background(), "draft")
	if err != nil {
		t.Fatalf("GetStageConfig: %v", err)
	}
	cfg.Enabled = false
	if _, err := st.UpsertStageConfig(context.Background(), *cfg); err != nil {
		t.Fatalf("UpsertStageConfig: %v", err)
	}

	launcher := &recordingLauncher{}
	d := dispatch.New(st, fixedBacklog{
		"research": {ReadyCount: 0},
		"outline":  {ReadyCount: 3, InflightCount: 4},
		"draft":    {ReadyCount: 3},
	}, launcher, dispatch.WithLookup(noEnv))

	summary, err := d.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(launcher.calls) != 0 || summary.Launched() != 0 {
		t.Fatalf("expected no launches, got %v", launcher.calls)
	}
	if summary.Message != "no workers needed" {
		t.Fatalf("message = %q", summary.Message)
	}
}

func TestRunAppliesEnvironmentOverrides(t *testing.T) {
	st := newStore(t, 4, 10, "research", "outline")
	env := map[string]string{
		"CONVEYOR_RESEARCH_MAX_CONCURRENCY": "1",
		"CONVEYOR_OUTLINE_MAX_CONCURRENCY":  "lots",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	launcher := &recordingLauncher{}
	d := dispatch.New(st, fixedBacklog{
		"research": {ReadyCount: 5},
		"outline":  {ReadyCount: 5},
	}, launcher, dispatch.WithLookup(lookup))

	if _, err := d.Run(context.Background(), "manual"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if launcher.calls["research"] != 1 {
		t.Fatalf("research launched %d, want override of 1", launcher.calls["research"])
	}
	if launcher.calls["outline"] != 4 {
		t.Fatalf("outline launched %d, want config value 4 when override is not numeric", launcher.calls["outline"])
	}
}

func TestRunZeroOverrideDisablesStage(t *testing.T) {
	st := newStore(t, 4, 10, "research")
	t.Setenv("CONVEYOR_RESEARCH_MAX_CONCURRENCY", "0")
	launcher := &recordingLauncher{}
	d := dispatch.New(st, fixedBacklog{"research": {ReadyCount: 5}}, launcher)

	if _, err := d.Run(context.Background(), ""); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if launcher.calls["research"] != 0 {
		t.Fatalf("launched %d with zero override", launcher.calls["research"])
	}
}

func TestRunStopsStageOnFirstLaunchError(t *testing.T) {
	st := newStore(t, 4, 10, "outline", "research")
	launcher := &recordingLauncher{failAt: map[string]int{"outline": 1}}
	d := dispatch.New(st, fixedBacklog{
		"outline":  {ReadyCount: 5},
		"research": {ReadyCount: 2},
	}, launcher, dispatch.WithLookup(noEnv))

	summary, err := d.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if launcher.calls["outline"] != 1 {
		t.Fatalf("outline launched %d, want 1 before the failure", launcher.calls["outline"])
	}
	if launcher.calls["research"] != 2 {
		t.Fatalf("research launched %d, want 2", launcher.calls["research"])
	}
	if len(summary.Errors) != 1 {
		t.Fatalf("errors = %v", summary.Errors)
	}
	if summary.Launched() != 3 {
		t.Fatalf("total launched = %d", summary.Launched())
	}
}

func TestHTTPLauncherPostsTrigger(t *testing.T) {
	var got dispatch.TriggerRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		if r.URL.Path == "/workers/outline" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	l := dispatch.NewHTTPLauncher(time.Second, "tok")
	if err := l.Launch(context.Background(), dispatch.StageSetting{Stage: "research", WorkerEndpoint: srv.URL + "/workers/research"}, "cron"); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if got.Stage != "research" || got.Source != "cron" || auth != "Bearer tok" {
		t.Fatalf("trigger = %+v auth %q", got, auth)
	}

	err := l.Launch(context.Background(), dispatch.StageSetting{Stage: "outline", WorkerEndpoint: srv.URL + "/workers/outline"}, "")
	if !errors.Is(err, services.ErrRateLimited) {
		t.Fatalf("expected rate limited launch error, got %v", err)
	}
	if err := l.Launch(context.Background(), dispatch.StageSetting{Stage: "qa"}, ""); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for empty endpoint, got %v", err)
	}
}
