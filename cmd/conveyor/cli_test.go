package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conveyor/internal/api"
	"conveyor/internal/dispatch"
	"conveyor/internal/rescue"
)

func TestConfigInitShowAndValidate(t *testing.T) {
	env := setupCLITestEnv(t, "\n[collaborators]\ntoken = \"collab-secret\"\n")

	out := mustRunCLI(t, env, "config", "validate")
	requireContains(t, out, "Configuration valid")

	out = mustRunCLI(t, env, "config", "show")
	requireContains(t, out, "<redacted>")
	if strings.Contains(out, "collab-secret") {
		t.Fatalf("expected token to be redacted, got %q", out)
	}

	target := filepath.Join(t.TempDir(), "config.toml")
	out = mustRunCLI(t, env, "config", "init", "--path", target)
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}
	if _, err := runCLI(t, env, "config", "init", "--path", target); err == nil {
		t.Fatal("expected init to refuse overwriting without --overwrite")
	}
}

func TestJobLifecycleCommands(t *testing.T) {
	env := setupCLITestEnv(t, "")

	var submitted api.JobDetail
	runJSON(t, env, &submitted, "job", "submit", "--type", "article", "--payload", `{"topic":"cli"}`, "--priority", "4")
	if submitted.Job.ID == "" || submitted.Job.Stage != "research" || submitted.Job.Priority != 4 {
		t.Fatalf("unexpected job %+v", submitted.Job)
	}

	out := mustRunCLI(t, env, "job", "show", submitted.Job.ID)
	requireContains(t, out, "Job "+submitted.Job.ID)
	requireContains(t, out, `{"topic":"cli"}`)
	requireContains(t, out, "research")

	var listed api.JobListResponse
	runJSON(t, env, &listed, "job", "list", "--status", "queued")
	if len(listed.Jobs) != 1 || listed.Jobs[0].ID != submitted.Job.ID {
		t.Fatalf("unexpected listing %+v", listed.Jobs)
	}

	out = mustRunCLI(t, env, "job", "cancel", submitted.Job.ID, "--reason", "operator stop")
	requireContains(t, out, "Cancelled job "+submitted.Job.ID)
	if _, err := runCLI(t, env, "job", "cancel", submitted.Job.ID); err == nil {
		t.Fatal("expected second cancel to fail")
	}
	if _, err := runCLI(t, env, "job", "submit"); err == nil {
		t.Fatal("expected submit without --type to fail")
	}
}

func TestWorkAndBacklogCommands(t *testing.T) {
	env := setupCLITestEnv(t, "")
	mustRunCLI(t, env, "job", "submit", "--type", "article")

	var results []workResult
	runJSON(t, env, &results, "work", "--stage", "research", "--count", "3")
	if len(results) != 2 || results[0].Outcome != "completed" || results[1].Outcome != "idle" {
		t.Fatalf("unexpected results %+v", results)
	}

	var backlog api.BacklogResponse
	runJSON(t, env, &backlog, "backlog")
	found := false
	for _, row := range backlog.Stages {
		if row.Stage == "outline" {
			found = true
			if row.Ready != 1 {
				t.Fatalf("expected outline ready 1, got %+v", row)
			}
		}
	}
	if !found {
		t.Fatalf("expected outline in backlog %+v", backlog.Stages)
	}

	if _, err := runCLI(t, env, "work"); err == nil {
		t.Fatal("expected work without --stage to fail")
	}
}

func TestDispatchCommandRunsPooledWorkers(t *testing.T) {
	env := setupCLITestEnv(t, "")
	var submitted api.JobDetail
	runJSON(t, env, &submitted, "job", "submit", "--type", "article")

	var summary dispatch.Summary
	runJSON(t, env, &summary, "dispatch", "--source", "test")
	if summary.Source != "test" || summary.Launched() != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	var detail api.JobDetail
	runJSON(t, env, &detail, "job", "show", submitted.Job.ID)
	if detail.Job.Stage != "outline" {
		t.Fatalf("expected job advanced to outline, got %s", detail.Job.Stage)
	}
}

func TestStagesCommands(t *testing.T) {
	env := setupCLITestEnv(t, "")

	out := mustRunCLI(t, env, "stages", "list")
	requireContains(t, out, "research")
	requireContains(t, out, "CONCURRENCY")

	var updated api.StageConfig
	runJSON(t, env, &updated, "stages", "set", "draft", "--max-concurrency", "7", "--disable")
	if updated.MaxConcurrency != 7 || updated.Enabled {
		t.Fatalf("unexpected update %+v", updated)
	}

	exportPath := filepath.Join(env.baseDir, "stages.yaml")
	mustRunCLI(t, env, "stages", "export", "--output", exportPath)
	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	requireContains(t, string(data), "max_concurrency: 7")

	applyPath := filepath.Join(env.baseDir, "apply.yaml")
	doc := "stages:\n  - stage: qa\n    max_concurrency: 9\n  - stage: draft\n    enabled: true\n"
	if err := os.WriteFile(applyPath, []byte(doc), 0o644); err != nil {
		t.Fatalf("write apply file: %v", err)
	}
	mustRunCLI(t, env, "stages", "apply", applyPath)

	var listed api.StageListResponse
	runJSON(t, env, &listed, "stages", "list")
	for _, sc := range listed.Stages {
		switch sc.Stage {
		case "qa":
			if sc.MaxConcurrency != 9 {
				t.Fatalf("expected qa concurrency 9, got %+v", sc)
			}
		case "draft":
			if !sc.Enabled || sc.MaxConcurrency != 7 {
				t.Fatalf("expected draft re-enabled with concurrency 7, got %+v", sc)
			}
		}
	}

	bad := filepath.Join(env.baseDir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("stages:\n  - stage: qa\n    max_concurrency: -1\n"), 0o644); err != nil {
		t.Fatalf("write bad file: %v", err)
	}
	if _, err := runCLI(t, env, "stages", "apply", bad); err == nil {
		t.Fatal("expected negative concurrency to be rejected")
	}
}

func TestDeadLetterQueueAndRescueCommands(t *testing.T) {
	env := setupCLITestEnv(t, "")

	out := mustRunCLI(t, env, "dlq", "list")
	requireContains(t, out, "No dead letters")
	if _, err := runCLI(t, env, "dlq", "replay", "research", "abc"); err == nil {
		t.Fatal("expected invalid message id to fail")
	}
	if _, err := runCLI(t, env, "dlq", "replay", "research", "99"); err == nil {
		t.Fatal("expected missing dead letter to fail")
	}

	mustRunCLI(t, env, "job", "submit", "--type", "article")
	out = mustRunCLI(t, env, "queue", "stats")
	requireContains(t, out, "research")

	var summary rescue.Summary
	runJSON(t, env, &summary, "rescue")
	if summary.Requeued != 0 {
		t.Fatalf("expected nothing to rescue for a fresh job, got %+v", summary)
	}
}

func TestStatusCommandReportsStoppedDaemon(t *testing.T) {
	env := setupCLITestEnv(t, "")
	mustRunCLI(t, env, "job", "submit", "--type", "article")

	var report statusReport
	runJSON(t, env, &report, "status")
	if report.Daemon.Running {
		t.Fatal("expected daemon to be reported stopped")
	}
	if report.Orchestrator.Jobs["queued"] != 1 {
		t.Fatalf("unexpected job counts %+v", report.Orchestrator.Jobs)
	}
	if len(report.Checks) == 0 {
		t.Fatal("expected dependency checks")
	}

	out := mustRunCLI(t, env, "status")
	requireContains(t, out, "Not running")
	requireContains(t, out, "== Dependencies ==")
}
