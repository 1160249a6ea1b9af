package main

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"conveyor/internal/config"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("Conveyor", statusError, "Not running", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Conveyor:", "[ERROR] Not running")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	got := renderStatusLine("Conveyor", statusOK, "Running", true)
	if !strings.HasPrefix(got, ansiGreen) || !strings.HasSuffix(got, ansiReset) {
		t.Fatalf("expected green line, got %q", got)
	}
}

func TestShouldColorizeNonFile(t *testing.T) {
	if shouldColorize(io.Discard) {
		t.Fatalf("expected non-file writer to disable color")
	}
}

func TestRenderTableAlignsColumns(t *testing.T) {
	out := renderTable([]string{"Stage", "Ready"}, [][]string{{"research", "12"}, {"qa"}}, []columnAlignment{alignLeft, alignRight})
	if !strings.Contains(out, "research") || !strings.Contains(out, "12") {
		t.Fatalf("unexpected table %q", out)
	}
	if renderTable(nil, nil, nil) != "" {
		t.Fatal("expected empty table without headers")
	}
}

func TestRedactConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.APIToken = "tok"
	cfg.Queue.RedisPassword = "pw"
	cfg.Storage.PostgresDSN = "postgres://conveyor:hunter2@db:5432/conveyor"

	shown := redactConfig(cfg)
	if shown.Paths.APIToken != redacted || shown.Queue.RedisPassword != redacted {
		t.Fatalf("expected secrets redacted, got %+v", shown.Paths)
	}
	if strings.Contains(shown.Storage.PostgresDSN, "hunter2") || !strings.Contains(shown.Storage.PostgresDSN, "db:5432") {
		t.Fatalf("unexpected dsn %q", shown.Storage.PostgresDSN)
	}
	if cfg.Paths.APIToken != "tok" {
		t.Fatal("expected original config untouched")
	}
	if got := redactDSN("host=db password=x"); got != redacted {
		t.Fatalf("expected keyword dsn hidden, got %q", got)
	}
}

func TestReadPayload(t *testing.T) {
	raw, err := readPayload(strings.NewReader(`{"a":1}`), "", "-")
	if err != nil || string(raw) != `{"a":1}` {
		t.Fatalf("stdin payload = %q, %v", raw, err)
	}
	if _, err := readPayload(nil, "{}", "file.json"); err == nil {
		t.Fatal("expected both sources to be rejected")
	}
	raw, err = readPayload(nil, "", "")
	if err != nil || raw != nil {
		t.Fatalf("expected no payload, got %q, %v", raw, err)
	}
}
