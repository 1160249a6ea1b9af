package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"conveyor/internal/config"
	"conveyor/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()

	if result := CheckRedis(context.Background(), addr, "", 0); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	mr.Close()
	if result := CheckRedis(context.Background(), addr, "", 0); result.Passed {
		t.Fatal("expected failure after server closed")
	}
	if result := CheckRedis(context.Background(), "", "", 0); result.Passed {
		t.Fatal("expected failure for missing address")
	}
}

func TestCheckEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	if result := CheckEndpoint(context.Background(), "draft", srv.URL+"/draft"); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	if result := CheckEndpoint(context.Background(), "draft", "not a url"); result.Passed {
		t.Fatal("expected failure for invalid endpoint")
	}
}

func TestCheckEndpoint_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if result := CheckEndpoint(context.Background(), "draft", srv.URL); result.Passed {
		t.Fatal("expected failure for 5xx")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_SQLiteConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	results := RunAll(context.Background(), cfg)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d: %+v", len(results), results)
	}
	if n := Failed(results); n != 0 {
		t.Fatalf("expected all checks to pass, got %+v", results)
	}
}

func TestRunAll_IncludesRedisAndCollaborators(t *testing.T) {
	mr := miniredis.RunT(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithQueueBackend(config.QueueRedis))
	cfg.Queue.RedisAddr = mr.Addr()
	cfg.Collaborators.Endpoints = map[string]string{"qa": srv.URL, "draft": srv.URL}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	results := RunAll(context.Background(), cfg)
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Name)
		if !r.Passed {
			t.Errorf("check %q failed: %s", r.Name, r.Detail)
		}
	}
	want := []string{"Data directory", "Log directory", "Storage (sqlite)", "Redis", "Collaborator draft", "Collaborator qa"}
	if len(names) != len(want) {
		t.Fatalf("unexpected checks %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("check %d = %q, want %q", i, names[i], want[i])
		}
	}
}
