package daemon

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"conveyor/internal/api"
	"conveyor/internal/dispatch"
	"conveyor/internal/services"
	"conveyor/internal/testsupport"
	"conveyor/internal/worker"
)

func serve(t *testing.T, td *testDaemon, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	w := httptest.NewRecorder()
	td.daemon.server.server.Handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func nextResult(t *testing.T, pool *worker.Pool) worker.Result {
	t.Helper()
	select {
	case res := <-pool.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a pool result")
	}
	return worker.Result{}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	td := newTestDaemon(t, testsupport.WithAPIToken("secret"))

	if w := serve(t, td, http.MethodGet, "/stages", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	wrong := http.Header{"Authorization": []string{"Bearer nope"}}
	if w := serve(t, td, http.MethodGet, "/stages", nil, wrong); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}
	right := http.Header{"Authorization": []string{"Bearer secret"}}
	w := serve(t, td, http.MethodGet, "/stages", nil, right)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}
	var resp api.StageListResponse
	decodeBody(t, w, &resp)
	if len(resp.Stages) != 6 {
		t.Fatalf("expected 6 stages, got %d", len(resp.Stages))
	}
}

func TestAPISubmitAndInspectJob(t *testing.T) {
	td := newTestDaemon(t)

	w := serve(t, td, http.MethodPost, "/jobs", api.SubmitRequest{Type: "article", Payload: json.RawMessage(`{"topic":"chi"}`)}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created api.JobDetail
	decodeBody(t, w, &created)
	if created.Job.ID == "" || created.Job.Stage != "research" {
		t.Fatalf("unexpected job %+v", created.Job)
	}

	w = serve(t, td, http.MethodGet, "/jobs/"+created.Job.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var fetched api.JobDetail
	decodeBody(t, w, &fetched)
	if len(fetched.Stages) != 1 || fetched.Stages[0].MsgID == 0 {
		t.Fatalf("unexpected stages %+v", fetched.Stages)
	}

	w = serve(t, td, http.MethodGet, "/jobs?status=queued&limit=10", nil, nil)
	var listed api.JobListResponse
	decodeBody(t, w, &listed)
	if len(listed.Jobs) != 1 {
		t.Fatalf("expected 1 queued job, got %d", len(listed.Jobs))
	}

	w = serve(t, td, http.MethodGet, "/backlog", nil, nil)
	var backlog api.BacklogResponse
	decodeBody(t, w, &backlog)
	if backlog.Stages[0].Stage != "research" || backlog.Stages[0].Ready != 1 {
		t.Fatalf("unexpected backlog %+v", backlog.Stages)
	}
}

func TestAPIErrorStatuses(t *testing.T) {
	td := newTestDaemon(t)

	w := serve(t, td, http.MethodPost, "/jobs", map[string]any{"payload": map[string]any{}}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing type, got %d", w.Code)
	}
	var resp map[string]string
	decodeBody(t, w, &resp)
	if resp["error"] == "" {
		t.Fatal("expected an error message")
	}

	if w := serve(t, td, http.MethodPost, "/jobs", map[string]any{"type": "a", "colour": "red"}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", w.Code)
	}
	if w := serve(t, td, http.MethodGet, "/jobs/missing", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := serve(t, td, http.MethodDelete, "/status", nil, nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}

	w = serve(t, td, http.MethodPost, "/jobs", api.SubmitRequest{Type: "article"}, nil)
	var created api.JobDetail
	decodeBody(t, w, &created)
	cancelPath := "/jobs/" + created.Job.ID + "/cancel"
	if w := serve(t, td, http.MethodPost, cancelPath, api.CancelRequest{Reason: "stop"}, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 cancelling, got %d", w.Code)
	}
	if w := serve(t, td, http.MethodPost, cancelPath, nil, nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 cancelling twice, got %d", w.Code)
	}
}

func TestAPIUpsertStage(t *testing.T) {
	td := newTestDaemon(t)

	mismatch := map[string]any{"stage": "qa", "max_concurrency": 1}
	if w := serve(t, td, http.MethodPut, "/stages/draft", mismatch, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for mismatched stage, got %d", w.Code)
	}
	w := serve(t, td, http.MethodPut, "/stages/draft", map[string]any{"max_concurrency": 7}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var cfg api.StageConfig
	decodeBody(t, w, &cfg)
	if cfg.Stage != "draft" || cfg.MaxConcurrency != 7 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestAPIWorkerTriggerRunsOnPool(t *testing.T) {
	td := newTestDaemon(t)
	serve(t, td, http.MethodPost, "/jobs", api.SubmitRequest{Type: "article"}, nil)

	trigger := dispatch.TriggerRequest{Stage: "research", Source: "test"}
	w := serve(t, td, http.MethodPost, "/workers/research", trigger, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	res := nextResult(t, td.pool)
	if res.Stage != "research" || res.Outcome != worker.OutcomeCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	if w := serve(t, td, http.MethodPost, "/workers/publish", trigger, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown stage, got %d", w.Code)
	}
}

func TestAPIDispatchLaunchesWorkers(t *testing.T) {
	td := newTestDaemon(t)
	serve(t, td, http.MethodPost, "/jobs", api.SubmitRequest{Type: "article"}, nil)

	w := serve(t, td, http.MethodPost, "/dispatch", map[string]string{"source": "test"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var summary dispatch.Summary
	decodeBody(t, w, &summary)
	if summary.Source != "test" || summary.Launched() != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if res := nextResult(t, td.pool); res.Outcome != worker.OutcomeCompleted {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
}

func TestAPIDeadLettersAndRescue(t *testing.T) {
	td := newTestDaemon(t)

	w := serve(t, td, http.MethodGet, "/dead-letters?limit=5", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var letters api.DeadLetterListResponse
	decodeBody(t, w, &letters)
	if len(letters.DeadLetters) != 0 {
		t.Fatalf("expected no dead letters, got %+v", letters.DeadLetters)
	}
	if w := serve(t, td, http.MethodPost, "/dead-letters/research/abc/replay", nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", w.Code)
	}
	if w := serve(t, td, http.MethodPost, "/dead-letters/research/41/replay", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing entry, got %d", w.Code)
	}
	if w := serve(t, td, http.MethodPost, "/rescue", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 from rescue, got %d", w.Code)
	}
	w = serve(t, td, http.MethodGet, "/status", nil, nil)
	var status Status
	decodeBody(t, w, &status)
	if status.Pool == nil || status.Pool.Size != 2 {
		t.Fatalf("unexpected pool status %+v", status.Pool)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{services.ErrValidation, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", services.ErrNotFound), http.StatusNotFound},
		{services.ErrConflict, http.StatusConflict},
		{services.ErrConfiguration, http.StatusUnprocessableEntity},
		{services.ErrRateLimited, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
