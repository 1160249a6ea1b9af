package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"conveyor/internal/services"
	"conveyor/internal/worker"
)

// PoolLauncher submits invocations to an in-process worker pool. A full pool
// is a launch error.
type PoolLauncher struct {
	Pool *worker.Pool
}

// Launch implements Launcher.
func (l PoolLauncher) Launch(_ context.Context, setting StageSetting, _ string) error {
	if l.Pool == nil {
		return errors.New("worker pool unavailable")
	}
	if err := l.Pool.Submit(setting.Stage); err != nil {
		if errors.Is(err, worker.ErrPoolSaturated) {
			return services.Wrap(services.ErrRateLimited, setting.Stage, "launch", "worker pool saturated", err)
		}
		return err
	}
	return nil
}

// TriggerRequest is the body HTTPLauncher posts to a worker endpoint.
type TriggerRequest struct {
	Stage  string `json:"stage"`
	Source string `json:"source,omitempty"`
}

// HTTPLauncher triggers a worker by POSTing to the stage's worker_endpoint.
// Any non-2xx response is a launch error.
type HTTPLauncher struct {
	client *http.Client
	token  string
}

// NewHTTPLauncher builds a launcher with the given per-request timeout.
func NewHTTPLauncher(timeout time.Duration, token string) *HTTPLauncher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLauncher{
		client: &http.Client{Timeout: timeout},
		token:  strings.TrimSpace(token),
	}
}

// Launch implements Launcher.
func (l *HTTPLauncher) Launch(ctx context.Context, setting StageSetting, source string) error {
	if strings.TrimSpace(setting.WorkerEndpoint) == "" {
		return services.Wrap(services.ErrConfiguration, setting.Stage, "launch", "worker_endpoint is empty", nil)
	}
	body, err := json.Marshal(TriggerRequest{Stage: setting.Stage, Source: source})
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, setting.WorkerEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		req.Header.Set("X-Request-ID", rid)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", setting.WorkerEndpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		marker := services.ErrExternalTool
		if resp.StatusCode == http.StatusTooManyRequests {
			marker = services.ErrRateLimited
		}
		return services.Wrap(marker, setting.Stage, "launch",
			fmt.Sprintf("worker endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))), nil)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
