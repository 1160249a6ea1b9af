package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"conveyor/internal/logging"
	"conveyor/internal/services"
	"conveyor/internal/stage"
)

const (
	defaultTimeout  = 120 * time.Second
	maxErrorBodyLen = 512
)

// request is the JSON body posted to a collaborator.
type request struct {
	JobID       string          `json:"job_id"`
	JobType     string          `json:"job_type,omitempty"`
	Stage       string          `json:"stage"`
	Payload     json.RawMessage `json:"payload"`
	Upstream    json.RawMessage `json:"upstream,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
}

// HTTPHandler runs a stage by POSTing the attempt to an external endpoint.
// A 2xx response body is the stage output.
type HTTPHandler struct {
	stage      string
	endpoint   string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Option customizes an HTTPHandler.
type Option func(*HTTPHandler)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(h *HTTPHandler) {
		if client != nil {
			h.httpClient = client
		}
	}
}

// WithLimiter shares a rate limiter across handlers. Nil disables limiting.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(h *HTTPHandler) {
		h.limiter = limiter
	}
}

// WithLogger sets the handler's base logger. Per-request fields are added
// from the context.
func WithLogger(logger *slog.Logger) Option {
	return func(h *HTTPHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithToken sets the bearer token sent with each request.
func WithToken(token string) Option {
	return func(h *HTTPHandler) {
		h.token = strings.TrimSpace(token)
	}
}

// NewHTTPHandler constructs a handler for stageName posting to endpoint.
func NewHTTPHandler(stageName, endpoint string, timeout time.Duration, opts ...Option) *HTTPHandler {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	h := &HTTPHandler{
		stage:      stageName,
		endpoint:   strings.TrimSpace(endpoint),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewLimiter builds the shared collaborator limiter. A non-positive rate
// disables limiting.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Process implements stage.Handler.
func (h *HTTPHandler) Process(ctx context.Context, req stage.Request) (json.RawMessage, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, services.Wrap(services.ErrRateLimited, h.stage, "wait for rate limiter",
				"Collaborator rate limit reached", err)
		}
	}

	encoded, err := json.Marshal(request{
		JobID:       req.JobID,
		JobType:     req.JobType,
		Stage:       req.Stage,
		Payload:     req.Payload,
		Upstream:    req.Upstream,
		Attempt:     req.Attempt,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, h.stage, "encode request", "", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, h.stage, "build request",
			"Collaborator endpoint is invalid", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if h.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.token)
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		httpReq.Header.Set("X-Request-ID", rid)
	}

	started := time.Now()
	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(h.stage, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, h.stage, "read response", "", err)
	}

	logging.WithContext(ctx, h.logger).Debug("collaborator responded",
		logging.String("endpoint", h.endpoint),
		logging.Int("status", resp.StatusCode),
		logging.Duration("elapsed", time.Since(started)),
	)

	if err := classifyStatus(h.stage, resp.StatusCode, body); err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, services.Wrap(services.ErrExternalTool, h.stage, "decode response",
			"Collaborator returned a non-JSON body", nil)
	}
	return json.RawMessage(body), nil
}

// HealthCheck implements stage.Handler.
func (h *HTTPHandler) HealthCheck(context.Context) stage.Health {
	if h.endpoint == "" {
		return stage.Unhealthy(h.stage, "endpoint not configured")
	}
	parsed, err := url.Parse(h.endpoint)
	if err != nil || parsed.Host == "" {
		return stage.Unhealthy(h.stage, fmt.Sprintf("invalid endpoint %q", h.endpoint))
	}
	return stage.Available(h.stage, parsed.Host)
}

func classifyTransportError(stageName string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return services.Wrap(services.ErrTimeout, stageName, "call collaborator", "Collaborator timed out", err)
	case errors.Is(err, context.Canceled):
		return services.Wrap(services.ErrTransient, stageName, "call collaborator", "Request cancelled", err)
	default:
		return services.Wrap(services.ErrTransient, stageName, "call collaborator", "Collaborator unreachable", err)
	}
}

func classifyStatus(stageName string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxErrorBodyLen {
		detail = detail[:maxErrorBodyLen]
	}
	message := fmt.Sprintf("collaborator returned %d", status)
	if detail != "" {
		message += ": " + detail
	}

	var marker error
	switch {
	case status == http.StatusTooManyRequests:
		marker = services.ErrRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		marker = services.ErrTimeout
	case status >= 500:
		marker = services.ErrTransient
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		marker = services.ErrConfiguration
	case status == http.StatusNotFound || status == http.StatusGone:
		marker = services.ErrNotFound
	case status == http.StatusConflict:
		marker = services.ErrConflict
	default:
		marker = services.ErrValidation
	}
	return services.Wrap(marker, stageName, "call collaborator", message, nil)
}
