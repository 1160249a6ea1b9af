package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"conveyor/internal/api"
	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/services"
	"conveyor/internal/worker"
)

const maxRequestBytes = 1 << 20

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}
	srv.server = &http.Server{
		Handler:           srv.routes(strings.TrimSpace(cfg.Paths.APIToken)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) routes(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestContext)
	r.Use(middleware.Recoverer)
	r.Use(authMiddleware(token))

	r.Get("/status", s.handleStatus)
	r.Get("/backlog", s.handleBacklog)
	r.Post("/dispatch", s.handleDispatch)
	r.Post("/rescue", s.handleRescue)
	r.Post("/workers/{stage}", s.handleWorkerTrigger)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Post("/", s.handleSubmitJob)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
	})
	r.Route("/stages", func(r chi.Router) {
		r.Get("/", s.handleListStages)
		r.Put("/{stage}", s.handleUpsertStage)
	})
	r.Route("/dead-letters", func(r chi.Router) {
		r.Get("/", s.handleListDeadLetters)
		r.Post("/{queue}/{msgID}/replay", s.handleReplayDeadLetter)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// requestContext carries chi's request id into the service context so log
// lines from the request share a correlation id.
func (s *apiServer) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := services.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s.listener == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	s.listener = nil
}

func (s *apiServer) address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleBacklog(w http.ResponseWriter, r *http.Request) {
	rows, err := s.daemon.service.Backlog(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.BacklogResponse{Stages: rows})
}

func (s *apiServer) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if !s.decodeOptional(w, r, &req) {
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "api"
	}
	summary, err := s.daemon.service.Dispatch(r.Context(), source)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *apiServer) handleRescue(w http.ResponseWriter, r *http.Request) {
	summary, err := s.daemon.service.Rescue(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleWorkerTrigger is the target of HTTP launchers. The invocation runs on
// the daemon's pool, not the request goroutine.
func (s *apiServer) handleWorkerTrigger(w http.ResponseWriter, r *http.Request) {
	stage := chi.URLParam(r, "stage")
	if !s.daemon.service.HasStage(stage) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown stage %q", stage))
		return
	}
	if s.daemon.pool == nil {
		s.writeError(w, http.StatusServiceUnavailable, "worker pool not running")
		return
	}
	if err := s.daemon.pool.Submit(stage); err != nil {
		switch {
		case errors.Is(err, worker.ErrPoolSaturated):
			s.writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, worker.ErrPoolClosed):
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.writeServiceError(w, r, err)
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.WorkerTriggerResponse{Stage: stage, Accepted: true})
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	jq := api.JobQuery{Stage: strings.TrimSpace(query.Get("stage"))}
	for _, value := range query["status"] {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				jq.Statuses = append(jq.Statuses, trimmed)
			}
		}
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		jq.Limit = limit
	}
	jobs, err := s.daemon.service.ListJobs(r.Context(), jq)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: jobs})
}

func (s *apiServer) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	if !s.decode(w, r, &req) {
		return
	}
	detail, err := s.daemon.service.SubmitJob(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, detail)
}

func (s *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	detail, err := s.daemon.service.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *apiServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var req api.CancelRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	job, err := s.daemon.service.CancelJob(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *apiServer) handleListStages(w http.ResponseWriter, r *http.Request) {
	stages, err := s.daemon.service.ListStages(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StageListResponse{Stages: stages})
}

func (s *apiServer) handleUpsertStage(w http.ResponseWriter, r *http.Request) {
	var update api.StageUpdate
	if !s.decode(w, r, &update) {
		return
	}
	stage := chi.URLParam(r, "stage")
	if update.Stage != "" && update.Stage != stage {
		s.writeError(w, http.StatusBadRequest, "stage in body does not match the path")
		return
	}
	update.Stage = stage
	cfg, err := s.daemon.service.UpsertStage(r.Context(), update)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *apiServer) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	includeReplayed, _ := strconv.ParseBool(query.Get("include_replayed"))
	letters, err := s.daemon.service.ListDeadLetters(r.Context(), query.Get("queue"), limit, includeReplayed)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.DeadLetterListResponse{DeadLetters: letters})
}

func (s *apiServer) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	msgID, err := strconv.ParseInt(chi.URLParam(r, "msgID"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	result, err := s.daemon.service.ReplayDeadLetter(r.Context(), chi.URLParam(r, "queue"), msgID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (s *apiServer) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *apiServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.WithContext(r.Context(), s.logger).Error("api request failed",
			logging.Event("api_request_failed"),
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Error(err),
		)
	}
	s.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
