package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/services"
	"conveyor/internal/store"
)

// SubmitJob creates a job at its first stage and enqueues the first message.
// When the enqueue fails the job is kept; its record stays pending without a
// message and the rescue sweep enqueues it later.
func (s *Service) SubmitJob(ctx context.Context, req SubmitRequest) (JobDetail, error) {
	if err := s.check(req); err != nil {
		return JobDetail{}, err
	}
	stageName := strings.TrimSpace(req.Stage)
	if stageName == "" {
		stageName = s.pipeline.First()
	}
	if !s.pipeline.Contains(stageName) {
		return JobDetail{}, validationError("stage %q is not part of the pipeline", stageName)
	}
	payload := bytes.TrimSpace(req.Payload)
	if len(payload) > 0 && !json.Valid(payload) {
		return JobDetail{}, validationError("payload is not valid JSON")
	}
	cfg, err := s.store.GetStageConfig(ctx, stageName)
	if errors.Is(err, store.ErrNotFound) {
		return JobDetail{}, fmt.Errorf("%w: stage %s has no configuration", services.ErrConfiguration, stageName)
	}
	if err != nil {
		return JobDetail{}, err
	}

	job, rec, err := s.store.CreateJob(ctx, store.NewJob{
		ID:                strings.TrimSpace(req.ID),
		Type:              strings.TrimSpace(req.Type),
		Payload:           json.RawMessage(payload),
		Stage:             stageName,
		Priority:          req.Priority,
		MaxAttempts:       orDefault(req.MaxAttempts, s.defaults.MaxAttempts),
		RetryDelaySeconds: orDefault(req.RetryDelaySeconds, s.defaults.RetryDelaySeconds),
		VisibilitySeconds: orDefault(req.VisibilitySeconds, s.defaults.VisibilitySeconds),
		DelaySeconds:      req.DelaySeconds,
	})
	if err != nil {
		return JobDetail{}, translate(err)
	}
	logger := s.logger.With(
		logging.JobID(job.ID),
		logging.Stage(stageName),
	)

	msgID, err := s.queue.Enqueue(ctx, cfg.Queue, queue.Body{JobID: job.ID, Stage: stageName, Payload: job.Payload}, queue.EnqueueOptions{
		Priority:     rec.Priority,
		DelaySeconds: req.DelaySeconds,
	})
	if err != nil {
		logging.WarnWithContext(logger, "job created but first enqueue failed", "job_enqueue_failed",
			logging.Queue(cfg.Queue),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the rescue sweep enqueues the job once the queue is reachable"),
		)
		return JobDetail{}, fmt.Errorf("enqueue job %s: %w", job.ID, translate(err))
	}
	if err := s.store.AttachMessage(ctx, job.ID, stageName, 0, msgID); err != nil && !errors.Is(err, store.ErrStale) {
		return JobDetail{}, err
	}
	logger.Info("job submitted",
		logging.Event("job_submitted"),
		logging.Queue(cfg.Queue),
		logging.MsgID(msgID),
		logging.Int("priority", rec.Priority),
		logging.Int("max_attempts", rec.MaxAttempts),
	)
	return s.GetJob(ctx, job.ID)
}

// GetJob returns a job with its stage records in pipeline order.
func (s *Service) GetJob(ctx context.Context, id string) (JobDetail, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return JobDetail{}, translate(err)
	}
	records, err := s.store.ListStageRecords(ctx, id)
	if err != nil {
		return JobDetail{}, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return s.stageIndex(records[i].Stage) < s.stageIndex(records[j].Stage)
	})
	detail := JobDetail{Job: FromJob(job), Stages: make([]StageRecord, 0, len(records))}
	for _, rec := range records {
		detail.Stages = append(detail.Stages, FromStageRecord(rec))
	}
	return detail, nil
}

// ListJobs returns jobs matching the query, newest first.
func (s *Service) ListJobs(ctx context.Context, query JobQuery) ([]Job, error) {
	if err := s.check(query); err != nil {
		return nil, err
	}
	jobs, err := s.store.ListJobs(ctx, store.JobFilter{
		Statuses: jobStatuses(query.Statuses),
		Stage:    strings.TrimSpace(query.Stage),
		Limit:    query.Limit,
	})
	if err != nil {
		return nil, err
	}
	return FromJobs(jobs), nil
}

// CancelJob fails a non-terminal job on operator request. Messages still
// queued for it are archived when a worker leases them.
func (s *Service) CancelJob(ctx context.Context, id, reason string) (Job, error) {
	job, err := s.store.CancelJob(ctx, id, reason)
	if err != nil {
		return Job{}, translate(err)
	}
	s.logger.Info("job cancelled",
		logging.Event("job_cancelled"),
		logging.JobID(job.ID),
		logging.Stage(job.Stage),
		logging.String("reason", job.LastError),
	)
	return FromJob(job), nil
}

func (s *Service) stageIndex(stage string) int {
	for i, name := range s.pipeline.Stages() {
		if name == stage {
			return i
		}
	}
	return len(s.pipeline.Stages())
}
