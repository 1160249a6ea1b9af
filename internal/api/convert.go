package api

import (
	"time"

	"conveyor/internal/pipeline"
	"conveyor/internal/queue"
	"conveyor/internal/store"
)

// FromJob converts a store job into its DTO.
func FromJob(job *store.Job) Job {
	if job == nil {
		return Job{}
	}
	return Job{
		ID:              job.ID,
		Type:            job.Type,
		Status:          string(job.Status),
		Stage:           job.Stage,
		StageLabel:      pipeline.Label(job.Stage),
		Priority:        job.Priority,
		AttemptCount:    job.AttemptCount,
		MaxAttempts:     job.MaxAttempts,
		LastError:       job.LastError,
		Payload:         job.Payload,
		CreatedAt:       formatTime(job.CreatedAt),
		UpdatedAt:       formatTime(job.UpdatedAt),
		LastQueuedAt:    formatTimePtr(job.LastQueuedAt),
		LastCompletedAt: formatTimePtr(job.LastCompletedAt),
		LastFailedAt:    formatTimePtr(job.LastFailedAt),
	}
}

// FromJobs converts a slice of jobs.
func FromJobs(jobs []*store.Job) []Job {
	out := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		if job == nil {
			continue
		}
		out = append(out, FromJob(job))
	}
	return out
}

// FromStageRecord converts a stage record into its DTO.
func FromStageRecord(rec *store.StageRecord) StageRecord {
	if rec == nil {
		return StageRecord{}
	}
	return StageRecord{
		Stage:            rec.Stage,
		Status:           string(rec.Status),
		AttemptCount:     rec.AttemptCount,
		MaxAttempts:      rec.MaxAttempts,
		MsgID:            rec.MsgID,
		AvailableAt:      formatTime(rec.AvailableAt),
		LeaseExpiresAt:   formatTimePtr(rec.LeaseExpiresAt),
		NextRetryAt:      formatTimePtr(rec.NextRetryAt),
		DeadLetteredAt:   formatTimePtr(rec.DeadLetteredAt),
		DeadLetterReason: rec.DeadLetterReason,
		StartedAt:        formatTimePtr(rec.StartedAt),
		FinishedAt:       formatTimePtr(rec.FinishedAt),
		LastError:        rec.LastError,
		Output:           rec.Output,
	}
}

// FromStageConfig converts a stage config into its DTO.
func FromStageConfig(cfg *store.StageConfig) StageConfig {
	if cfg == nil {
		return StageConfig{}
	}
	return StageConfig{
		Stage:            cfg.Stage,
		Queue:            cfg.Queue,
		WorkerEndpoint:   cfg.WorkerEndpoint,
		MaxConcurrency:   cfg.MaxConcurrency,
		TriggerBatchSize: cfg.TriggerBatchSize,
		Enabled:          cfg.Enabled,
		LastUpdatedAt:    formatTime(cfg.LastUpdatedAt),
	}
}

// FromDeadLetter converts a dead-letter entry into its DTO.
func FromDeadLetter(entry queue.DeadLetterEntry) DeadLetter {
	return DeadLetter{
		Queue:         entry.Queue,
		MsgID:         entry.MsgID,
		JobID:         entry.JobID,
		Stage:         entry.Stage,
		FailureReason: entry.FailureReason,
		AttemptCount:  entry.AttemptCount,
		RoutedAt:      formatTime(entry.RoutedAt),
		ReplayedAt:    formatTimePtr(entry.ReplayedAt),
		ReplayMsgID:   entry.ReplayMsgID,
		Payload:       entry.Payload,
		ErrorDetails:  entry.ErrorDetails,
	}
}

// Update expresses a full stage config as an update, for export and apply.
func (c StageConfig) Update() StageUpdate {
	concurrency := c.MaxConcurrency
	batch := c.TriggerBatchSize
	enabled := c.Enabled
	return StageUpdate{
		Stage:            c.Stage,
		Queue:            c.Queue,
		WorkerEndpoint:   c.WorkerEndpoint,
		MaxConcurrency:   &concurrency,
		TriggerBatchSize: &batch,
		Enabled:          &enabled,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
