package api

import (
	"encoding/json"

	"conveyor/internal/queue"
	"conveyor/internal/store"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Job describes a job in a transport-friendly format.
type Job struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Status          string          `json:"status"`
	Stage           string          `json:"stage"`
	StageLabel      string          `json:"stage_label"`
	Priority        int             `json:"priority"`
	AttemptCount    int             `json:"attempt_count"`
	MaxAttempts     int             `json:"max_attempts"`
	LastError       string          `json:"last_error,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CreatedAt       string          `json:"created_at,omitempty"`
	UpdatedAt       string          `json:"updated_at,omitempty"`
	LastQueuedAt    string          `json:"last_queued_at,omitempty"`
	LastCompletedAt string          `json:"last_completed_at,omitempty"`
	LastFailedAt    string          `json:"last_failed_at,omitempty"`
}

// StageRecord describes one stage of a job.
type StageRecord struct {
	Stage            string          `json:"stage"`
	Status           string          `json:"status"`
	AttemptCount     int             `json:"attempt_count"`
	MaxAttempts      int             `json:"max_attempts"`
	MsgID            int64           `json:"msg_id,omitempty"`
	AvailableAt      string          `json:"available_at,omitempty"`
	LeaseExpiresAt   string          `json:"lease_expires_at,omitempty"`
	NextRetryAt      string          `json:"next_retry_at,omitempty"`
	DeadLetteredAt   string          `json:"dead_lettered_at,omitempty"`
	DeadLetterReason string          `json:"dead_letter_reason,omitempty"`
	StartedAt        string          `json:"started_at,omitempty"`
	FinishedAt       string          `json:"finished_at,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	Output           json.RawMessage `json:"output,omitempty"`
}

// JobDetail pairs a job with its stage records in pipeline order.
type JobDetail struct {
	Job    Job           `json:"job"`
	Stages []StageRecord `json:"stages"`
}

// StageConfig is the dispatcher configuration of one stage.
type StageConfig struct {
	Stage            string `json:"stage" yaml:"stage"`
	Queue            string `json:"queue" yaml:"queue"`
	WorkerEndpoint   string `json:"worker_endpoint,omitempty" yaml:"worker_endpoint,omitempty"`
	MaxConcurrency   int    `json:"max_concurrency" yaml:"max_concurrency"`
	TriggerBatchSize int    `json:"trigger_batch_size" yaml:"trigger_batch_size"`
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	LastUpdatedAt    string `json:"last_updated_at,omitempty" yaml:"-"`
}

// BacklogRow is the backlog of one stage.
type BacklogRow struct {
	Stage    string `json:"stage"`
	Ready    int    `json:"ready"`
	Inflight int    `json:"inflight"`
}

// DeadLetter describes a dead-letter entry.
type DeadLetter struct {
	Queue         string          `json:"queue"`
	MsgID         int64           `json:"msg_id"`
	JobID         string          `json:"job_id,omitempty"`
	Stage         string          `json:"stage,omitempty"`
	FailureReason string          `json:"failure_reason"`
	AttemptCount  int             `json:"attempt_count"`
	RoutedAt      string          `json:"routed_at"`
	ReplayedAt    string          `json:"replayed_at,omitempty"`
	ReplayMsgID   int64           `json:"replay_msg_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ErrorDetails  json.RawMessage `json:"error_details,omitempty"`
}

// ReplayResult reports a replayed dead letter.
type ReplayResult struct {
	Queue    string `json:"queue"`
	MsgID    int64  `json:"msg_id"`
	NewMsgID int64  `json:"new_msg_id"`
	JobID    string `json:"job_id"`
	Stage    string `json:"stage"`
}

// Status summarizes the orchestrator for status displays.
type Status struct {
	Jobs        map[string]int `json:"jobs"`
	Backlog     []BacklogRow   `json:"backlog"`
	Queues      []queue.Stats  `json:"queues"`
	DeadLetters int            `json:"dead_letters"`
	Stages      int            `json:"stages"`
	Enabled     int            `json:"enabled_stages"`
}

// SubmitRequest creates a job. Zero option values fall back to configured
// defaults; Stage defaults to the first pipeline stage.
type SubmitRequest struct {
	ID                string          `json:"id,omitempty" validate:"omitempty,max=128,printascii"`
	Type              string          `json:"type" validate:"required,max=64"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Stage             string          `json:"stage,omitempty"`
	Priority          int             `json:"priority" validate:"gte=-1000,lte=1000"`
	DelaySeconds      int             `json:"delay_seconds" validate:"gte=0"`
	VisibilitySeconds int             `json:"visibility_seconds" validate:"gte=0"`
	MaxAttempts       int             `json:"max_attempts" validate:"gte=0,lte=100"`
	RetryDelaySeconds int             `json:"retry_delay_seconds" validate:"gte=0"`
}

// StageUpdate changes a stage configuration. Nil fields keep the stored
// value, or the default when the stage has no configuration yet.
type StageUpdate struct {
	Stage            string `json:"stage" yaml:"stage" validate:"required"`
	Queue            string `json:"queue,omitempty" yaml:"queue,omitempty" validate:"omitempty,max=128"`
	WorkerEndpoint   string `json:"worker_endpoint,omitempty" yaml:"worker_endpoint,omitempty" validate:"omitempty,url"`
	MaxConcurrency   *int   `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty" validate:"omitempty,gte=0"`
	TriggerBatchSize *int   `json:"trigger_batch_size,omitempty" yaml:"trigger_batch_size,omitempty" validate:"omitempty,gte=1"`
	Enabled          *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// JobQuery narrows ListJobs.
type JobQuery struct {
	Statuses []string `json:"statuses,omitempty" validate:"dive,oneof=queued processing completed failed"`
	Stage    string   `json:"stage,omitempty"`
	Limit    int      `json:"limit,omitempty" validate:"gte=0,lte=1000"`
}

func jobStatuses(values []string) []store.JobStatus {
	statuses := make([]store.JobStatus, 0, len(values))
	for _, value := range values {
		statuses = append(statuses, store.JobStatus(value))
	}
	return statuses
}

// JobListResponse wraps a job listing.
type JobListResponse struct {
	Jobs []Job `json:"jobs"`
}

// StageListResponse wraps the stage configurations.
type StageListResponse struct {
	Stages []StageConfig `json:"stages"`
}

// BacklogResponse wraps the per-stage backlog.
type BacklogResponse struct {
	Stages []BacklogRow `json:"stages"`
}

// DeadLetterListResponse wraps a dead-letter listing.
type DeadLetterListResponse struct {
	DeadLetters []DeadLetter `json:"dead_letters"`
}

// CancelRequest is the body of a cancel call.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// WorkerTriggerResponse acknowledges a worker trigger.
type WorkerTriggerResponse struct {
	Stage    string `json:"stage"`
	Accepted bool   `json:"accepted"`
}
