package store

import (
	"encoding/json"
	"time"
)

// JobStatus is the overall lifecycle state of a job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further stage work happens for the job.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// StageStatus is the lifecycle state of one (job, stage) record.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)

// Job is one unit of work moving through the pipeline.
type Job struct {
	ID                 string
	Type               string
	Payload            json.RawMessage
	Status             JobStatus
	Stage              string
	Priority           int
	AttemptCount       int
	MaxAttempts        int
	RetryDelaySeconds  int
	LastError          string
	FirstQueuedAt      *time.Time
	LastQueuedAt       *time.Time
	LastDequeuedAt     *time.Time
	LastCompletedAt    *time.Time
	LastFailedAt       *time.Time
	LastDeadLetteredAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Version            int64
}

// StageRecord tracks one stage of one job.
//
// MsgID is the queue message currently carrying the stage. Zero means no
// message is attached yet; the first worker to lease a message for the stage
// adopts it.
type StageRecord struct {
	JobID                    string
	Stage                    string
	Status                   StageStatus
	AttemptCount             int
	MaxAttempts              int
	Priority                 int
	RetryDelaySeconds        int
	VisibilityTimeoutSeconds int
	MsgID                    int64
	AvailableAt              time.Time
	LeaseExpiresAt           *time.Time
	NextRetryAt              *time.Time
	DeadLetteredAt           *time.Time
	DeadLetterReason         string
	StartedAt                *time.Time
	FinishedAt               *time.Time
	LastError                string
	Output                   json.RawMessage
	CreatedAt                time.Time
	UpdatedAt                time.Time
	Version                  int64
}

// AttemptsExhausted reports whether the stage has used its retry budget.
func (r *StageRecord) AttemptsExhausted() bool {
	return r.AttemptCount >= r.MaxAttempts
}

// StageConfig holds the dispatcher settings for one stage.
type StageConfig struct {
	Stage            string    `json:"stage" yaml:"stage"`
	Queue            string    `json:"queue" yaml:"queue"`
	WorkerEndpoint   string    `json:"worker_endpoint" yaml:"worker_endpoint"`
	MaxConcurrency   int       `json:"max_concurrency" yaml:"max_concurrency"`
	TriggerBatchSize int       `json:"trigger_batch_size" yaml:"trigger_batch_size"`
	Enabled          bool      `json:"enabled" yaml:"enabled"`
	LastUpdatedAt    time.Time `json:"last_updated_at" yaml:"-"`
}

// StageBacklog is the ready/in-flight count for one stage.
type StageBacklog struct {
	Stage         string `json:"stage"`
	ReadyCount    int    `json:"ready_count"`
	InflightCount int    `json:"inflight_count"`
}

// NewJob describes a job to create at its first stage.
type NewJob struct {
	ID                string
	Type              string
	Payload           json.RawMessage
	Stage             string
	Priority          int
	MaxAttempts       int
	RetryDelaySeconds int
	VisibilitySeconds int
	// DelaySeconds holds the first stage back from the ready backlog.
	DelaySeconds      int
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Statuses []JobStatus
	Stage    string
	Limit    int
}
