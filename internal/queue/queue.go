package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrUnknownQueue is returned when a queue name was never registered.
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrMessageNotFound is returned when a message is not active in the queue.
	ErrMessageNotFound = errors.New("message not found")
	// ErrAlreadyReplayed is returned when replaying a dead letter twice.
	ErrAlreadyReplayed = errors.New("dead letter already replayed")
)

// Body is the message content every stage message carries.
type Body struct {
	JobID   string          `json:"job_id"`
	Stage   string          `json:"stage"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is a leased or peeked queue message. Raw holds the stored body;
// Body is its decoded form and is zero when Raw is not valid JSON.
type Message struct {
	ID         int64
	Queue      string
	Body       Body
	Raw        json.RawMessage
	Priority   int
	EnqueuedAt time.Time
	VisibleAt  time.Time
	ReadCount  int
}

// Valid reports whether the body names a job and a stage.
func (m Message) Valid() bool {
	return m.Body.JobID != "" && m.Body.Stage != ""
}

// EnqueueOptions tunes a single enqueue. Visibility timeout, attempt limits
// and retry delay are not message properties: they live on the job's stage
// record and the worker applies them when it leases the message.
type EnqueueOptions struct {
	Priority     int
	DelaySeconds int
	// Raw, when set, is stored as the message body in place of the encoded
	// Body. It must be valid JSON. Used to move a message without rewriting it.
	Raw json.RawMessage
}

// DeadLetterRequest describes a message being moved to the dead-letter table.
type DeadLetterRequest struct {
	Queue         string
	MsgID         int64
	JobID         string
	Stage         string
	Payload       json.RawMessage
	FailureReason string
	ErrorDetails  map[string]any
	AttemptCount  int
}

// DeadLetterEntry is an append-only record of a permanently failed message.
type DeadLetterEntry struct {
	Queue         string          `json:"queue"`
	MsgID         int64           `json:"msg_id"`
	JobID         string          `json:"job_id"`
	Stage         string          `json:"stage"`
	Payload       json.RawMessage `json:"payload"`
	FailureReason string          `json:"failure_reason"`
	ErrorDetails  json.RawMessage `json:"error_details"`
	AttemptCount  int             `json:"attempt_count"`
	RoutedAt      time.Time       `json:"routed_at"`
	ReplayedAt    *time.Time      `json:"replayed_at,omitempty"`
	ReplayMsgID   int64           `json:"replay_msg_id,omitempty"`
}

// DeadLetterFilter narrows ListDeadLetters. Zero values mean all queues and
// the default limit.
type DeadLetterFilter struct {
	Queue           string
	Limit           int
	IncludeReplayed bool
}

// Stats summarizes one queue.
type Stats struct {
	Queue    string `json:"queue"`
	Ready    int    `json:"ready"`
	Inflight int    `json:"inflight"`
	Delayed  int    `json:"delayed"`
	Archived int    `json:"archived"`
}

// Queue is the durable queue contract shared by every backend.
//
// A queue only orders and leases messages. Per-job settings such as the
// visibility timeout, max attempts and retry delay are kept on the
// store.StageRecord; Dequeue takes the lease length from the caller and
// Enqueue accepts only priority and delay.
//
// Dequeue returns up to limit visible messages ordered by priority (higher
// first), then enqueue time, then message id, leasing each for
// visibilitySeconds. An empty slice means there is no work.
type Queue interface {
	EnsureQueue(ctx context.Context, name string) error
	Enqueue(ctx context.Context, queue string, body Body, opts EnqueueOptions) (int64, error)
	Dequeue(ctx context.Context, queue string, visibilitySeconds, limit int) ([]Message, error)
	ExtendVisibility(ctx context.Context, queue string, msgID int64, extraSeconds int) (time.Time, error)
	Archive(ctx context.Context, queue string, msgID int64) error
	MoveToDeadLetter(ctx context.Context, req DeadLetterRequest) error
	Peek(ctx context.Context, queue string, msgID int64) (*Message, error)
	Stats(ctx context.Context, queue string) (Stats, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error)
	GetDeadLetter(ctx context.Context, queue string, msgID int64) (*DeadLetterEntry, error)
	ReplayDeadLetter(ctx context.Context, queue string, msgID int64, opts EnqueueOptions) (int64, error)
	Close() error
}

// DefaultDeadLetterLimit caps ListDeadLetters when no limit is given.
const DefaultDeadLetterLimit = 100

// NewMessage assembles a message from stored fields, decoding raw into Body.
func NewMessage(queueName string, id int64, raw []byte, priority int, enqueuedAt, visibleAt time.Time, readCount int) Message {
	msg := Message{
		ID:         id,
		Queue:      queueName,
		Raw:        json.RawMessage(raw),
		Priority:   priority,
		EnqueuedAt: enqueuedAt,
		VisibleAt:  visibleAt,
		ReadCount:  readCount,
	}
	if body, err := DecodeBody(raw); err == nil {
		msg.Body = body
	}
	return msg
}

// EncodeMessage returns the bytes to store for an enqueue: opts.Raw when set,
// otherwise the encoded body.
func EncodeMessage(body Body, opts EnqueueOptions) ([]byte, error) {
	if len(opts.Raw) == 0 {
		return EncodeBody(body)
	}
	if !json.Valid(opts.Raw) {
		return nil, errors.New("raw message body is not valid JSON")
	}
	return opts.Raw, nil
}

// EncodeBody serializes a body for storage.
func EncodeBody(body Body) ([]byte, error) {
	if len(body.Payload) == 0 {
		body.Payload = nil
	}
	return json.Marshal(body)
}

// DecodeBody parses a stored body. Backends keep the raw body so malformed
// content can still be dead-lettered by the worker.
func DecodeBody(raw []byte) (Body, error) {
	var body Body
	if err := json.Unmarshal(raw, &body); err != nil {
		return Body{}, err
	}
	return body, nil
}

// EncodeDetails serializes error details, defaulting to an empty object.
func EncodeDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(details)
}
