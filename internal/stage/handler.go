package stage

import (
	"context"
	"encoding/json"
)

// Request is what a handler sees for one attempt of one stage.
type Request struct {
	JobID       string
	JobType     string
	Stage       string
	Payload     json.RawMessage
	Upstream    json.RawMessage
	Attempt     int
	MaxAttempts int
}

// Handler describes the contract the stage worker needs from each stage's
// external collaborator. The returned output is stored on the stage record
// and handed to the next stage as Upstream.
type Handler interface {
	Process(context.Context, Request) (json.RawMessage, error)
	HealthCheck(context.Context) Health
}

// Health reports whether a stage's collaborator can accept work. Detail names
// the endpoint when ready and the problem otherwise.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Available returns a ready Health for name.
func Available(name, detail string) Health {
	return Health{Name: name, Ready: true, Detail: detail}
}

// Unhealthy returns a Health that keeps the stage from being trusted.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Detail: detail}
}

// HandlerFunc adapts a function to Handler. It always reports healthy.
type HandlerFunc func(context.Context, Request) (json.RawMessage, error)

// Process calls f.
func (f HandlerFunc) Process(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// HealthCheck implements Handler.
func (f HandlerFunc) HealthCheck(context.Context) Health {
	return Available("func", "in-process")
}
