package collab

import (
	"context"
	"encoding/json"
	"time"

	"conveyor/internal/stage"
)

// Passthrough completes a stage without external work. Its output records
// when the stage ran and carries the upstream output forward.
type Passthrough struct {
	Now func() time.Time
}

type passthroughOutput struct {
	Stage       string          `json:"stage"`
	CompletedAt time.Time       `json:"completed_at"`
	Upstream    json.RawMessage `json:"upstream,omitempty"`
}

// Process implements stage.Handler.
func (p Passthrough) Process(_ context.Context, req stage.Request) (json.RawMessage, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return json.Marshal(passthroughOutput{
		Stage:       req.Stage,
		CompletedAt: now().UTC(),
		Upstream:    req.Upstream,
	})
}

// HealthCheck implements stage.Handler.
func (Passthrough) HealthCheck(context.Context) stage.Health {
	return stage.Available("passthrough", "local")
}
