package stage

import (
	"encoding/json"
	"strings"

	"conveyor/internal/services"
)

// DecodePayload unmarshals a job payload into v. Malformed payloads are
// tagged services.ErrValidation so the worker dead-letters them at once.
func DecodePayload(stageName string, raw json.RawMessage, v any) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return services.Wrap(
			services.ErrValidation, stageName, "decode payload",
			"Job payload is empty", nil)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return services.Wrap(
			services.ErrValidation, stageName, "decode payload",
			"Job payload is not valid JSON for this stage", err)
	}
	return nil
}

// RequireUpstream returns services.ErrNotFound when the previous stage left
// no output. Stages that build on earlier work call it first.
func RequireUpstream(req Request) error {
	if len(strings.TrimSpace(string(req.Upstream))) == 0 || string(req.Upstream) == "null" {
		return services.Wrap(
			services.ErrNotFound, req.Stage, "load upstream",
			"Previous stage output missing; replay the earlier stage", nil)
	}
	return nil
}
