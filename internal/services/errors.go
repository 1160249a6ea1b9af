package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
	ErrRateLimited   = errors.New("rate limited")
	ErrConflict      = errors.New("conflict")
	ErrStagePanic    = errors.New("stage panic")
)

// Classification is the retry decision derived from a stage failure.
type Classification string

const (
	// Transient failures are retried with backoff until the stage budget is spent.
	Transient Classification = "transient"
	// Terminal failures are dead-lettered immediately.
	Terminal Classification = "terminal"
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps a stage error onto the retry decision. Terminal markers win over
// transient ones when both are present in the chain. Unrecognised errors are
// treated as transient so the attempt budget decides when to give up.
func Classify(err error) Classification {
	if err == nil {
		return Transient
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrStagePanic):
		return Terminal
	case errors.Is(err, ErrTransient), errors.Is(err, ErrRateLimited), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrExternalTool), errors.Is(err, ErrConflict):
		return Transient
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Transient
	}
	return Transient
}

// FailureReason returns a short machine-readable reason for dead-letter entries.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "missing_upstream"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrStagePanic):
		return "panic"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "stage_error"
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
