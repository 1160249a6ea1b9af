package store

import "errors"

var (
	// ErrNotFound is returned when a job, stage record, or stage config does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStale is returned when a conditional update loses to a concurrent writer.
	ErrStale = errors.New("stale record version")
	// ErrJobTerminal is returned when a transition targets a completed or failed job.
	ErrJobTerminal = errors.New("job is terminal")
)
