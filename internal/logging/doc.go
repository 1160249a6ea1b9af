// Package logging assembles structured slog loggers and formatting helpers used
// across conveyor components.
//
// It owns the console/JSON handlers, centralizes level and output plumbing, and
// exposes context-aware helpers so worker and dispatcher code can tag log lines
// with job IDs, stages, and message IDs automatically. A no-op logger is provided
// for tests and wiring code that cannot fail.
package logging
