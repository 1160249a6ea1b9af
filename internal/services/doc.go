// Package services defines shared utilities consumed by the stage worker,
// dispatcher, and collaborator handlers.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, stage names, message IDs, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper, and Classify, which turns
//     any failure into the transient/terminal decision the worker acts on.
//
// Use these helpers when wiring new stage logic so retry and dead-letter
// behaviour stays uniform across the pipeline.
package services
