// Package dispatch decides how many stage workers to launch each cycle.
//
// A cycle loads enabled stage configs, resolves per-stage concurrency
// overrides from the environment into an immutable Snapshot, reads the
// backlog once, and launches min(max_concurrency - inflight, ready,
// trigger_batch_size) workers per stage. The dispatcher never touches
// payloads; saturated stages simply wait for the next cycle.
package dispatch
