// Command conveyor runs and operates the stage pipeline orchestrator.
//
// "conveyor serve" starts the daemon: scheduled dispatch and rescue cycles,
// the in-process worker pool, and the HTTP API. Every other command opens the
// configured store and queue directly, so operators can submit jobs, inspect
// backlog, replay dead letters, or run workers by hand whether or not a daemon
// is running.
package main
