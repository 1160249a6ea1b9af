// Package daemon runs the long-lived conveyor process.
//
// A Daemon holds a flock on the data directory so only one instance
// schedules work against a store. It registers the dispatcher and rescue
// cycles with robfig/cron, drains the in-process worker pool, and serves the
// operator HTTP API on a chi router with optional bearer-token auth.
//
// Handlers stay thin: request decoding and status mapping live here, while
// every operation goes through api.Service so the CLI and the HTTP API share
// one implementation.
package daemon
