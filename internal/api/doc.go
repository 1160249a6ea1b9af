// Package api is the service layer shared by the daemon's HTTP API and the
// CLI. It validates operator requests, drives the store and queue through the
// same transition order the workers use, and translates internal models into
// transport-friendly DTOs.
//
// # Key Types
//
// Service: job submission, inspection and cancellation; stage configuration;
// backlog; dead-letter listing and replay; dispatch, rescue and status.
//
// Job, StageRecord, StageConfig, DeadLetter: DTOs with snake_case JSON tags.
// Timestamps use RFC3339 with milliseconds. Payloads and stage outputs pass
// through as json.RawMessage to avoid double-encoding.
//
// SubmitRequest, StageUpdate: request bodies checked with
// go-playground/validator before anything is written.
//
// # Design Notes
//
// Submission and replay follow the worker's ordering: the store transition
// runs first, then the enqueue, then the message is attached to the record.
// A crash between steps leaves a pending record without a message, which the
// rescue sweep re-enqueues.
package api
