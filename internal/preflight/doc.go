// Package preflight provides readiness checks for the directories, storage,
// queue broker, and collaborator endpoints conveyor depends on.
//
// The CLI "conveyor status" command runs RunAll to display dependency health.
// Each check is gated by configuration: the redis check only runs when redis
// is the queue backend, and collaborator checks only for configured
// endpoints.
package preflight
