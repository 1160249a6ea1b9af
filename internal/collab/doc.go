// Package collab provides the stage handlers that reach external
// collaborators. HTTPHandler posts each attempt to a configured endpoint
// behind a shared rate limiter; Passthrough completes a stage locally and is
// used for stages without an endpoint.
package collab
