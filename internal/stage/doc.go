// Package stage defines the contract between the stage worker and the
// external collaborators that do each stage's actual work.
//
// The orchestrator treats handlers as opaque: it passes the job payload and
// the previous stage's output, stores whatever comes back, and classifies
// returned errors through services.Classify to choose between retry and
// dead-lettering.
package stage
