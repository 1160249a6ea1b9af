// Package worker runs stage worker invocations.
//
// One invocation leases a single message from the stage's queue, checks that
// the message still represents the stage record (redelivered and duplicate
// copies are archived without work), runs the stage handler while extending
// the lease, and then completes, retries, or dead-letters the stage. Store
// transitions happen before queue side effects, and every transition is
// version-checked, so a worker whose lease expired mid-flight abandons
// instead of overwriting the new owner's progress.
//
// Pool bounds concurrent invocations in-process and reports each result on a
// channel.
package worker
