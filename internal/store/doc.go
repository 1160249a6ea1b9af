// Package store persists jobs, per-stage records, and stage configuration in
// the relational database opened by sqldb.
//
// Jobs and StageRecords are mutated only through the transition methods in
// this package. Each transition is a conditional update on the record's
// version column; a worker whose lease expired and was taken over receives
// ErrStale instead of overwriting the newer owner's state.
package store
