// Package sqlq implements queue.Queue on the relational database shared with
// the job store. SQLite serializes dequeues through its single writer
// connection; Postgres claims rows with FOR UPDATE SKIP LOCKED.
package sqlq
