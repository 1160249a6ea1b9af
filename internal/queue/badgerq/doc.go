// Package badgerq implements queue.Queue on an embedded Badger database.
//
// Messages are stored as JSON under q/<queue>/msg/<id>. A visibility index
// q/<queue>/idx/<deadline-ns>/<id> keeps keys sorted by the time a message
// becomes visible, so a dequeue scans only the visible prefix of the index.
// Badger holds an exclusive directory lock, so a single process owns the
// queue and writes are serialized with a mutex.
package badgerq
