// Package queue defines the durable, at-least-once message queue that carries
// stage work between workers.
//
// A dequeued message is leased: it stays invisible to other consumers until
// its visibility deadline passes or it is archived or dead-lettered. An
// expired lease silently returns the message to the ready set, which is the
// pipeline's only recovery path for crashed workers. Consumers must therefore
// tolerate redelivery.
//
// Backends live in subpackages: sqlq (SQLite and Postgres tables), redisq
// (Redis sorted sets), and badgerq (embedded Badger). queuetest holds the
// behavioural suite every backend runs.
package queue
