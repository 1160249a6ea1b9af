// Package redisq implements queue.Queue on Redis.
//
// Each queue keeps three sorted sets of zero-padded message ids: ready
// (scored by priority and enqueue time), delayed (scored by visible-at
// milliseconds), and leased (scored by lease deadline). Message bodies live
// in hashes. Every state change runs as a Lua script so a lease, archive, or
// dead-letter move is atomic. Due delayed messages and expired leases are
// folded back into ready at the start of each dequeue.
package redisq
