package redisq

import "github.com/redis/go-redis/v9"

// KEYS: seq, ready, delayed
// ARGV: msg prefix, payload, priority, ready score, enqueued ns, enqueued ms, visible ns, visible ms
var enqueueScript = redis.NewScript(`
local id = redis.call('INCR', KEYS[1])
local member = string.format('%020d', id)
redis.call('HSET', ARGV[1] .. member,
  'id', tostring(id), 'payload', ARGV[2], 'priority', ARGV[3], 'rscore', ARGV[4],
  'enqueued_ns', ARGV[5], 'enqueued_ms', ARGV[6], 'vt_ns', ARGV[7], 'vt_ms', ARGV[8], 'read_count', '0')
if tonumber(ARGV[8]) > tonumber(ARGV[6]) then
  redis.call('ZADD', KEYS[3], ARGV[8], member)
else
  redis.call('ZADD', KEYS[2], ARGV[4], member)
end
return id
`)

// KEYS: ready, delayed, leased
// ARGV: msg prefix, now ms, lease ms, lease ns, limit, now ns
var dequeueScript = redis.NewScript(`
local function promote(key)
  local ids = redis.call('ZRANGEBYSCORE', key, '-inf', ARGV[2])
  for _, member in ipairs(ids) do
    redis.call('ZREM', key, member)
    local score = redis.call('HGET', ARGV[1] .. member, 'rscore')
    if score then
      redis.call('ZADD', KEYS[1], score, member)
    end
  end
end
promote(KEYS[2])
promote(KEYS[3])
local ids = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[5]) - 1)
for _, member in ipairs(ids) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('ZADD', KEYS[3], ARGV[3], member)
  redis.call('HINCRBY', ARGV[1] .. member, 'read_count', 1)
  redis.call('HSET', ARGV[1] .. member, 'vt_ns', ARGV[4], 'vt_ms', ARGV[3], 'last_read_ns', ARGV[6])
end
return ids
`)

// KEYS: ready, delayed, leased, msg
// ARGV: member, candidate ms, candidate ns
// Returns the resulting deadline in ns, or false when the message is gone.
var extendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 0 then
  return false
end
local current = redis.call('HMGET', KEYS[4], 'vt_ms', 'vt_ns')
if tonumber(current[1]) >= tonumber(ARGV[2]) then
  return current[2]
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[4], 'vt_ms', ARGV[2], 'vt_ns', ARGV[3])
return ARGV[3]
`)

// KEYS: ready, delayed, leased, archived, msg, archived msg
// ARGV: member, now ms, now ns
var archiveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[5]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[5], 'archived_ns', ARGV[3])
redis.call('RENAME', KEYS[5], KEYS[6])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
return 1
`)

// KEYS: ready, delayed, leased, archived, msg, archived msg, dlq entry, queue dlq index, global dlq index
// ARGV: member, now ms, now ns, index member, queue, msg id, job id, stage, payload, reason, details, attempts
var deadLetterScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[5]) == 0 then
  return 0
end
local payload = ARGV[9]
if payload == '' then
  payload = redis.call('HGET', KEYS[5], 'payload')
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[5], 'archived_ns', ARGV[3])
redis.call('RENAME', KEYS[5], KEYS[6])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[7],
  'queue', ARGV[5], 'msg_id', ARGV[6], 'job_id', ARGV[7], 'stage', ARGV[8], 'payload', payload,
  'failure_reason', ARGV[10], 'error_details', ARGV[11], 'attempt_count', ARGV[12], 'routed_ns', ARGV[3])
redis.call('ZADD', KEYS[8], ARGV[2], ARGV[4])
redis.call('ZADD', KEYS[9], ARGV[2], ARGV[4])
return 1
`)

// KEYS: dlq entry, seq, ready, delayed
// ARGV: msg prefix, priority, ready score, now ns, now ms, visible ns, visible ms
// Returns the new id, -1 when the entry is missing, -2 when already replayed.
var replayScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HEXISTS', KEYS[1], 'replayed_ns') == 1 then
  return -2
end
local payload = redis.call('HGET', KEYS[1], 'payload')
local id = redis.call('INCR', KEYS[2])
local member = string.format('%020d', id)
redis.call('HSET', ARGV[1] .. member,
  'id', tostring(id), 'payload', payload, 'priority', ARGV[2], 'rscore', ARGV[3],
  'enqueued_ns', ARGV[4], 'enqueued_ms', ARGV[5], 'vt_ns', ARGV[6], 'vt_ms', ARGV[7], 'read_count', '0')
if tonumber(ARGV[7]) > tonumber(ARGV[5]) then
  redis.call('ZADD', KEYS[4], ARGV[7], member)
else
  redis.call('ZADD', KEYS[3], ARGV[3], member)
end
redis.call('HSET', KEYS[1], 'replayed_ns', ARGV[4], 'replay_msg_id', tostring(id))
return id
`)
