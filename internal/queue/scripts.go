package queue

import "github.com/redis/go-redis/v9"

// claimScript atomically pops the highest-priority id from the waiting set
// and records a lease for it in the active set.
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMAX', KEYS[1])
if #popped == 0 then return false end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

// The maintenance scripts act on one member whose score is at or below now.
// They compare the job record with the copy the caller read, so a record or
// score changed by another process in between turns the call into a no-op.
//
// KEYS: source set, waiting set, job record, stats hash
// ARGV: id, priority, now ms, record read ("" when absent), new record,
// record ttl ms, exhausted ("1" or "0")
//
// Returns 1 when moved to waiting, 2 when failed terminally, -1 when a
// dangling member was dropped and 0 when nothing changed.
const maintainPrelude = `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[3]) then return 0 end
local cur = redis.call('GET', KEYS[3])
if ARGV[4] == '' then
  if cur then return 0 end
  redis.call('ZREM', KEYS[1], ARGV[1])
  return -1
end
if cur ~= ARGV[4] then return 0 end
if tonumber(ARGV[6]) > 0 then
  redis.call('SET', KEYS[3], ARGV[5], 'PX', ARGV[6])
else
  redis.call('SET', KEYS[3], ARGV[5])
end
redis.call('ZREM', KEYS[1], ARGV[1])
`

var promoteScript = redis.NewScript(maintainPrelude + `
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

var reapScript = redis.NewScript(maintainPrelude + `
if ARGV[7] == '1' then
  redis.call('HINCRBY', KEYS[4], 'failed', 1)
  return 2
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)
