package queue

import "github.com/redis/go-redis/v9"

// KEYS: job, waiting, delayed
// ARGV: id, payload, status, score, notBeforeMs
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[2], 'status', ARGV[3], 'attempts', '0', 'score', ARGV[4])
if ARGV[3] == 'delayed' then
    redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
else
    redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
end
return 1
`)

// KEYS: delayed, waiting, active
// ARGV: nowMs, jobPrefix, promoteBatch
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
    redis.call('ZREM', KEYS[1], id)
    local key = ARGV[2] .. id
    local score = redis.call('HGET', key, 'score')
    if score then
        redis.call('ZADD', KEYS[2], score, id)
        redis.call('HSET', key, 'status', 'waiting')
    end
end

local head = redis.call('ZRANGE', KEYS[2], 0, 0)
if #head == 0 then
    return false
end

local id = head[1]
local key = ARGV[2] .. id
redis.call('ZREM', KEYS[2], id)
redis.call('ZADD', KEYS[3], ARGV[1], id)
redis.call('HSET', key, 'status', 'active')
local claim = redis.call('HINCRBY', key, 'claim', 1)

local payload = redis.call('HGET', key, 'payload') or ''
local attempts = redis.call('HGET', key, 'attempts') or '0'
return {id, payload, attempts, tostring(claim)}
`)

// A finish or retry only lands for the latest claim of a job. A job that was
// requeued but not yet claimed again is pulled back out of waiting so it is
// not delivered twice.

// KEYS: job, active, waiting, finished, counter
// ARGV: id, status, attempts, payload, nowMs, claim
var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'claim') ~= ARGV[6] then
    return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'attempts', ARGV[3], 'payload', ARGV[4])
redis.call('ZADD', KEYS[4], ARGV[5], ARGV[1])
redis.call('INCR', KEYS[5])
return 1
`)

// KEYS: job, active, waiting, delayed
// ARGV: id, attempts, payload, notBeforeMs, claim
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'claim') ~= ARGV[5] then
    return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'delayed', 'attempts', ARGV[2], 'payload', ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)

// KEYS: job, waiting, delayed, finished
// ARGV: id, nowMs
var cancelScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'waiting' and status ~= 'delayed' then
    return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'cancelled')
redis.call('HINCRBY', KEYS[1], 'claim', 1)
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
return 1
`)

// KEYS: active, waiting
// ARGV: cutoffMs, jobPrefix
var requeueScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(stale) do
    redis.call('ZREM', KEYS[1], id)
    local key = ARGV[2] .. id
    local score = redis.call('HGET', key, 'score')
    if score then
        redis.call('ZADD', KEYS[2], score, id)
        redis.call('HSET', key, 'status', 'waiting')
    end
end
return #stale
`)

// KEYS: finished
// ARGV: cutoffMs, jobPrefix
var purgeScript = redis.NewScript(`
local old = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(old) do
    redis.call('DEL', ARGV[2] .. id)
    redis.call('ZREM', KEYS[1], id)
end
return #old
`)
