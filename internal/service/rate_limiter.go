package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ecocollect/phonegate/internal/redis"
)

// slidingWindowScript counts hits in a sorted set scored by millisecond
// timestamps. Returns {allowed, resetAtMs}.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = now + window
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    end
    return {0, resetAt}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window + 1000)
return {1, now + window}
`)

// Limiter is satisfied by RateLimiter; consumers depend on it so tests can
// swap in a fake.
type Limiter interface {
	CheckLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (allowed bool, resetAt time.Time)
}

type RateLimiter struct {
	client *goredis.Client
	seq    func() string
}

func NewRateLimiter(client *goredis.Client) *RateLimiter {
	return &RateLimiter{client: client, seq: uuid.NewString}
}

// CheckLimit records one hit for scope/subject and reports whether it fits
// in the window. A limit of zero or less disables the check.
func (rl *RateLimiter) CheckLimit(
	ctx context.Context,
	scope, subject string,
	limit int,
	window time.Duration,
) (allowed bool, resetAt time.Time) {
	if limit <= 0 {
		return true, time.Now()
	}

	now := time.Now()
	result, err := slidingWindowScript.Run(
		ctx,
		rl.client,
		[]string{redis.RateLimitKey(scope, subject)},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
		rl.seq(),
	).Int64Slice()

	if err != nil {
		log.Warn().
			Err(err).
			Str("scope", scope).
			Msg("rate limit check failed, denying request for safety")
		return false, now.Add(window)
	}

	if len(result) != 2 {
		log.Warn().Str("scope", scope).Msg("unexpected rate limit result, denying request for safety")
		return false, now.Add(window)
	}

	return result[0] == 1, time.UnixMilli(result[1])
}
