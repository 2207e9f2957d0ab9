package middleware

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes a bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, fractional)
// ARGV[5] = ttl (seconds)
// Returns {allowed, remaining tokens (floored), retry after in ms}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
local wait_ms = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
else
    wait_ms = math.ceil((cost - tokens) / rate * 1000)
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, math.floor(tokens), wait_ms}
`)

// RedisLimiter shares token buckets across replicas through Redis.
type RedisLimiter struct {
	rate   float64
	burst  int
	prefix string
	ttl    int
	now    func() time.Time
	eval   func(ctx context.Context, keys []string, args ...interface{}) (interface{}, error)
}

// NewRedisLimiter returns a limiter refilling rps tokens per second up to
// burst, storing buckets under "ratelimit:<key>".
func NewRedisLimiter(client *redis.Client, rps float64, burst int) *RedisLimiter {
	if rps <= 0 {
		rps = 1
	}
	return &RedisLimiter{
		rate:   rps,
		burst:  burst,
		prefix: "ratelimit:",
		// A bucket left alone this long is full again, so dropping it is lossless.
		ttl: int(math.Ceil(float64(burst)/rps)) + 1,
		now: time.Now,
		eval: func(ctx context.Context, keys []string, args ...interface{}) (interface{}, error) {
			return tokenBucketScript.Run(ctx, client, keys, args...).Result()
		},
	}
}

// Allow consumes one token for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := float64(l.now().UnixMicro()) / 1e6
	res, err := l.eval(ctx, []string{l.prefix + key}, l.rate, l.burst, 1, now, l.ttl)
	if err != nil {
		return Decision{}, fmt.Errorf("redis limiter: %w", err)
	}
	return parseBucketReply(res)
}

func parseBucketReply(res interface{}) (Decision, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("redis limiter: unexpected reply %v", res)
	}
	ints := make([]int64, 3)
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return Decision{}, fmt.Errorf("redis limiter: unexpected reply element %v", v)
		}
		ints[i] = n
	}
	return Decision{
		Allowed:    ints[0] == 1,
		Remaining:  int(ints[1]),
		RetryAfter: time.Duration(ints[2]) * time.Millisecond,
	}, nil
}
