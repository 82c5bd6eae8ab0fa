package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Sorted-set sliding window. Scores are server-side microseconds from TIME so
// every replica shares one clock.
const slidingWindowScript = `
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]

local t = redis.call("TIME")
local now = (tonumber(t[1]) * 1000000) + tonumber(t[2])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", "(" .. (now - window))
local count = redis.call("ZCARD", KEYS[1])
if count >= limit then
  return 0
end

redis.call("ZADD", KEYS[1], now, member)
redis.call("PEXPIRE", KEYS[1], math.ceil(window / 1000))
return 1
`

// RedisRateLimiter shares sliding-window counters between processes.
type RedisRateLimiter struct {
	client *redis.Client
	script *redis.Script
	prefix string
	limit  int
	window time.Duration
}

func NewRedisRateLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisRateLimiter {
	if client == nil {
		return nil
	}
	return &RedisRateLimiter{
		client: client,
		script: redis.NewScript(slidingWindowScript),
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

func (l *RedisRateLimiter) Check(ctx context.Context, key string) error {
	if l == nil || l.client == nil {
		return errors.New("rate limiter not configured")
	}
	if key == "" {
		return errors.New("rate limiter key is empty")
	}

	allowed, err := l.script.Run(
		ctx,
		l.client,
		[]string{l.prefix + key},
		l.limit,
		l.window.Microseconds(),
		uuid.NewString(),
	).Int()
	if err != nil {
		return fmt.Errorf("rate limit script failed: %w", err)
	}
	if allowed != 1 {
		return &RateLimitExceeded{Key: key, Limit: l.limit, Window: l.window}
	}
	return nil
}
