package drain

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter gates outgoing sends. Allow reserves n send slots in the current
// window and reports whether they were granted; Wait blocks until a slot is
// granted or ctx is done.
type Limiter interface {
	Allow(ctx context.Context, n int) (bool, error)
	Wait(ctx context.Context) error
}

// Atomic check-and-increment. GET then INCR from the client would race under
// concurrent drains; the script makes the reservation a single Redis call.
const sendRateLuaScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// RedisLimiter enforces a per-second send ceiling shared across all drain
// workers, keyed on the current epoch second.
type RedisLimiter struct {
	redis     *redis.Client
	script    *redis.Script
	perSecond int

	// Overridable for tests.
	now func() time.Time
}

// NewRedisLimiter creates a limiter allowing perSecond sends each second.
func NewRedisLimiter(client *redis.Client, perSecond int) *RedisLimiter {
	return &RedisLimiter{
		redis:     client,
		script:    redis.NewScript(sendRateLuaScript),
		perSecond: perSecond,
		now:       time.Now,
	}
}

// Allow reserves n send slots in the current second.
func (l *RedisLimiter) Allow(ctx context.Context, n int) (bool, error) {
	key := fmt.Sprintf("campaign:send_rate:%d", l.now().Unix())

	result, err := l.script.Run(ctx, l.redis, []string{key}, n, l.perSecond, 2).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 1 {
		return false, fmt.Errorf("unexpected rate limit script result: %v", result)
	}
	allowed, _ := values[0].(int64)
	return allowed == 1, nil
}

// Wait blocks until one send slot is granted, polling across second
// boundaries.
func (l *RedisLimiter) Wait(ctx context.Context) error {
	for {
		allowed, err := l.Allow(ctx, 1)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// NopLimiter grants every request. Used when no Redis is configured.
type NopLimiter struct{}

func (NopLimiter) Allow(ctx context.Context, n int) (bool, error) { return true, nil }
func (NopLimiter) Wait(ctx context.Context) error                 { return nil }
