package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RateLimit is a per-channel provider budget. Zero disables a window.
type RateLimit struct {
	PerSecond int
	PerMinute int
}

// Atomically checks both windows and increments only when both allow.
const channelLimitLuaScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local increment = tonumber(ARGV[1])
local secondLimit = tonumber(ARGV[2])
local minuteLimit = tonumber(ARGV[3])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")

if secondLimit > 0 and secCurrent + increment > secondLimit then
    return {0, 1}
end
if minuteLimit > 0 and minCurrent + increment > minuteLimit then
    return {0, 2}
end

local newSec = redis.call("INCRBY", secondKey, increment)
if newSec == increment then
    redis.call("EXPIRE", secondKey, 2)
end
local newMin = redis.call("INCRBY", minuteKey, increment)
if newMin == increment then
    redis.call("EXPIRE", minuteKey, 120)
end
return {1, 0}
`

// RateLimiter shares provider budgets across dispatcher processes with
// fixed per-second and per-minute windows in Redis.
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	limits map[domain.Channel]RateLimit
	now    func() time.Time
}

// NewRateLimiter creates a limiter. Channels without a limit are never
// throttled.
func NewRateLimiter(client *redis.Client, limits map[domain.Channel]RateLimit) *RateLimiter {
	return &RateLimiter{
		redis:  client,
		script: redis.NewScript(channelLimitLuaScript),
		limits: limits,
		now:    time.Now,
	}
}

// Allow takes n from the channel's budget if available. When denied it
// returns how long to wait before retrying.
func (r *RateLimiter) Allow(ctx context.Context, channel domain.Channel, n int) (bool, time.Duration, error) {
	lim, ok := r.limits[channel]
	if !ok || (lim.PerSecond <= 0 && lim.PerMinute <= 0) {
		return true, 0, nil
	}
	now := r.now()
	secondKey := fmt.Sprintf("ratelimit:%s:sec:%d", channel, now.Unix())
	minuteKey := fmt.Sprintf("ratelimit:%s:min:%d", channel, now.Unix()/60)

	res, err := r.script.Run(ctx, r.redis, []string{secondKey, minuteKey}, n, lim.PerSecond, lim.PerMinute).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}
	if res[0].(int64) == 1 {
		return true, 0, nil
	}
	if res[1].(int64) == 1 {
		return false, time.Until(now.Truncate(time.Second).Add(time.Second)), nil
	}
	return false, time.Duration(60-now.Second()) * time.Second, nil
}

// Wait implements sending.RateLimiter.
func (r *RateLimiter) Wait(ctx context.Context, channel domain.Channel, n int) error {
	for {
		ok, wait, err := r.Allow(ctx, channel, n)
		if err != nil || ok {
			return err
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}
