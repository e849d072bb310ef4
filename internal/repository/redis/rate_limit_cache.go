package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"behavior-gate/internal/client"
	"behavior-gate/internal/ratelimit"
	"behavior-gate/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// slidingWindowScript trims entries older than the window, then admits the
// request if fewer than limit remain. Scores are unix milliseconds.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local current = redis.call('ZCARD', key)
if current < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return {1, current + 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = window
if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
end
return {0, current, retry}
`

// RateLimitCache is a Redis sliding-window limiter shared by all replicas.
type RateLimitCache struct {
	client *client.RedisClient
	now    func() time.Time
}

var _ ratelimit.Limiter = (*RateLimitCache)(nil)

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client, now: time.Now}
}

// Allow implements ratelimit.Limiter.
func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Result, error) {
	ctx, cancel := c.client.WithContext(ctx, 2*time.Second)
	defer cancel()

	now := c.now().UnixMilli()
	result, err := c.client.Eval(ctx, slidingWindowScript, []string{rateLimitPrefix + key},
		now, window.Milliseconds(), limit, uuid.NewString())
	if err != nil {
		util.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return ratelimit.Result{}, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}

	values, ok := result.([]any)
	if !ok || len(values) != 3 {
		return ratelimit.Result{}, fmt.Errorf("unexpected result format from sliding window script")
	}
	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	retryMs, _ := values[2].(int64)

	util.Debug("Sliding window rate limit check",
		zap.String("key", key),
		zap.Bool("allowed", allowed == 1),
		zap.Int64("current_count", count),
		zap.Int("limit", limit))

	res := ratelimit.Result{
		Allowed: allowed == 1,
		Count:   int(count),
		Limit:   limit,
	}
	if !res.Allowed {
		res.RetryAfter = time.Duration(max(retryMs, 1)) * time.Millisecond
	}
	return res, nil
}

// ResetCounter clears the window for key.
func (c *RateLimitCache) ResetCounter(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, rateLimitPrefix+key); err != nil {
		util.Error("Failed to reset rate limit counter",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}
	return nil
}
