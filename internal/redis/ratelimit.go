package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// slidingWindow trims the window, then records n requests if they fit.
// KEYS[1] window key; ARGV now_ms, window_ms, limit, n, member prefix.
// Returns {allowed, count}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count + n > limit then
  return {0, count}
end
for i = 1, n do
  redis.call('ZADD', key, now, ARGV[5] .. ':' .. i)
end
redis.call('PEXPIRE', key, window + 1000)
return {1, count + n}
`)

// RateLimiter implements a sliding window limit shared by every instance.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Window == 0 {
		config.Window = time.Minute
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks, and if allowed records, n requests in one round trip.
func (r *RateLimiter) AllowN(ctx context.Context, k string, n int) (*RateLimitResult, error) {
	now := r.now()
	res, err := slidingWindow.Run(ctx, r.client.rdb,
		[]string{key("ratelimit", k)},
		now.UnixMilli(),
		r.config.Window.Milliseconds(),
		r.config.Limit,
		n,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	allowed, count := res[0] == 1, int(res[1])
	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", k),
			zap.Int("current", count),
			zap.Int("limit", r.config.Limit),
		)
	}

	return &RateLimitResult{
		Allowed:   allowed,
		Remaining: max(0, r.config.Limit-count),
		ResetAt:   now.Add(r.config.Window),
	}, nil
}
