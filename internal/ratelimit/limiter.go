// Package ratelimit implements per-principal token buckets backed by Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hivehub/notify/internal/cache"
	"github.com/hivehub/notify/internal/telemetry"
)

// Class groups endpoints that share a bucket.
type Class string

const (
	ClassRead   Class = "READ"
	ClassWrite  Class = "WRITE"
	ClassAdmin  Class = "ADMIN"
	ClassPublic Class = "PUBLIC"
)

// Limit describes a bucket: Requests tokens refilled every Window, with
// Burst extra capacity on top for short spikes.
type Limit struct {
	Requests int
	Window   time.Duration
	Burst    int
}

// Config maps classes to their limits.
type Config struct {
	Limits map[Class]Limit
}

// DefaultConfig returns the production limits per class.
func DefaultConfig() Config {
	return Config{
		Limits: map[Class]Limit{
			ClassRead:   {Requests: 300, Window: time.Minute, Burst: 10},
			ClassWrite:  {Requests: 60, Window: time.Minute, Burst: 10},
			ClassAdmin:  {Requests: 30, Window: time.Minute, Burst: 10},
			ClassPublic: {Requests: 120, Window: time.Minute, Burst: 10},
		},
	}
}

// Result is the outcome of a bucket check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // seconds; only meaningful when denied
}

// tokenBucketScript refills and consumes atomically. A missing bucket
// starts full. Returns {allowed, remaining, reset_unix}.
//
// KEYS[1] bucket key
// ARGV[1] capacity, ARGV[2] window seconds, ARGV[3] now unix,
// ARGV[4] refill tokens per window
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local rate = tonumber(ARGV[4])

local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'refilled_at')
local tokens = tonumber(bucket[1])
local refilled_at = tonumber(bucket[2])

if tokens == nil then
  tokens = capacity
  refilled_at = now
end

local elapsed = now - refilled_at
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * (rate / window))
  refilled_at = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', KEYS[1], 'tokens', tokens, 'refilled_at', refilled_at)
redis.call('EXPIRE', KEYS[1], window)

local reset = now + math.ceil((capacity - tokens) * (window / rate))
return {allowed, math.floor(tokens), reset}
`)

// Limiter enforces token buckets per (principal, class). Redis outages
// fail open: requests pass with a logged warning rather than blocking
// all traffic on a cache incident.
type Limiter struct {
	shared *cache.Service
	config Config
}

// NewLimiter creates a limiter backed by the shared cache.
func NewLimiter(shared *cache.Service, config Config) *Limiter {
	if config.Limits == nil {
		config = DefaultConfig()
	}
	return &Limiter{shared: shared, config: config}
}

// Allow consumes one token from the (principal, class) bucket.
func (l *Limiter) Allow(ctx context.Context, principal string, class Class) (*Result, error) {
	limit, ok := l.config.Limits[class]
	if !ok {
		limit = l.config.Limits[ClassPublic]
	}
	if limit.Requests <= 0 {
		return &Result{Allowed: true, Limit: 0, Remaining: 0}, nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s", class, principal)
	now := time.Now()
	capacity := limit.Requests + limit.Burst

	raw, err := tokenBucketScript.Run(ctx, l.shared.Client(), []string{key},
		capacity, int(limit.Window.Seconds()), now.Unix(), limit.Requests).Result()
	if err != nil {
		telemetry.LogFromContext(ctx).WithField("operation", "ratelimit").
			Warnf("bucket check failed, allowing request: %v", err)
		return &Result{Allowed: true, Limit: limit.Requests, Remaining: limit.Requests - 1, ResetAt: now.Add(limit.Window)}, nil
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, fmt.Errorf("unexpected bucket script reply: %v", raw)
	}

	allowed := vals[0].(int64) == 1
	remaining := int(vals[1].(int64))
	resetAt := time.Unix(vals[2].(int64), 0)

	result := &Result{
		Allowed:   allowed,
		Limit:     limit.Requests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		retryAfter := int(time.Until(resetAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		result.RetryAfter = retryAfter
	}
	return result, nil
}
