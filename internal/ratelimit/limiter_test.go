package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivehub/notify/internal/cache"
)

func newTestLimiter(t *testing.T, limits map[Class]Limit) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLimiter(cache.NewServiceFromClient(client), Config{Limits: limits})
}

func TestAllowWithinLimit(t *testing.T) {
	limiter := newTestLimiter(t, map[Class]Limit{
		ClassWrite: {Requests: 5, Window: time.Minute},
	})
	ctx := context.Background()

	result, err := limiter.Allow(ctx, "user:u1", ClassWrite)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 5, result.Limit)
	assert.Equal(t, 4, result.Remaining)
	assert.Zero(t, result.RetryAfter)
}

func TestAllowExhaustsBucket(t *testing.T) {
	limiter := newTestLimiter(t, map[Class]Limit{
		ClassWrite: {Requests: 3, Window: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, "user:u1", ClassWrite)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should pass", i+1)
	}

	result, err := limiter.Allow(ctx, "user:u1", ClassWrite)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Zero(t, result.Remaining)
	assert.GreaterOrEqual(t, result.RetryAfter, 1)
	assert.False(t, result.ResetAt.IsZero())
}

func TestAllowBucketsArePerPrincipal(t *testing.T) {
	limiter := newTestLimiter(t, map[Class]Limit{
		ClassWrite: {Requests: 1, Window: time.Minute},
	})
	ctx := context.Background()

	result, err := limiter.Allow(ctx, "user:u1", ClassWrite)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = limiter.Allow(ctx, "user:u1", ClassWrite)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	result, err = limiter.Allow(ctx, "user:u2", ClassWrite)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestAllowBucketsArePerClass(t *testing.T) {
	limiter := newTestLimiter(t, map[Class]Limit{
		ClassWrite: {Requests: 1, Window: time.Minute},
		ClassRead:  {Requests: 1, Window: time.Minute},
	})
	ctx := context.Background()

	result, err := limiter.Allow(ctx, "user:u1", ClassWrite)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = limiter.Allow(ctx, "user:u1", ClassRead)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestAllowUnknownClassFallsBackToPublic(t *testing.T) {
	limiter := newTestLimiter(t, map[Class]Limit{
		ClassPublic: {Requests: 2, Window: time.Minute},
	})

	result, err := limiter.Allow(context.Background(), "ip:10.0.0.1", Class("UNKNOWN"))
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 2, result.Limit)
}

func TestAllowZeroLimitDisablesClass(t *testing.T) {
	limiter := newTestLimiter(t, map[Class]Limit{
		ClassAdmin: {Requests: 0, Window: time.Minute},
	})

	result, err := limiter.Allow(context.Background(), "user:u1", ClassAdmin)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestAllowFailsOpenOnRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := NewLimiter(cache.NewServiceFromClient(client), Config{Limits: map[Class]Limit{
		ClassWrite: {Requests: 5, Window: time.Minute},
	}})

	mr.Close()

	result, err := limiter.Allow(context.Background(), "user:u1", ClassWrite)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestAllowBurstExtendsCapacity(t *testing.T) {
	limiter := newTestLimiter(t, map[Class]Limit{
		ClassWrite: {Requests: 2, Window: time.Minute, Burst: 3},
	})
	ctx := context.Background()

	// Burst adds headroom on top of the refill rate: 2+3 consecutive
	// requests pass before the bucket empties.
	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "user:u1", ClassWrite)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should pass", i+1)
		assert.Equal(t, 2, result.Limit)
	}

	result, err := limiter.Allow(ctx, "user:u1", ClassWrite)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 300, cfg.Limits[ClassRead].Requests)
	assert.Equal(t, 60, cfg.Limits[ClassWrite].Requests)
	assert.Equal(t, 30, cfg.Limits[ClassAdmin].Requests)
	assert.Equal(t, 120, cfg.Limits[ClassPublic].Requests)
	assert.Equal(t, 10, cfg.Limits[ClassWrite].Burst)
}
