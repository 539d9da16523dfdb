package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewServiceFromClient(client), mr
}

func TestSetAndGet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, svc.Set(ctx, "key-1", payload{Name: "welcome", Count: 3}, time.Minute))

	var got payload
	require.NoError(t, svc.Get(ctx, "key-1", &got))
	assert.Equal(t, "welcome", got.Name)
	assert.Equal(t, 3, got.Count)
}

func TestGetMiss(t *testing.T) {
	svc, _ := newTestService(t)

	var got string
	err := svc.Get(context.Background(), "absent", &got)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestGetStringMiss(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetString(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestSetNX(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ok, err := svc.SetNX(ctx, "lock", "holder-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.SetNX(ctx, "lock", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	held, err := svc.GetString(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "holder-1", held)
}

func TestDeleteAndExists(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetString(ctx, "key-1", "v", time.Minute))

	exists, err := svc.Exists(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, svc.Delete(ctx, "key-1"))

	exists, err = svc.Exists(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTTLExpiry(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetString(ctx, "ephemeral", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, err := svc.GetString(ctx, "ephemeral")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRPushKeepsTTL(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.RPush(ctx, "digest:u1:SYSTEM_ALERT:2026082410", time.Hour, "a", "b"))
	assert.True(t, mr.TTL("digest:u1:SYSTEM_ALERT:2026082410") > 0)

	vals, err := svc.Client().LRange(ctx, "digest:u1:SYSTEM_ALERT:2026082410", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, vals)
}

func TestStatsAccounting(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetString(ctx, "k", "v", time.Minute))
	_, _ = svc.GetString(ctx, "k")
	_, _ = svc.GetString(ctx, "missing")
	_ = svc.Delete(ctx, "k")

	stats := svc.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.Equal(t, int64(1), stats.Deletes)
	assert.InDelta(t, 0.5, stats.HitRate(), 0.001)

	svc.ResetStats()
	assert.Zero(t, svc.Stats().Hits)
}

func TestHitRateEmpty(t *testing.T) {
	assert.Zero(t, Stats{}.HitRate())
}
