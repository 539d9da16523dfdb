// Package cache provides the shared Redis tier used for rendered-template
// caching, rate-limit buckets, digest buffers, retry scheduling and the
// token blacklist.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss is returned when a key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Stats holds cache performance counters, flushed periodically by the
// scheduler and exported as metrics.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Deletes int64 `json:"deletes"`
}

// HitRate calculates the cache hit rate.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}
	return float64(s.Hits) / float64(total)
}

// Service wraps a Redis client with JSON helpers and hit/miss accounting.
type Service struct {
	client *redis.Client

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

// NewService connects to Redis from a URL
// (redis://[:password@]host:port[/db]) and verifies connectivity.
func NewService(redisURL string) (*Service, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Service{client: client}, nil
}

// NewServiceFromClient wraps an existing client; used by tests with miniredis.
func NewServiceFromClient(client *redis.Client) *Service {
	return &Service{client: client}
}

// Client exposes the underlying client for components that need raw
// commands (sorted sets, Lua scripts).
func (s *Service) Client() *redis.Client {
	return s.client
}

// Set stores a JSON-encoded value with a TTL.
func (s *Service) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache key: %w", err)
	}
	s.sets.Add(1)
	return nil
}

// Get retrieves a JSON-encoded value into dest. Returns ErrCacheMiss when
// the key is absent.
func (s *Service) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.misses.Add(1)
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get cache key: %w", err)
	}
	s.hits.Add(1)
	return json.Unmarshal(data, dest)
}

// GetString retrieves a raw string value.
func (s *Service) GetString(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.misses.Add(1)
			return "", ErrCacheMiss
		}
		return "", fmt.Errorf("failed to get cache key: %w", err)
	}
	s.hits.Add(1)
	return v, nil
}

// SetString stores a raw string value with a TTL.
func (s *Service) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache key: %w", err)
	}
	s.sets.Add(1)
	return nil
}

// Delete removes keys.
func (s *Service) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete cache keys: %w", err)
	}
	s.deletes.Add(int64(len(keys)))
	return nil
}

// Exists reports whether a key is present.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key existence: %w", err)
	}
	return n > 0, nil
}

// SetNX sets a key only if it does not exist; used for single-flight guards
// and processing locks.
func (s *Service) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx: %w", err)
	}
	return ok, nil
}

// RPush appends values to a list and refreshes its TTL; used by the digest
// buffer.
func (s *Service) RPush(ctx context.Context, key string, ttl time.Duration, values ...interface{}) error {
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, values...)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push to list: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the hit/miss counters.
func (s *Service) Stats() Stats {
	return Stats{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Sets:    s.sets.Load(),
		Deletes: s.deletes.Load(),
	}
}

// ResetStats zeroes the counters after a flush.
func (s *Service) ResetStats() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.sets.Store(0)
	s.deletes.Store(0)
}

// HealthCheck reports Redis reachability.
func (s *Service) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close closes the connection.
func (s *Service) Close() error {
	return s.client.Close()
}
