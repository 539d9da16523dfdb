package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-redis/redis/v8"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hivehub/notify/internal/broker"
	"github.com/hivehub/notify/internal/cache"
	"github.com/hivehub/notify/internal/monitoring"
	"github.com/hivehub/notify/internal/telemetry"
)

// Publisher publishes to the main exchange; satisfied by *broker.Publisher.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, headers amqp.Table, priority uint8) error
}

const delayedSetKey = "notify:delayed"

// delayedEntry is one parked redelivery in the sorted set. The score is
// the due time in unix seconds.
type delayedEntry struct {
	Message    *broker.Message `json:"message"`
	RoutingKey string          `json:"routingKey"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Scheduler parks messages in a Redis sorted set and republishes them to
// their originating routing key once due. Quiet-hours deferrals and retry
// backoff both go through it.
type Scheduler struct {
	shared    *cache.Service
	publisher Publisher

	pollInterval time.Duration
	batchSize    int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates the delayed-set scheduler.
func NewScheduler(shared *cache.Service, publisher Publisher, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Scheduler{
		shared:       shared,
		publisher:    publisher,
		pollInterval: pollInterval,
		batchSize:    100,
		done:         make(chan struct{}),
	}
}

// Schedule parks a message until dueAt. The attempts count is carried into
// the republished message's headers.
func (s *Scheduler) Schedule(ctx context.Context, msg *broker.Message, routingKey string, attempts int, dueAt time.Time) error {
	entry := delayedEntry{
		Message:    msg,
		RoutingKey: routingKey,
		Attempts:   attempts,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode delayed entry: %w", err)
	}

	err = s.shared.Client().ZAdd(ctx, delayedSetKey, &redis.Z{
		Score:  float64(dueAt.Unix()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule delayed message: %w", err)
	}
	monitoring.RetriesScheduled.WithLabelValues(routingKey).Inc()
	return nil
}

// Start runs the promotion loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.promoteDue(ctx); err != nil {
				telemetry.LogFromContext(ctx).Warnf("delayed promotion pass failed: %v", err)
			}
		}
	}
}

// promoteDue republishes every entry whose due time has passed. A failed
// publish leaves the entry in place for the next pass.
func (s *Scheduler) promoteDue(ctx context.Context) error {
	now := time.Now()
	members, err := s.shared.Client().ZRangeByScore(ctx, delayedSetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: int64(s.batchSize),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed set: %w", err)
	}

	for _, member := range members {
		var entry delayedEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			// Unparseable entries would wedge the set forever; drop them.
			telemetry.LogFromContext(ctx).Errorf("dropping corrupt delayed entry: %v", err)
			_ = s.shared.Client().ZRem(ctx, delayedSetKey, member).Err()
			continue
		}

		body, err := entry.Message.Encode()
		if err != nil {
			_ = s.shared.Client().ZRem(ctx, delayedSetKey, member).Err()
			continue
		}

		headers := broker.Headers(entry.Attempts, entry.EnqueuedAt, "")
		if err := s.publisher.Publish(ctx, entry.RoutingKey, body, headers, 0); err != nil {
			telemetry.LogFromContext(ctx).WithField("routing_key", entry.RoutingKey).
				Warnf("failed to republish delayed message: %v", err)
			continue
		}
		if err := s.shared.Client().ZRem(ctx, delayedSetKey, member).Err(); err != nil {
			telemetry.LogFromContext(ctx).Warnf("failed to remove promoted entry: %v", err)
		}
	}
	return nil
}

// Depth returns the number of parked messages, for the stats surface.
func (s *Scheduler) Depth(ctx context.Context) (int64, error) {
	return s.shared.Client().ZCard(ctx, delayedSetKey).Result()
}

// Stop halts the promotion loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Backoff computes the delay before retry attempt n (1-based): base
// doubled per attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Jitter spreads a delay by up to 20 percent to avoid retry stampedes.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d / 5)
	if spread == 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}
