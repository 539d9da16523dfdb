package scheduler

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/hivehub/notify/internal/broker"
	"github.com/hivehub/notify/internal/cache"
	"github.com/hivehub/notify/internal/monitoring"
	"github.com/hivehub/notify/internal/telemetry"
)

// Task type identifiers
const (
	TypeCleanup        = "notify:cleanup"
	TypeCacheStats     = "notify:cache_stats"
	TypeBlacklistSweep = "notify:blacklist_sweep"
	TypeQueueDepths    = "notify:queue_depths"
)

// Jobs holds the periodic task handlers.
type Jobs struct {
	cleanup *CleanupService
	shared  *cache.Service
	conn    *broker.Conn
}

// NewJobs wires the task handlers.
func NewJobs(cleanup *CleanupService, shared *cache.Service, conn *broker.Conn) *Jobs {
	return &Jobs{cleanup: cleanup, shared: shared, conn: conn}
}

// HandleCleanup runs the retention pass. A pass already in flight on
// another instance is not an error.
func (j *Jobs) HandleCleanup(ctx context.Context, _ *asynq.Task) error {
	_, err := j.cleanup.Run(ctx)
	if errors.Is(err, ErrAlreadyRunning) {
		telemetry.LogFromContext(ctx).Info("cleanup already running elsewhere, skipping")
		return nil
	}
	return err
}

// HandleCacheStats flushes the cache hit/miss counters to metrics and
// resets them.
func (j *Jobs) HandleCacheStats(ctx context.Context, _ *asynq.Task) error {
	stats := j.shared.Stats()
	monitoring.CacheHits.Set(float64(stats.Hits))
	monitoring.CacheMisses.Set(float64(stats.Misses))
	telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"hits":     stats.Hits,
		"misses":   stats.Misses,
		"hit_rate": stats.HitRate(),
	}).Debug("cache stats flushed")
	j.shared.ResetStats()
	return nil
}

// HandleBlacklistSweep audits the sweep cadence. Redis expires blacklist
// keys on its own; the job exists so the sweep shows up in the logs and
// can grow a real reconciliation later.
func (j *Jobs) HandleBlacklistSweep(ctx context.Context, _ *asynq.Task) error {
	telemetry.LogFromContext(ctx).Info("blacklist sweep pass")
	return nil
}

// HandleQueueDepths samples broker queue depths into the gauge.
func (j *Jobs) HandleQueueDepths(ctx context.Context, _ *asynq.Task) error {
	ch, err := j.conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	depths, err := broker.QueueDepths(ch)
	if err != nil {
		return err
	}
	for queue, depth := range depths {
		monitoring.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}
	return nil
}
