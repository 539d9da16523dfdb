// Package scheduler runs the periodic background jobs: retention cleanup,
// cache counter flushes, blacklist sweeps and queue depth sampling.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hivehub/notify/internal/cache"
	"github.com/hivehub/notify/internal/config"
	"github.com/hivehub/notify/internal/store"
	"github.com/hivehub/notify/internal/telemetry"
)

// ErrAlreadyRunning is returned when a cleanup pass is requested while
// another one holds the single-flight lock.
var ErrAlreadyRunning = errors.New("cleanup already running")

const cleanupLockKey = "cleanup:lock"

// CleanupResult summarizes one retention pass.
type CleanupResult struct {
	Processed int64         `json:"processed"`
	Archived  int64         `json:"archived"`
	Deleted   int64         `json:"deleted"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"started_at"`
}

// CleanupService archives terminal notifications past retention and
// hard-deletes archive rows past the hard limit. One pass runs at a time
// across all instances, guarded by a Redis lock.
type CleanupService struct {
	store     *store.Store
	shared    *cache.Service
	retention config.RetentionConfig
}

// NewCleanupService creates the retention cleanup service.
func NewCleanupService(st *store.Store, shared *cache.Service, retention config.RetentionConfig) *CleanupService {
	return &CleanupService{store: st, shared: shared, retention: retention}
}

// Run executes one synchronous cleanup pass.
func (s *CleanupService) Run(ctx context.Context) (*CleanupResult, error) {
	token := uuid.NewString()
	acquired, err := s.shared.SetNX(ctx, cleanupLockKey, token, 30*time.Minute)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrAlreadyRunning
	}
	defer func() { _ = s.shared.Delete(context.Background(), cleanupLockKey) }()

	start := time.Now()
	cutoff := start.AddDate(0, 0, -s.retention.RetentionDays)
	hardCutoff := start.AddDate(0, 0, -s.retention.HardDeleteDays)

	processed, err := s.store.CountOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	archived, err := s.store.ArchiveOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	deleted, err := s.store.DeleteArchivedOlderThan(ctx, hardCutoff)
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{
		Processed: processed,
		Archived:  archived,
		Deleted:   deleted,
		Duration:  time.Since(start),
		StartedAt: start.UTC(),
	}
	telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"processed": result.Processed,
		"archived":  result.Archived,
		"deleted":   result.Deleted,
		"duration":  result.Duration.String(),
	}).Info("retention cleanup completed")
	return result, nil
}

// RunUser purges one user's notifications, archive rows and preferences.
// Targeted at a single user, so it does not contend for the global lock.
func (s *CleanupService) RunUser(ctx context.Context, userID string) (int64, error) {
	deleted, err := s.store.PurgeUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"user_id": userID,
		"deleted": deleted,
	}).Info("user cleanup completed")
	return deleted, nil
}

// RunAsync starts a cleanup pass in the background. The immediate error
// only reflects lock acquisition problems visible synchronously.
func (s *CleanupService) RunAsync(ctx context.Context) {
	correlationID := telemetry.GetCorrelationID(ctx)
	go func() {
		bg := context.Background()
		if correlationID != "" {
			bg = telemetry.WithCorrelationID(bg, correlationID)
		}
		if _, err := s.Run(bg); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			telemetry.LogFromContext(bg).Errorf("async cleanup failed: %v", err)
		}
	}()
}
