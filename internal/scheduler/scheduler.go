package scheduler

import (
	"github.com/hibiken/asynq"

	"github.com/hivehub/notify/internal/config"
)

// Scheduler manages periodic job scheduling using asynq.
type Scheduler struct {
	scheduler *asynq.Scheduler
	server    *asynq.Server
	mux       *asynq.ServeMux
}

// New creates the scheduler and its task server from the shared Redis.
func New(redisURL string, retention config.RetentionConfig, jobs *Jobs) (*Scheduler, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}

	sched := asynq.NewScheduler(redisOpt, nil)

	entries := []struct {
		cron string
		task string
	}{
		{retention.CleanupCron, TypeCleanup},
		{retention.StatsFlushCron, TypeCacheStats},
		{retention.BlacklistCron, TypeBlacklistSweep},
		{"* * * * *", TypeQueueDepths},
	}
	for _, e := range entries {
		if _, err := sched.Register(e.cron, asynq.NewTask(e.task, nil)); err != nil {
			return nil, err
		}
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 2,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeCleanup, jobs.HandleCleanup)
	mux.HandleFunc(TypeCacheStats, jobs.HandleCacheStats)
	mux.HandleFunc(TypeBlacklistSweep, jobs.HandleBlacklistSweep)
	mux.HandleFunc(TypeQueueDepths, jobs.HandleQueueDepths)

	return &Scheduler{scheduler: sched, server: server, mux: mux}, nil
}

// Run starts the cron scheduler and the task server. Blocks until both
// stop.
func (s *Scheduler) Run() error {
	if err := s.scheduler.Start(); err != nil {
		return err
	}
	return s.server.Run(s.mux)
}

// Shutdown gracefully stops the scheduler and the task server.
func (s *Scheduler) Shutdown() {
	s.scheduler.Shutdown()
	s.server.Shutdown()
}
