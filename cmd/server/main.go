// Command server runs the notification delivery service: HTTP and AMQP
// ingress, the dispatcher, channel delivery workers and the background
// scheduler, all in one process.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/hivehub/notify/internal/api"
	"github.com/hivehub/notify/internal/blacklist"
	"github.com/hivehub/notify/internal/broker"
	"github.com/hivehub/notify/internal/cache"
	"github.com/hivehub/notify/internal/config"
	"github.com/hivehub/notify/internal/delivery"
	"github.com/hivehub/notify/internal/dispatch"
	"github.com/hivehub/notify/internal/monitoring"
	"github.com/hivehub/notify/internal/policy"
	"github.com/hivehub/notify/internal/ratelimit"
	"github.com/hivehub/notify/internal/scheduler"
	"github.com/hivehub/notify/internal/store"
	"github.com/hivehub/notify/internal/telemetry"
	tmpl "github.com/hivehub/notify/internal/template"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		telemetry.GetGlobalLogger().Errorf("configuration error: %v", err)
		return exitConfig
	}

	if err := telemetry.InitGlobalLogger(telemetry.LogConfigFromEnv()); err != nil {
		return exitConfig
	}
	log := telemetry.GetGlobalLogger()

	tracingCfg := telemetry.DefaultTracingConfig()
	tracingCfg.ServiceVersion = version
	tracing, err := telemetry.NewProvider(tracingCfg)
	if err != nil {
		log.Warnf("tracing disabled: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Errorf("failed to open database: %v", err)
		return exitConfig
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	defer func() { _ = db.Close() }()

	st := store.New(db)
	if err := st.Ping(context.Background()); err != nil {
		log.Errorf("database unreachable: %v", err)
		return exitConfig
	}

	shared, err := cache.NewService(cfg.RedisURL)
	if err != nil {
		log.Errorf("redis unreachable: %v", err)
		return exitConfig
	}
	defer func() { _ = shared.Close() }()

	conn, err := broker.Dial(cfg.AMQPURL, broker.TopologyConfig{
		MessageTTL:  cfg.Queue.MessageTTL.Milliseconds(),
		DLQTTL:      cfg.Queue.DeadLetterTTL.Milliseconds(),
		MaxPriority: int32(cfg.Queue.MaxPriority),
	})
	if err != nil {
		log.Errorf("broker unreachable: %v", err)
		return exitConfig
	}
	defer func() { _ = conn.Close() }()

	publisher, err := broker.NewPublisher(conn)
	if err != nil {
		log.Errorf("failed to open publisher channel: %v", err)
		return exitConfig
	}
	defer func() { _ = publisher.Close() }()

	// Core services, leaf first.
	revocations := blacklist.NewStore(shared)
	gate := policy.NewGate(st, revocations, shared)
	engine := tmpl.NewEngine(st, shared, tmpl.Config{
		CompiledTTL:   cfg.Template.CompiledTTL,
		RenderedTTL:   cfg.Template.RenderedTTL,
		DefaultLocale: cfg.Template.DefaultLocale,
	})
	retries := delivery.NewScheduler(shared, publisher, cfg.Worker.DelayedPollInterval)

	transports := []delivery.Transport{
		delivery.NewBreakerTransport(delivery.NewEmailTransport(cfg.SMTP)),
		delivery.NewInAppTransport(),
		delivery.NewBreakerTransport(delivery.NewPushTransport(nil)),
		delivery.NewBreakerTransport(delivery.NewSMSTransport(nil)),
	}
	worker := delivery.NewWorker(st, engine, transports, retries, cfg.Retry, cfg.Worker.MaxConcurrency)

	ingress := dispatch.NewIngress(st, publisher, cfg.Retry.MaxRetries)
	dispatcher := dispatch.NewDispatcher(st, gate, publisher, worker, retries)
	emailWorker := delivery.NewEmailWorker(st, worker)

	cleanup := scheduler.NewCleanupService(st, shared, cfg.Retention)
	jobs := scheduler.NewJobs(cleanup, shared, conn)
	sched, err := scheduler.New(cfg.RedisURL, cfg.Retention, jobs)
	if err != nil {
		log.Errorf("failed to build scheduler: %v", err)
		return exitConfig
	}

	limiter := ratelimit.NewLimiter(shared, ratelimit.Config{
		Limits: map[ratelimit.Class]ratelimit.Limit{
			ratelimit.ClassRead:   {Requests: cfg.RateLimit.ReadPerMinute, Window: time.Minute, Burst: cfg.RateLimit.Burst},
			ratelimit.ClassWrite:  {Requests: cfg.RateLimit.WritePerMinute, Window: time.Minute, Burst: cfg.RateLimit.Burst},
			ratelimit.ClassAdmin:  {Requests: cfg.RateLimit.AdminPerMinute, Window: time.Minute, Burst: cfg.RateLimit.Burst},
			ratelimit.ClassPublic: {Requests: cfg.RateLimit.PublicPerMinute, Window: time.Minute, Burst: cfg.RateLimit.Burst},
		},
	})
	auth := api.NewAuthenticator(cfg.Auth, revocations)

	health := monitoring.NewHealthChecker("notify", version)
	health.RegisterDatabaseCheck("postgres", db)
	health.RegisterPingerCheck("redis", shared)
	health.RegisterPingerCheck("rabbitmq", conn)

	server := api.NewServer(cfg, st, shared, ingress, engine, cleanup, limiter, auth, health, publisher, retries, revocations)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start the moving parts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	retries.Start(ctx)

	consumers := []*broker.Consumer{
		broker.NewConsumer(conn, broker.QueueMain, "dispatcher-main", cfg.Worker.Prefetch, dispatcher.HandleDelivery),
		broker.NewConsumer(conn, broker.QueuePriority, "dispatcher-priority", cfg.Worker.Prefetch, dispatcher.HandleDelivery),
		broker.NewConsumer(conn, broker.QueueEmail, "email-worker", cfg.Worker.Prefetch, emailWorker.HandleDelivery),
	}
	for _, c := range consumers {
		c.Start(ctx)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Infof("http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := sched.Run(); err != nil {
			errCh <- err
		}
	}()

	exit := exitOK
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Errorf("fatal runtime error: %v", err)
		exit = exitRuntime
	}

	// Drain in dependency order: stop taking HTTP traffic, stop the
	// consumers, stop the retry promoter, then the scheduler.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	for _, c := range consumers {
		c.Stop()
	}
	retries.Stop()
	sched.Shutdown()
	if tracing != nil {
		_ = tracing.Shutdown(shutdownCtx)
	}

	log.Info("shutdown complete")
	return exit
}
