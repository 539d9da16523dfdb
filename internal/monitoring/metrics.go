// Package monitoring exposes Prometheus metrics and health checks.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NotificationsCreated counts accepted submissions by ingress surface.
	NotificationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_notifications_created_total",
		Help: "Notifications accepted, by ingress source.",
	}, []string{"source"})

	// NotificationsSent counts successful deliveries by channel.
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_notifications_sent_total",
		Help: "Notifications delivered, by channel.",
	}, []string{"channel"})

	// NotificationsFailed counts failed delivery attempts by channel and
	// whether the failure was permanent.
	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_notifications_failed_total",
		Help: "Failed delivery attempts, by channel and kind.",
	}, []string{"channel", "kind"})

	// NotificationsSuppressed counts records closed without delivery.
	NotificationsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_notifications_suppressed_total",
		Help: "Notifications suppressed by policy, by reason.",
	}, []string{"reason"})

	// NotificationsDeadLettered counts messages moved to a DLQ.
	NotificationsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_notifications_deadlettered_total",
		Help: "Messages dead-lettered, by queue.",
	}, []string{"queue"})

	// EmailRouted counts events fanned out to the email queue.
	EmailRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_email_routed_total",
		Help: "Events routed to the email delivery queue.",
	})

	// RetriesScheduled counts delayed redeliveries.
	RetriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_retries_scheduled_total",
		Help: "Retries placed in the delayed set, by routing key.",
	}, []string{"routing_key"})

	// RateLimitDenied counts 429 responses by limiter class.
	RateLimitDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_ratelimit_denied_total",
		Help: "Requests denied by the rate limiter, by class.",
	}, []string{"class"})

	// CacheHits and CacheMisses mirror the shared cache counters; the
	// scheduler flushes them periodically.
	CacheHits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notify_cache_hits",
		Help: "Cache hits since the last counter reset.",
	})
	CacheMisses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notify_cache_misses",
		Help: "Cache misses since the last counter reset.",
	})

	// DeliveryDuration observes end-to-end send latency per channel.
	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "notify_delivery_duration_seconds",
		Help:    "Channel send latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})

	// RenderDuration observes template rendering latency.
	RenderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notify_render_duration_seconds",
		Help:    "Template render latency.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// QueueDepth reports broker queue depths, sampled by the scheduler.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "notify_queue_depth",
		Help: "Broker queue depth.",
	}, []string{"queue"})

	// ActiveWorkers reports currently running channel workers.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notify_active_workers",
		Help: "Channel delivery workers currently processing.",
	})
)
