package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/hivehub/notify/internal/blacklist"
	"github.com/hivehub/notify/internal/cache"
	"github.com/hivehub/notify/internal/config"
	"github.com/hivehub/notify/internal/delivery"
	"github.com/hivehub/notify/internal/dispatch"
	"github.com/hivehub/notify/internal/monitoring"
	"github.com/hivehub/notify/internal/ratelimit"
	"github.com/hivehub/notify/internal/scheduler"
	"github.com/hivehub/notify/internal/store"
	"github.com/hivehub/notify/internal/template"
)

// Server holds the HTTP surface's dependencies.
type Server struct {
	cfg         *config.Config
	store       *store.Store
	shared      *cache.Service
	ingress     *dispatch.Ingress
	engine      *template.Engine
	cleanup     *scheduler.CleanupService
	limiter     *ratelimit.Limiter
	auth        *Authenticator
	health      *monitoring.HealthChecker
	publisher   dispatch.Publisher
	retries     *delivery.Scheduler
	revocations *blacklist.Store
}

// NewServer wires the HTTP surface.
func NewServer(
	cfg *config.Config,
	st *store.Store,
	shared *cache.Service,
	ingress *dispatch.Ingress,
	engine *template.Engine,
	cleanup *scheduler.CleanupService,
	limiter *ratelimit.Limiter,
	auth *Authenticator,
	health *monitoring.HealthChecker,
	publisher dispatch.Publisher,
	retries *delivery.Scheduler,
	revocations *blacklist.Store,
) *Server {
	return &Server{
		cfg:         cfg,
		store:       st,
		shared:      shared,
		ingress:     ingress,
		engine:      engine,
		cleanup:     cleanup,
		limiter:     limiter,
		auth:        auth,
		health:      health,
		publisher:   publisher,
		retries:     retries,
		revocations: revocations,
	}
}

// Router builds the gin engine with the full middleware chain and route
// table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(otelgin.Middleware("notify"))
	r.Use(CorrelationMiddleware())
	r.Use(RequestLogMiddleware())

	// Unknown routes 404 before any auth challenge.
	r.NoRoute(NotFoundHandler())

	// Public probes and metrics.
	r.GET("/health", s.health.LivenessHandler())
	r.GET("/actuator/health", s.health.ReadinessHandler())
	r.GET("/actuator/prometheus", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(s.auth.Middleware())

	notifications := v1.Group("/notifications")
	{
		notifications.POST("",
			RateLimitMiddleware(s.limiter, ratelimit.ClassWrite), RequireSender(), s.createNotification)
		notifications.GET("",
			RateLimitMiddleware(s.limiter, ratelimit.ClassRead), RequireUser(), s.listNotifications)
		notifications.PUT("/read",
			RateLimitMiddleware(s.limiter, ratelimit.ClassWrite), RequireUser(), s.bulkMarkRead)
		notifications.GET("/:id",
			RateLimitMiddleware(s.limiter, ratelimit.ClassRead), RequireUser(), s.getNotification)
		notifications.PUT("/:id/read",
			RateLimitMiddleware(s.limiter, ratelimit.ClassWrite), RequireUser(), s.markRead)
		notifications.DELETE("/:id",
			RateLimitMiddleware(s.limiter, ratelimit.ClassWrite), RequireUser(), s.deleteNotification)
	}

	preferences := v1.Group("/preferences")
	preferences.Use(RequireUser())
	{
		preferences.GET("",
			RateLimitMiddleware(s.limiter, ratelimit.ClassRead), s.getPreferences)
		preferences.GET("/all",
			RateLimitMiddleware(s.limiter, ratelimit.ClassRead), s.listPreferences)
		preferences.PUT("/:category",
			RateLimitMiddleware(s.limiter, ratelimit.ClassWrite), s.putPreferences)
	}

	admin := v1.Group("/admin")
	admin.Use(RateLimitMiddleware(s.limiter, ratelimit.ClassAdmin), RequireAdmin())
	{
		admin.GET("/templates", s.listTemplates)
		admin.PUT("/templates", s.putTemplate)
		admin.DELETE("/templates/:id", s.deleteTemplate)

		admin.POST("/cleanup/run", s.runCleanup)
		admin.POST("/cleanup/run-async", s.runCleanupAsync)
		admin.POST("/cleanup/user/:userId", s.cleanupUser)
		admin.GET("/cleanup/config", s.cleanupConfig)

		admin.GET("/stats", s.stats)
		admin.GET("/export", s.exportArchive)

		admin.GET("/dlq", s.listDeadLetters)
		admin.POST("/dlq/:id/replay", s.replayDeadLetter)
		admin.DELETE("/dlq", s.purgeDeadLetters)

		admin.POST("/revocations/users/:userId", s.revokeUser)
	}

	return r
}
