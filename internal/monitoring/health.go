package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	Latency     *int64       `json:"latency_ms,omitempty"`
	LastChecked time.Time    `json:"last_checked"`
	Details     interface{}  `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Service    string                     `json:"service"`
	Version    string                     `json:"version"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
	System     SystemInfo                 `json:"system"`
}

// SystemInfo represents system-level information
type SystemInfo struct {
	Goroutines int    `json:"goroutines"`
	CPUCount   int    `json:"cpu_count"`
	GoVersion  string `json:"go_version"`
}

// Pinger is anything with a context-aware liveness probe.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// HealthChecker manages health checks for the service's dependencies.
type HealthChecker struct {
	mu         sync.RWMutex
	startTime  time.Time
	service    string
	version    string
	checkFuncs map[string]func() ComponentHealth
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		startTime:  time.Now(),
		service:    service,
		version:    version,
		checkFuncs: make(map[string]func() ComponentHealth),
	}
}

// RegisterDatabaseCheck registers a database health check
func (hc *HealthChecker) RegisterDatabaseCheck(name string, db *sql.DB) {
	hc.register(name, func() ComponentHealth {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := db.PingContext(ctx)
		latency := time.Since(start).Milliseconds()

		if err != nil {
			return ComponentHealth{
				Status:      HealthStatusUnhealthy,
				Message:     fmt.Sprintf("Database connection failed: %v", err),
				Latency:     &latency,
				LastChecked: time.Now(),
			}
		}

		stats := db.Stats()
		return ComponentHealth{
			Status:      HealthStatusHealthy,
			Latency:     &latency,
			LastChecked: time.Now(),
			Details: map[string]interface{}{
				"open_connections": stats.OpenConnections,
				"in_use":           stats.InUse,
				"idle":             stats.Idle,
			},
		}
	})
}

// RegisterPingerCheck registers any Pinger-backed dependency, such as the
// cache or the broker connection.
func (hc *HealthChecker) RegisterPingerCheck(name string, p Pinger) {
	hc.register(name, func() ComponentHealth {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := p.HealthCheck(ctx)
		latency := time.Since(start).Milliseconds()

		if err != nil {
			return ComponentHealth{
				Status:      HealthStatusUnhealthy,
				Message:     fmt.Sprintf("%s check failed: %v", name, err),
				Latency:     &latency,
				LastChecked: time.Now(),
			}
		}
		return ComponentHealth{
			Status:      HealthStatusHealthy,
			Latency:     &latency,
			LastChecked: time.Now(),
		}
	})
}

func (hc *HealthChecker) register(name string, fn func() ComponentHealth) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checkFuncs[name] = fn
}

// Check runs all registered checks and aggregates the result. Any
// unhealthy component makes the whole service unhealthy.
func (hc *HealthChecker) Check() *HealthResponse {
	hc.mu.RLock()
	funcs := make(map[string]func() ComponentHealth, len(hc.checkFuncs))
	for name, fn := range hc.checkFuncs {
		funcs[name] = fn
	}
	hc.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(funcs))
	overall := HealthStatusHealthy
	for name, fn := range funcs {
		health := fn()
		components[name] = health
		switch health.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}

	return &HealthResponse{
		Status:     overall,
		Service:    hc.service,
		Version:    hc.version,
		Timestamp:  time.Now().UTC(),
		Uptime:     time.Since(hc.startTime).Round(time.Second).String(),
		Components: components,
		System: SystemInfo{
			Goroutines: runtime.NumGoroutine(),
			CPUCount:   runtime.NumCPU(),
			GoVersion:  runtime.Version(),
		},
	}
}

// LivenessHandler answers a bare process-up probe.
func (hc *HealthChecker) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// ReadinessHandler answers the aggregated dependency probe. An unhealthy
// dependency yields 503 so the orchestrator stops routing traffic here.
func (hc *HealthChecker) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response := hc.Check()
		status := http.StatusOK
		if response.Status == HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, response)
	}
}
