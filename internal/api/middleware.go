// Package api is the HTTP surface: routing, authentication, rate limiting
// and the JSON error envelope.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hivehub/notify/internal/apperrors"
	"github.com/hivehub/notify/internal/monitoring"
	"github.com/hivehub/notify/internal/ratelimit"
	"github.com/hivehub/notify/internal/telemetry"
)

const correlationHeader = "X-Correlation-ID"

// CorrelationMiddleware accepts or mints the request correlation ID and
// echoes it on the response.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(correlationHeader)
		if correlationID == "" {
			correlationID = telemetry.NewCorrelationID()
		}
		ctx := telemetry.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(correlationHeader, correlationID)
		c.Next()
	}
}

// RequestLogMiddleware logs one line per request with latency and status.
func RequestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		telemetry.LogFromContext(c.Request.Context()).WithFields(map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}).Info("request completed")
	}
}

// RecoveryMiddleware converts panics into enveloped 500 responses.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				telemetry.LogFromContext(c.Request.Context()).WithFields(map[string]interface{}{
					"operation":   "panic_recovery",
					"panic_value": fmt.Sprintf("%v", r),
					"path":        c.Request.URL.Path,
				}).Error("panic recovered in handler")

				writeError(c, apperrors.NewInternalError("An unexpected error occurred", nil))
				c.Abort()
			}
		}()
		c.Next()
	}
}

// RateLimitMiddleware enforces the class bucket and stamps the
// X-RateLimit-* headers on every response, denied or not.
func RateLimitMiddleware(limiter *ratelimit.Limiter, class ratelimit.Class) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := CurrentPrincipal(c)
		result, err := limiter.Allow(c.Request.Context(), p.RateKey(c.ClientIP()), class)
		if err != nil {
			// A broken limiter must not take the API down.
			telemetry.LogFromContext(c.Request.Context()).Warnf("rate limiter error: %v", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.ResetAt.IsZero() {
			c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		}

		if !result.Allowed {
			monitoring.RateLimitDenied.WithLabelValues(string(class)).Inc()
			c.Header("Retry-After", strconv.Itoa(result.RetryAfter))
			abortWithError(c, apperrors.NewRateLimitError(result.Limit, result.RetryAfter))
			return
		}
		c.Next()
	}
}

// abortWithError terminates the request with an enveloped error response.
func abortWithError(c *gin.Context, appErr *apperrors.AppError) {
	writeError(c, appErr)
	c.Abort()
}

// writeError renders the standard error envelope, logging by severity the
// way the rest of the service logs.
func writeError(c *gin.Context, appErr *apperrors.AppError) {
	if appErr.CorrelationID == "" {
		appErr.CorrelationID = telemetry.GetCorrelationID(c.Request.Context())
	}

	log := telemetry.LogFromContext(c.Request.Context()).WithFields(map[string]interface{}{
		"error_type": string(appErr.Type),
		"error_code": appErr.Code,
		"path":       c.Request.URL.Path,
	})
	switch appErr.Type {
	case apperrors.ErrorTypeValidation, apperrors.ErrorTypeAuthentication,
		apperrors.ErrorTypeAuthorization, apperrors.ErrorTypeRateLimit:
		log.Warn(appErr.Message)
	case apperrors.ErrorTypeNotFound, apperrors.ErrorTypeConflict:
		log.Info(appErr.Message)
	default:
		log.Error(appErr.Error())
	}

	envelope := apperrors.NewEnvelope(appErr, c.Request.URL.Path)
	c.JSON(appErr.HTTPStatus, envelope)
}

// NotFoundHandler answers unknown routes with a 404 envelope. It runs
// before any auth challenge: probing for routes never yields a 401.
func NotFoundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		appErr := apperrors.NewNotFoundError("route").WithHTTPStatus(http.StatusNotFound)
		appErr.Message = fmt.Sprintf("no route for %s %s", c.Request.Method, c.Request.URL.Path)
		writeError(c, appErr)
	}
}
