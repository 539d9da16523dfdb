// Package delivery executes channel sends and owns the retry schedule.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hivehub/notify/internal/apperrors"
	"github.com/hivehub/notify/internal/monitoring"
	"github.com/hivehub/notify/internal/store"
	"github.com/hivehub/notify/internal/template"
)

// Transport sends one rendered notification over a single channel.
// Implementations classify failures via apperrors: transient errors are
// retried, permanent ones dead-letter immediately.
type Transport interface {
	Channel() store.Channel
	Send(ctx context.Context, n *store.Notification, rendered *template.Output) error
}

// BreakerTransport wraps a transport in a circuit breaker. While the
// circuit is open, sends fail fast as transient so the retry schedule
// absorbs the outage instead of hammering a failing provider.
type BreakerTransport struct {
	inner   Transport
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerTransport wraps inner with the standard breaker settings:
// trip after 5 consecutive failures, probe again after 30 seconds.
func NewBreakerTransport(inner Transport) *BreakerTransport {
	settings := gobreaker.Settings{
		Name:    string(inner.Channel()),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Permanent failures are the caller's problem, not the
			// provider's; they must not trip the circuit.
			return err == nil || apperrors.IsErrorType(err, apperrors.ErrorTypeTransportPermanent)
		},
	}
	return &BreakerTransport{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Channel returns the wrapped transport's channel.
func (b *BreakerTransport) Channel() store.Channel {
	return b.inner.Channel()
}

// Send executes the wrapped send through the breaker.
func (b *BreakerTransport) Send(ctx context.Context, n *store.Notification, rendered *template.Output) error {
	start := time.Now()
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.inner.Send(ctx, n, rendered)
	})
	monitoring.DeliveryDuration.WithLabelValues(string(b.Channel())).Observe(time.Since(start).Seconds())

	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.NewTransportTransientError(string(b.Channel()), "circuit open")
	}
	return err
}
