package delivery

import (
	"context"

	"github.com/hivehub/notify/internal/store"
	"github.com/hivehub/notify/internal/template"
)

// InAppTransport delivers to the in-app inbox. The persisted record is the
// inbox row, so by the time a send runs the delivery already exists;
// Send is a no-op that exists to keep the channel in the common pipeline.
type InAppTransport struct{}

// NewInAppTransport creates the in-app transport.
func NewInAppTransport() *InAppTransport {
	return &InAppTransport{}
}

// Channel identifies this transport.
func (t *InAppTransport) Channel() store.Channel {
	return store.ChannelInApp
}

// Send succeeds unconditionally; the unread row was written at ingress.
func (t *InAppTransport) Send(_ context.Context, _ *store.Notification, _ *template.Output) error {
	return nil
}
