package delivery

import (
	"context"
	"encoding/json"

	"github.com/hivehub/notify/internal/store"
	"github.com/hivehub/notify/internal/telemetry"
	"github.com/hivehub/notify/internal/template"
)

// PushSender is the pluggable provider hook for push notifications. The
// payload is the JSON the provider forwards to the device.
type PushSender interface {
	SendPush(ctx context.Context, userID string, payload []byte) error
}

// PushTransport renders the push payload and hands it to the provider.
// With no provider configured it logs the payload and succeeds, so
// environments without a push integration keep a working pipeline.
type PushTransport struct {
	sender PushSender
}

// NewPushTransport creates a push transport; sender may be nil.
func NewPushTransport(sender PushSender) *PushTransport {
	return &PushTransport{sender: sender}
}

// Channel identifies this transport.
func (t *PushTransport) Channel() store.Channel {
	return store.ChannelPush
}

// Send builds the push payload and forwards it to the provider.
func (t *PushTransport) Send(ctx context.Context, n *store.Notification, rendered *template.Output) error {
	payload, err := json.Marshal(map[string]string{
		"title": firstNonEmpty(rendered.Subject, n.Title),
		"body":  rendered.Body,
		"type":  string(n.Type),
		"id":    n.ID.String(),
	})
	if err != nil {
		return err
	}

	if t.sender == nil {
		telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
			"channel":         "PUSH",
			"notification_id": n.ID.String(),
		}).Infof("no push provider configured, payload: %s", payload)
		return nil
	}
	return t.sender.SendPush(ctx, n.UserID, payload)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
