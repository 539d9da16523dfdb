package delivery

import (
	"context"

	"github.com/hivehub/notify/internal/store"
	"github.com/hivehub/notify/internal/telemetry"
	"github.com/hivehub/notify/internal/template"
)

// SMSSender is the pluggable provider hook for SMS delivery.
type SMSSender interface {
	SendSMS(ctx context.Context, userID, body string) error
}

// SMSTransport forwards the rendered body to the SMS provider, or logs it
// when no provider is configured.
type SMSTransport struct {
	sender SMSSender
}

// NewSMSTransport creates an SMS transport; sender may be nil.
func NewSMSTransport(sender SMSSender) *SMSTransport {
	return &SMSTransport{sender: sender}
}

// Channel identifies this transport.
func (t *SMSTransport) Channel() store.Channel {
	return store.ChannelSMS
}

// Send forwards the body to the provider.
func (t *SMSTransport) Send(ctx context.Context, n *store.Notification, rendered *template.Output) error {
	if t.sender == nil {
		telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
			"channel":         "SMS",
			"notification_id": n.ID.String(),
		}).Infof("no SMS provider configured, body: %s", rendered.Body)
		return nil
	}
	return t.sender.SendSMS(ctx, n.UserID, rendered.Body)
}
