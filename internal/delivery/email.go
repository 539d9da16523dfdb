package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/hivehub/notify/internal/apperrors"
	"github.com/hivehub/notify/internal/config"
	"github.com/hivehub/notify/internal/store"
	"github.com/hivehub/notify/internal/template"
)

// MetadataEmailKey mirrors the dispatcher's recipient metadata field.
const MetadataEmailKey = "userEmail"

// EmailTransport delivers over SMTP. The recipient address comes from the
// persisted record's metadata, never from the live message, so a replay
// cannot be redirected.
type EmailTransport struct {
	config config.SMTPConfig
}

// NewEmailTransport creates an SMTP transport.
func NewEmailTransport(cfg config.SMTPConfig) *EmailTransport {
	return &EmailTransport{config: cfg}
}

// Channel identifies this transport.
func (t *EmailTransport) Channel() store.Channel {
	return store.ChannelEmail
}

// Send delivers the rendered email. An email without a subject is a
// permanent failure: the render produced an unusable message.
func (t *EmailTransport) Send(ctx context.Context, n *store.Notification, rendered *template.Output) error {
	to := n.Metadata[MetadataEmailKey]
	if to == "" {
		return apperrors.NewTransportPermanentError("EMAIL", "record has no recipient address")
	}
	if rendered.Subject == "" {
		return apperrors.NewTransportPermanentError("EMAIL", "email requires a subject")
	}
	if !strings.Contains(to, "@") {
		return apperrors.NewTransportPermanentError("EMAIL", fmt.Sprintf("invalid recipient address %q", to))
	}

	msg := t.buildMessage(to, rendered)

	if err := t.send(ctx, to, msg); err != nil {
		return classifySMTPError(err)
	}
	return nil
}

func (t *EmailTransport) buildMessage(to string, rendered *template.Output) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", t.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", rendered.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(rendered.Body)
	return []byte(b.String())
}

// send dials with the configured timeout and honors context cancellation
// via the connection deadline.
func (t *EmailTransport) send(ctx context.Context, to string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", t.config.Host, t.config.Port)

	conn, err := net.DialTimeout("tcp", addr, t.config.Timeout)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(t.config.Timeout))
	}

	client, err := smtp.NewClient(conn, t.config.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(nil); err != nil {
			return err
		}
	}

	if t.config.Username != "" {
		auth := smtp.PlainAuth("", t.config.Username, t.config.Password, t.config.Host)
		if err := client.Auth(auth); err != nil {
			return err
		}
	}

	if err := client.Mail(t.config.From); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// classifySMTPError maps server responses to the retry taxonomy: 5xx
// replies are permanent, everything else (4xx, network) is transient.
func classifySMTPError(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code >= 500 {
		return apperrors.NewTransportPermanentError("EMAIL", protoErr.Error())
	}
	return apperrors.NewTransportTransientError("EMAIL", err.Error())
}
