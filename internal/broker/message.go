package broker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hivehub/notify/internal/store"
)

// Header names carried on every published message.
const (
	HeaderAttempts        = "x-attempts"
	HeaderFirstEnqueuedAt = "x-first-enqueued-at"
	HeaderCorrelationID   = "x-correlation-id"
)

// Message is the wire envelope for a notification event. Decoding is
// tolerant: unknown fields are ignored and JSON nulls leave fields at
// their zero value, so producers on older or newer schema versions
// interoperate.
type Message struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Priority string `json:"priority"`

	Channels []string `json:"channels,omitempty"`

	// Metadata carries flat string pairs; MetadataMap carries the
	// structured variant. When both are present the map wins per key.
	Metadata    map[string]string      `json:"metadata,omitempty"`
	MetadataMap map[string]interface{} `json:"metadataMap,omitempty"`

	// Variables feed template rendering.
	Variables map[string]string `json:"variables,omitempty"`

	TemplateID string `json:"templateId,omitempty"`
	Locale     string `json:"locale,omitempty"`
}

// Decode parses a message body. An empty id or userId is a conversion
// failure: the message can never be processed and belongs in the DLQ.
func Decode(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("malformed message body: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("message missing id")
	}
	if m.UserID == "" {
		return nil, fmt.Errorf("message missing userId")
	}
	return &m, nil
}

// Encode serializes a message for publishing.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// MergedMetadata combines Metadata and MetadataMap with the map winning
// on key conflicts. Non-string map values are formatted with %v.
func (m *Message) MergedMetadata() map[string]string {
	merged := make(map[string]string, len(m.Metadata)+len(m.MetadataMap))
	for k, v := range m.Metadata {
		merged[k] = v
	}
	for k, v := range m.MetadataMap {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			merged[k] = s
		} else {
			merged[k] = fmt.Sprintf("%v", v)
		}
	}
	return merged
}

// StoreChannels converts the wire channel names, dropping unknown values.
func (m *Message) StoreChannels() store.ChannelList {
	var out store.ChannelList
	for _, c := range m.Channels {
		ch := store.Channel(c)
		switch ch {
		case store.ChannelEmail, store.ChannelInApp, store.ChannelPush, store.ChannelSMS:
			out = append(out, ch)
		}
	}
	return out
}

// Attempts reads the x-attempts header, defaulting to 0.
func Attempts(headers amqp.Table) int {
	v, ok := headers[HeaderAttempts]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return 0
}

// CorrelationID reads the x-correlation-id header.
func CorrelationID(headers amqp.Table) string {
	if v, ok := headers[HeaderCorrelationID].(string); ok {
		return v
	}
	return ""
}

// Headers builds the standard header table for a publish.
func Headers(attempts int, firstEnqueuedAt time.Time, correlationID string) amqp.Table {
	t := amqp.Table{
		HeaderAttempts:        int32(attempts),
		HeaderFirstEnqueuedAt: firstEnqueuedAt.UTC().Format(time.RFC3339),
	}
	if correlationID != "" {
		t[HeaderCorrelationID] = correlationID
	}
	return t
}
