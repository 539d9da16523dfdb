package broker

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivehub/notify/internal/store"
)

func TestDecode(t *testing.T) {
	body := []byte(`{
		"id": "8e5f0a51-7c1d-47f6-8a9e-2d4c3b1a0f9e",
		"userId": "user-1",
		"type": "SYSTEM_ALERT",
		"title": "maintenance",
		"priority": "HIGH",
		"channels": ["EMAIL", "IN_APP"]
	}`)

	m, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "user-1", m.UserID)
	assert.Equal(t, "SYSTEM_ALERT", m.Type)
	assert.Equal(t, []string{"EMAIL", "IN_APP"}, m.Channels)
}

func TestDecodeTolerant(t *testing.T) {
	// Unknown fields and nulls from other schema versions must not break
	// decoding.
	body := []byte(`{
		"id": "n-1",
		"userId": "user-1",
		"type": "SYSTEM_ALERT",
		"content": null,
		"someFutureField": {"nested": true}
	}`)

	m, err := Decode(body)
	require.NoError(t, err)
	assert.Empty(t, m.Content)
}

func TestDecodeConversionFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"id": `},
		{"missing id", `{"userId": "user-1"}`},
		{"missing userId", `{"id": "n-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := &Message{
		ID:         "n-1",
		UserID:     "user-1",
		Type:       "SYSTEM_ALERT",
		Priority:   "CRITICAL",
		Channels:   []string{"EMAIL"},
		Variables:  map[string]string{"name": "Ada"},
		TemplateID: "welcome",
	}

	body, err := m.Encode()
	require.NoError(t, err)

	got, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestMergedMetadata(t *testing.T) {
	m := &Message{
		Metadata: map[string]string{
			"userEmail": "flat@example.com",
			"source":    "billing",
		},
		MetadataMap: map[string]interface{}{
			"userEmail": "map@example.com",
			"retries":   3,
			"skipped":   nil,
		},
	}

	merged := m.MergedMetadata()
	assert.Equal(t, "map@example.com", merged["userEmail"])
	assert.Equal(t, "billing", merged["source"])
	assert.Equal(t, "3", merged["retries"])
	assert.NotContains(t, merged, "skipped")
}

func TestStoreChannelsDropsUnknown(t *testing.T) {
	m := &Message{Channels: []string{"EMAIL", "CARRIER_PIGEON", "SMS"}}

	assert.Equal(t, store.ChannelList{store.ChannelEmail, store.ChannelSMS}, m.StoreChannels())
}

func TestAttempts(t *testing.T) {
	tests := []struct {
		name     string
		headers  amqp.Table
		expected int
	}{
		{"absent", amqp.Table{}, 0},
		{"int", amqp.Table{HeaderAttempts: 3}, 3},
		{"int32", amqp.Table{HeaderAttempts: int32(4)}, 4},
		{"int64", amqp.Table{HeaderAttempts: int64(5)}, 5},
		{"string", amqp.Table{HeaderAttempts: "6"}, 6},
		{"garbage string", amqp.Table{HeaderAttempts: "many"}, 0},
		{"wrong type", amqp.Table{HeaderAttempts: 1.5}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Attempts(tt.headers))
		})
	}
}

func TestHeaders(t *testing.T) {
	enqueued := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	headers := Headers(2, enqueued, "corr-1")
	assert.Equal(t, int32(2), headers[HeaderAttempts])
	assert.Equal(t, "2026-08-24T10:00:00Z", headers[HeaderFirstEnqueuedAt])
	assert.Equal(t, "corr-1", headers[HeaderCorrelationID])
	assert.Equal(t, "corr-1", CorrelationID(headers))

	headers = Headers(0, enqueued, "")
	assert.NotContains(t, headers, HeaderCorrelationID)
	assert.Empty(t, CorrelationID(headers))
}
