package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivehub/notify/internal/apperrors"
	"github.com/hivehub/notify/internal/broker"
	"github.com/hivehub/notify/internal/store"
)

type recordedPublish struct {
	RoutingKey string
	Body       []byte
	Headers    amqp.Table
	Priority   uint8
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []recordedPublish
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, body []byte, headers amqp.Table, priority uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, recordedPublish{routingKey, body, headers, priority})
	return nil
}

func newMockIngress(t *testing.T, maxRetries int) (*Ingress, sqlmock.Sqlmock, *recordingPublisher) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	publisher := &recordingPublisher{}
	return NewIngress(store.New(db), publisher, maxRetries), mock, publisher
}

func storedRows(n *store.Notification) *sqlmock.Rows {
	variables, _ := n.Variables.Value()
	channels, _ := n.Channels.Value()
	metadata, _ := n.Metadata.Value()
	return sqlmock.NewRows([]string{
		"id", "user_id", "type", "priority", "title", "content", "template_id",
		"variables", "locale", "channels", "metadata", "state", "attempts", "max_retries",
		"last_error", "reason", "is_read", "created_at", "updated_at", "sent_at", "read_at", "deleted_at",
	}).AddRow(
		n.ID, n.UserID, n.Type, n.Priority, n.Title, n.Content, n.TemplateID,
		variables, n.Locale, channels, metadata, n.State, n.Attempts, n.MaxRetries,
		n.LastError, n.Reason, n.IsRead, n.CreatedAt, n.UpdatedAt, n.SentAt, n.ReadAt, n.DeletedAt,
	)
}

func validRequest() *CreateRequest {
	return &CreateRequest{
		UserID:   "user-1",
		Type:     "SYSTEM_ALERT",
		Title:    "maintenance window",
		Channels: []string{"EMAIL", "IN_APP"},
	}
}

func TestCreatePublishesFreshRecord(t *testing.T) {
	ingress, mock, publisher := newMockIngress(t, 3)

	// Postgres timestamptz keeps microseconds only; the RETURNING row
	// never carries the in-memory nanosecond precision.
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.New()
	mock.ExpectQuery(`INSERT INTO notifications`).
		WillReturnRows(storedRows(&store.Notification{
			ID: id, UserID: "user-1", Type: store.TypeSystemAlert,
			Priority: store.PriorityNormal, Title: "maintenance window",
			Channels: store.ChannelList{store.ChannelInApp}, State: store.StatePending,
			MaxRetries: 3, CreatedAt: now, UpdatedAt: now,
		}))

	req := validRequest()
	req.Channels = []string{"IN_APP"}

	stored, err := ingress.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, store.StatePending, stored.State)
	assert.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, publisher.published, 1)
	pub := publisher.published[0]
	assert.Equal(t, broker.KeyCreated, pub.RoutingKey)

	msg, err := broker.Decode(pub.Body)
	require.NoError(t, err)
	assert.Equal(t, id.String(), msg.ID)
	assert.Equal(t, "user-1", msg.UserID)
}

func TestCreateRoutesPriorityLane(t *testing.T) {
	ingress, mock, publisher := newMockIngress(t, 3)

	now := time.Now().UTC().Truncate(time.Microsecond)
	mock.ExpectQuery(`INSERT INTO notifications`).
		WillReturnRows(storedRows(&store.Notification{
			ID: uuid.New(), UserID: "user-1", Type: store.TypeSystemAlert,
			Priority: store.PriorityHigh, Title: "maintenance window",
			Channels: store.ChannelList{store.ChannelInApp}, State: store.StatePending,
			MaxRetries: 3, CreatedAt: now, UpdatedAt: now,
		}))

	req := validRequest()
	req.Channels = []string{"IN_APP"}
	req.Priority = "HIGH"

	_, err := ingress.Create(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, publisher.published, 1)
	pub := publisher.published[0]
	assert.Equal(t, "notification.priority.high", pub.RoutingKey)
	assert.Equal(t, store.PriorityHigh.QueuePriority(), pub.Priority)
}

func TestCreateDuplicatePublishesNothing(t *testing.T) {
	ingress, mock, publisher := newMockIngress(t, 3)

	id := uuid.New()
	existing := &store.Notification{
		ID: id, UserID: "user-1", Type: store.TypeSystemAlert,
		Priority: store.PriorityNormal, Title: "maintenance window",
		State: store.StateQueued, MaxRetries: 3,
		CreatedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now(),
	}
	mock.ExpectQuery(`INSERT INTO notifications`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(`SELECT .* FROM notifications WHERE id`).
		WithArgs(id).
		WillReturnRows(storedRows(existing))

	req := validRequest()
	req.ID = id.String()
	req.Channels = []string{"IN_APP"}

	stored, err := ingress.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, store.StateQueued, stored.State)
	assert.NoError(t, mock.ExpectationsWereMet())

	// The duplicate must not re-enter the queue.
	assert.Empty(t, publisher.published)
}

func TestValidate(t *testing.T) {
	ingress := NewIngress(nil, nil, 3)

	assert.Nil(t, ingress.Validate(validRequest()))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		field  string
	}{
		{"missing userId", func(r *CreateRequest) { r.UserID = " " }, "userId"},
		{"missing type", func(r *CreateRequest) { r.Type = "" }, "type"},
		{"unknown priority", func(r *CreateRequest) { r.Priority = "EXTREME" }, "priority"},
		{"unknown channel", func(r *CreateRequest) { r.Channels = []string{"FAX"} }, "channels"},
		{"non-uuid id", func(r *CreateRequest) { r.ID = "not-a-uuid" }, "id"},
		{"no content source", func(r *CreateRequest) {
			r.Title = ""
			r.Content = ""
			r.TemplateID = ""
		}, "content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ingress := NewIngress(nil, nil, 3)
			req := validRequest()
			tt.mutate(req)

			appErr := ingress.Validate(req)
			require.NotNil(t, appErr)
			assert.Equal(t, apperrors.ErrorTypeValidation, appErr.Type)
			assert.Equal(t, tt.field, appErr.Metadata["field"])
		})
	}
}

func TestValidateTemplateOnlyContent(t *testing.T) {
	ingress := NewIngress(nil, nil, 3)
	req := validRequest()
	req.Title = ""
	req.Content = ""
	req.TemplateID = "welcome"

	assert.Nil(t, ingress.Validate(req))
}

func TestRoutingKeyFor(t *testing.T) {
	assert.Equal(t, broker.KeyCreated, RoutingKeyFor(store.PriorityLow))
	assert.Equal(t, broker.KeyCreated, RoutingKeyFor(store.PriorityNormal))
	assert.Equal(t, "notification.priority.high", RoutingKeyFor(store.PriorityHigh))
	assert.Equal(t, "notification.priority.urgent", RoutingKeyFor(store.PriorityUrgent))
	assert.Equal(t, "notification.priority.critical", RoutingKeyFor(store.PriorityCritical))
}

func TestMergeMetadata(t *testing.T) {
	merged := mergeMetadata(
		map[string]string{"userEmail": "flat@example.com", "source": "billing"},
		map[string]interface{}{"userEmail": "map@example.com", "count": 2, "skip": nil},
	)

	assert.Equal(t, "map@example.com", merged["userEmail"])
	assert.Equal(t, "billing", merged["source"])
	assert.Equal(t, "2", merged["count"])
	assert.NotContains(t, merged, "skip")
}

func TestMergeMetadataEmpty(t *testing.T) {
	assert.Nil(t, mergeMetadata(nil, nil))
}

func TestSplitChannels(t *testing.T) {
	email, others := splitChannels(store.ChannelList{store.ChannelEmail, store.ChannelInApp, store.ChannelPush})
	assert.True(t, email)
	assert.Equal(t, store.ChannelList{store.ChannelInApp, store.ChannelPush}, others)

	email, others = splitChannels(store.ChannelList{store.ChannelSMS})
	assert.False(t, email)
	assert.Equal(t, store.ChannelList{store.ChannelSMS}, others)
}

func TestDLQFor(t *testing.T) {
	assert.Equal(t, broker.QueueMainDLQ, dlqFor(broker.KeyCreated))
	assert.Equal(t, broker.QueuePriorityDLQ, dlqFor("notification.priority.high"))
	assert.Equal(t, broker.QueueEmailDLQ, dlqFor(broker.KeyEmailSend))
}
