// Package dispatch contains the ingress service that accepts notification
// requests and the dispatcher that routes accepted events to their
// delivery lanes.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hivehub/notify/internal/apperrors"
	"github.com/hivehub/notify/internal/broker"
	"github.com/hivehub/notify/internal/store"
	"github.com/hivehub/notify/internal/telemetry"
)

// Publisher publishes to the main exchange; satisfied by *broker.Publisher.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, headers amqp.Table, priority uint8) error
}

// CreateRequest is a notification submission from either ingress surface.
type CreateRequest struct {
	ID          string                 `json:"id,omitempty"`
	UserID      string                 `json:"userId" binding:"required"`
	Type        string                 `json:"type" binding:"required"`
	Title       string                 `json:"title"`
	Content     string                 `json:"content"`
	Priority    string                 `json:"priority"`
	Channels    []string               `json:"channels"`
	Metadata    map[string]string      `json:"metadata"`
	MetadataMap map[string]interface{} `json:"metadataMap"`
	Variables   map[string]string      `json:"variables"`
	TemplateID  string                 `json:"templateId"`
	Locale      string                 `json:"locale"`
}

// Ingress validates, persists and enqueues new notifications. Both the
// HTTP handler and replayed dead letters go through it; the dispatcher
// itself never does.
type Ingress struct {
	store      *store.Store
	publisher  Publisher
	maxRetries int
}

// NewIngress creates the ingress service.
func NewIngress(st *store.Store, publisher Publisher, maxRetries int) *Ingress {
	return &Ingress{store: st, publisher: publisher, maxRetries: maxRetries}
}

// Validate checks a request without side effects.
func (i *Ingress) Validate(req *CreateRequest) *apperrors.AppError {
	if strings.TrimSpace(req.UserID) == "" {
		return apperrors.NewValidationError("userId", "userId is required")
	}
	if strings.TrimSpace(req.Type) == "" {
		return apperrors.NewValidationError("type", "type is required")
	}
	if req.Priority != "" && !store.ValidPriority(store.Priority(req.Priority)) {
		return apperrors.NewValidationError("priority", fmt.Sprintf("unknown priority %q", req.Priority))
	}
	for _, c := range req.Channels {
		if !store.ValidChannel(store.Channel(c)) {
			return apperrors.NewValidationError("channels", fmt.Sprintf("unknown channel %q", c))
		}
	}
	if req.ID != "" {
		if _, err := uuid.Parse(req.ID); err != nil {
			return apperrors.NewValidationError("id", "id must be a UUID")
		}
	}
	if req.TemplateID == "" && req.Title == "" && req.Content == "" {
		return apperrors.NewValidationError("content", "either templateId or title/content is required")
	}
	return nil
}

// Create persists the notification and publishes its event. Persisting is
// idempotent by id; a duplicate submission returns the stored record and
// publishes nothing, so at-least-once producers cannot double-deliver.
func (i *Ingress) Create(ctx context.Context, req *CreateRequest) (*store.Notification, error) {
	if appErr := i.Validate(req); appErr != nil {
		return nil, appErr
	}

	n := i.toRecord(req)

	stored, created, err := i.store.InsertNotification(ctx, n)
	if err != nil {
		return nil, apperrors.NewDatabaseError("insert notification", err)
	}
	if !created {
		// Existing record returned by the idempotent insert.
		telemetry.LogFromContext(ctx).WithField("notification_id", stored.ID.String()).
			Info("duplicate submission, returning stored record")
		return stored, nil
	}

	msg := &broker.Message{
		ID:          stored.ID.String(),
		UserID:      stored.UserID,
		Type:        string(stored.Type),
		Title:       stored.Title,
		Content:     stored.Content,
		Priority:    string(stored.Priority),
		Channels:    req.Channels,
		Metadata:    req.Metadata,
		MetadataMap: req.MetadataMap,
		Variables:   req.Variables,
		TemplateID:  req.TemplateID,
		Locale:      req.Locale,
	}
	body, err := msg.Encode()
	if err != nil {
		return nil, apperrors.NewInternalError("encode notification event", err)
	}

	key := RoutingKeyFor(stored.Priority)
	headers := broker.Headers(0, time.Now(), telemetry.GetCorrelationID(ctx))
	if err := i.publisher.Publish(ctx, key, body, headers, stored.Priority.QueuePriority()); err != nil {
		// The record stays PENDING; a later resubmission or sweep can
		// re-enqueue it.
		return stored, err
	}

	return stored, nil
}

func (i *Ingress) toRecord(req *CreateRequest) *store.Notification {
	n := &store.Notification{
		UserID:     req.UserID,
		Type:       store.Type(req.Type),
		Priority:   store.Priority(req.Priority),
		Title:      req.Title,
		Content:    req.Content,
		Variables:  req.Variables,
		Locale:     req.Locale,
		Metadata:   mergeMetadata(req.Metadata, req.MetadataMap),
		State:      store.StatePending,
		MaxRetries: i.maxRetries,
	}
	if req.ID != "" {
		n.ID = uuid.MustParse(req.ID)
	}
	if n.Priority == "" {
		n.Priority = store.PriorityNormal
	}
	if req.TemplateID != "" {
		n.TemplateID = &req.TemplateID
	}
	for _, c := range req.Channels {
		n.Channels = append(n.Channels, store.Channel(c))
	}
	return n
}

// RoutingKeyFor selects the lane for a priority: HIGH and above go through
// the priority queue, the rest through the default queue.
func RoutingKeyFor(p store.Priority) string {
	if p.IsPriorityLane() {
		return broker.KeyPriorityBase + strings.ToLower(string(p))
	}
	return broker.KeyCreated
}

// mergeMetadata combines the flat and structured metadata with the
// structured map winning per key.
func mergeMetadata(flat map[string]string, structured map[string]interface{}) store.StringMap {
	if len(flat) == 0 && len(structured) == 0 {
		return nil
	}
	merged := make(store.StringMap, len(flat)+len(structured))
	for k, v := range flat {
		merged[k] = v
	}
	for k, v := range structured {
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
