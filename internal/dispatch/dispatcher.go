package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hivehub/notify/internal/broker"
	"github.com/hivehub/notify/internal/delivery"
	"github.com/hivehub/notify/internal/monitoring"
	"github.com/hivehub/notify/internal/policy"
	"github.com/hivehub/notify/internal/store"
	"github.com/hivehub/notify/internal/telemetry"
)

// MetadataEmailKey is the metadata field carrying the recipient address
// for email deliveries.
const MetadataEmailKey = "userEmail"

// Deliverer executes channel sends for a notification. Deliver owns the
// record's state machine for the given channels; SendAuxiliary performs
// best-effort sends without touching state, used when the email lane owns
// the record.
type Deliverer interface {
	Deliver(ctx context.Context, n *store.Notification, channels store.ChannelList, attempts int, originKey string)
	SendAuxiliary(ctx context.Context, n *store.Notification, channels store.ChannelList)
}

// RetryScheduler defers a message for later republication; satisfied by
// *delivery.Scheduler.
type RetryScheduler interface {
	Schedule(ctx context.Context, msg *broker.Message, routingKey string, attempts int, dueAt time.Time) error
}

// Dispatcher consumes the default and priority queues and routes each
// event: policy gating, email fan-out, and in-process delivery. It never
// publishes back to the ingress routing keys; requeues go through the
// retry scheduler.
type Dispatcher struct {
	store     *store.Store
	gate      *policy.Gate
	publisher Publisher
	deliverer Deliverer
	retries   RetryScheduler
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(st *store.Store, gate *policy.Gate, publisher Publisher, deliverer Deliverer, retries RetryScheduler) *Dispatcher {
	return &Dispatcher{
		store:     st,
		gate:      gate,
		publisher: publisher,
		deliverer: deliverer,
		retries:   retries,
	}
}

// HandleDelivery is the broker.Handler for the default and priority
// queues. Every path acknowledges: poison messages are dead-lettered
// rather than redelivered, and transient failures go through the delayed
// retry set.
func (d *Dispatcher) HandleDelivery(ctx context.Context, dlv amqp.Delivery) {
	log := telemetry.LogFromContext(ctx).WithField("routing_key", dlv.RoutingKey)

	msg, err := broker.Decode(dlv.Body)
	if err != nil {
		log.Warnf("conversion failed, dead-lettering: %v", err)
		d.deadLetterRaw(ctx, dlv, err)
		_ = dlv.Ack(false)
		return
	}

	id, err := uuid.Parse(msg.ID)
	if err != nil {
		log.Warnf("conversion failed, dead-lettering: invalid id %q", msg.ID)
		d.deadLetterRaw(ctx, dlv, fmt.Errorf("invalid notification id: %w", err))
		_ = dlv.Ack(false)
		return
	}

	log = log.WithField("notification_id", id.String())
	attempts := broker.Attempts(dlv.Headers)

	n, err := d.loadOrCreate(ctx, id, msg)
	if err != nil {
		d.retryOrDie(ctx, msg, dlv, attempts, err)
		_ = dlv.Ack(false)
		return
	}

	// Redeliveries of already-claimed or finished records are dropped.
	if n.State == store.StateSending || n.State.Terminal() {
		log.WithField("state", string(n.State)).Info("record already in flight or terminal, skipping")
		_ = dlv.Ack(false)
		return
	}

	if n.State == store.StatePending {
		err := d.store.TransitionState(ctx, n.ID, store.StatePending, store.StateQueued,
			store.TransitionOpts{Detail: "dispatched"})
		switch {
		case err == nil:
			n.State = store.StateQueued
		case errors.Is(err, store.ErrConcurrentState):
			// Another dispatcher won; reload and re-check.
			if n, err = d.store.GetByID(ctx, n.ID); err != nil || n.State != store.StateQueued {
				_ = dlv.Ack(false)
				return
			}
		default:
			d.retryOrDie(ctx, msg, dlv, attempts, err)
			_ = dlv.Ack(false)
			return
		}
	}

	decision, err := d.gate.Evaluate(ctx, n, time.Now())
	if err != nil {
		d.retryOrDie(ctx, msg, dlv, attempts, err)
		_ = dlv.Ack(false)
		return
	}

	if len(decision.Deferred) > 0 {
		// Quiet hours: park the whole event until the window ends.
		// Deferral is not a delivery attempt.
		if err := d.retries.Schedule(ctx, msg, dlv.RoutingKey, attempts, decision.DeferUntil); err != nil {
			log.Errorf("failed to defer for quiet hours: %v", err)
			d.retryOrDie(ctx, msg, dlv, attempts, err)
		} else {
			log.WithField("defer_until", decision.DeferUntil.Format(time.RFC3339)).
				Info("deferred for quiet hours")
		}
		_ = dlv.Ack(false)
		return
	}

	if decision.Suppressed {
		d.finishSuppressed(ctx, n, decision.Reason)
		_ = dlv.Ack(false)
		return
	}

	email, others := splitChannels(decision.Channels)
	merged := msg.MergedMetadata()

	if email {
		if merged[MetadataEmailKey] == "" && n.Metadata[MetadataEmailKey] == "" {
			log.Warn("email channel requested but no recipient address, dropping channel")
			email = false
		}
	}

	if !email && len(others) == 0 {
		d.finishSuppressed(ctx, n, "no_channel")
		_ = dlv.Ack(false)
		return
	}

	if email {
		if err := d.publishEmail(ctx, msg, merged, dlv.Headers); err != nil {
			d.retryOrDie(ctx, msg, dlv, attempts, err)
			_ = dlv.Ack(false)
			return
		}
		monitoring.EmailRouted.Inc()
		// The email worker owns the record's state machine; remaining
		// channels are sent best effort.
		if len(others) > 0 {
			d.deliverer.SendAuxiliary(ctx, n, others)
		}
		_ = dlv.Ack(false)
		return
	}

	d.deliverer.Deliver(ctx, n, others, attempts, dlv.RoutingKey)
	_ = dlv.Ack(false)
}

// loadOrCreate fetches the record, persisting one first for events that
// arrived over AMQP without going through the HTTP ingress.
func (d *Dispatcher) loadOrCreate(ctx context.Context, id uuid.UUID, msg *broker.Message) (*store.Notification, error) {
	n, err := d.store.GetByID(ctx, id)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	record := &store.Notification{
		ID:        id,
		UserID:    msg.UserID,
		Type:      store.Type(msg.Type),
		Priority:  store.Priority(msg.Priority),
		Title:     msg.Title,
		Content:   msg.Content,
		Variables: msg.Variables,
		Locale:    msg.Locale,
		Channels:  msg.StoreChannels(),
		Metadata:  store.StringMap(msg.MergedMetadata()),
		State:     store.StatePending,
	}
	if record.Priority == "" || !store.ValidPriority(record.Priority) {
		record.Priority = store.PriorityNormal
	}
	if msg.TemplateID != "" {
		record.TemplateID = &msg.TemplateID
	}
	stored, _, err := d.store.InsertNotification(ctx, record)
	return stored, err
}

// publishEmail routes the event to the email queue exactly once, with the
// merged metadata embedded so the email worker needs no second merge.
func (d *Dispatcher) publishEmail(ctx context.Context, msg *broker.Message, merged map[string]string, headers amqp.Table) error {
	emailMsg := *msg
	emailMsg.Metadata = merged
	emailMsg.MetadataMap = nil
	emailMsg.Channels = []string{string(store.ChannelEmail)}

	body, err := emailMsg.Encode()
	if err != nil {
		return err
	}
	return d.publisher.Publish(ctx, broker.KeyEmailSend, body,
		broker.Headers(broker.Attempts(headers), time.Now(), telemetry.GetCorrelationID(ctx)), 0)
}

// finishSuppressed closes out a record that will not be delivered. A
// suppressed outcome is SENT with a reason, never FAILED: the system
// behaved as configured.
func (d *Dispatcher) finishSuppressed(ctx context.Context, n *store.Notification, reason string) {
	err := d.store.TransitionState(ctx, n.ID, n.State, store.StateSent,
		store.TransitionOpts{Reason: &reason, Detail: "suppressed: " + reason})
	if err != nil && !errors.Is(err, store.ErrConcurrentState) {
		telemetry.LogFromContext(ctx).WithField("notification_id", n.ID.String()).
			Errorf("failed to finish suppressed record: %v", err)
		return
	}
	monitoring.NotificationsSuppressed.WithLabelValues(reason).Inc()
}

// retryOrDie schedules a redelivery with backoff, or dead-letters the
// event when the attempt budget is spent.
func (d *Dispatcher) retryOrDie(ctx context.Context, msg *broker.Message, dlv amqp.Delivery, attempts int, cause error) {
	log := telemetry.LogFromContext(ctx).WithField("notification_id", msg.ID)

	id, _ := uuid.Parse(msg.ID)
	n, err := d.store.GetByID(ctx, id)
	maxRetries := 3
	if err == nil {
		maxRetries = n.MaxRetries
	}

	if attempts+1 <= maxRetries {
		dueAt := time.Now().Add(delivery.Jitter(delivery.Backoff(attempts+1, 30*time.Second, 30*time.Minute)))
		if err := d.retries.Schedule(ctx, msg, dlv.RoutingKey, attempts+1, dueAt); err == nil {
			log.WithField("attempt", attempts+1).Warnf("dispatch failed, retry scheduled: %v", cause)
			return
		}
	}

	d.deadLetterRaw(ctx, dlv, cause)
	if n != nil && !n.State.Terminal() {
		errStr := cause.Error()
		if err := d.store.TransitionState(ctx, n.ID, n.State, store.StateDead,
			store.TransitionOpts{LastError: &errStr, Detail: "dispatch retries exhausted"}); err != nil {
			log.Errorf("failed to mark record dead: %v", err)
		}
	}
	monitoring.NotificationsDeadLettered.WithLabelValues(dlqFor(dlv.RoutingKey)).Inc()
}

// deadLetterRaw records the raw message body in the dead-letter table.
func (d *Dispatcher) deadLetterRaw(ctx context.Context, dlv amqp.Delivery, cause error) {
	var notificationID uuid.UUID
	if msg, err := broker.Decode(dlv.Body); err == nil {
		notificationID, _ = uuid.Parse(msg.ID)
	}

	dl := &store.DeadLetter{
		NotificationID: notificationID,
		Queue:          dlqFor(dlv.RoutingKey),
		Body:           dlv.Body,
		LastError:      cause.Error(),
		Attempts:       broker.Attempts(dlv.Headers),
	}
	if err := d.store.InsertDeadLetter(ctx, dl); err != nil {
		telemetry.LogFromContext(ctx).Errorf("failed to record dead letter: %v", err)
	}
}

func splitChannels(channels store.ChannelList) (email bool, others store.ChannelList) {
	for _, ch := range channels {
		if ch == store.ChannelEmail {
			email = true
			continue
		}
		others = append(others, ch)
	}
	return email, others
}

func dlqFor(routingKey string) string {
	switch {
	case routingKey == broker.KeyEmailSend:
		return broker.QueueEmailDLQ
	case len(routingKey) > len(broker.KeyPriorityBase) && routingKey[:len(broker.KeyPriorityBase)] == broker.KeyPriorityBase:
		return broker.QueuePriorityDLQ
	default:
		return broker.QueueMainDLQ
	}
}
