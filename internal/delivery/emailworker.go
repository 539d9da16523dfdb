package delivery

import (
	"context"
	"errors"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hivehub/notify/internal/broker"
	"github.com/hivehub/notify/internal/store"
	"github.com/hivehub/notify/internal/telemetry"
)

// EmailWorker consumes the email queue. The dispatcher routed each event
// here exactly once; this worker owns the record's state machine for the
// email lane.
type EmailWorker struct {
	store  *store.Store
	worker *Worker
}

// NewEmailWorker creates the email queue handler.
func NewEmailWorker(st *store.Store, worker *Worker) *EmailWorker {
	return &EmailWorker{store: st, worker: worker}
}

// HandleDelivery is the broker.Handler for the email queue. Every path
// acknowledges; failures settle through the retry schedule or the DLQ,
// never through broker redelivery.
func (e *EmailWorker) HandleDelivery(ctx context.Context, delivery amqp.Delivery) {
	defer func() { _ = delivery.Ack(false) }()

	log := telemetry.LogFromContext(ctx).WithField("queue", broker.QueueEmail)

	msg, err := broker.Decode(delivery.Body)
	if err != nil {
		log.Warnf("conversion failed, dead-lettering: %v", err)
		e.deadLetter(ctx, delivery, err)
		return
	}

	id, err := uuid.Parse(msg.ID)
	if err != nil {
		log.Warnf("conversion failed, dead-lettering: invalid id %q", msg.ID)
		e.deadLetter(ctx, delivery, err)
		return
	}

	n, err := e.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.WithField("notification_id", msg.ID).Warn("no record for email event, dead-lettering")
			e.deadLetter(ctx, delivery, err)
			return
		}
		log.Errorf("failed to load record: %v", err)
		return
	}

	attempts := broker.Attempts(delivery.Headers)
	e.worker.Deliver(ctx, n, store.ChannelList{store.ChannelEmail}, attempts, broker.KeyEmailSend)
}

func (e *EmailWorker) deadLetter(ctx context.Context, delivery amqp.Delivery, cause error) {
	var notificationID uuid.UUID
	if msg, err := broker.Decode(delivery.Body); err == nil {
		notificationID, _ = uuid.Parse(msg.ID)
	}
	dl := &store.DeadLetter{
		NotificationID: notificationID,
		Queue:          broker.QueueEmailDLQ,
		Body:           delivery.Body,
		LastError:      cause.Error(),
		Attempts:       broker.Attempts(delivery.Headers),
	}
	if err := e.store.InsertDeadLetter(ctx, dl); err != nil {
		telemetry.LogFromContext(ctx).Errorf("failed to record dead letter: %v", err)
	}
}
