// Package broker owns the AMQP plumbing: topology declaration, publishing
// with confirms, and consumer loops with bounded prefetch.
package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange and queue names. All declarations are idempotent so any
// instance can start first.
const (
	ExchangeMain = "notifications.main"
	ExchangeDLX  = "notifications.dlx"

	QueueMain     = "notifications"
	QueuePriority = "notifications.priority"
	QueueEmail    = "notifications.email"

	QueueMainDLQ     = "notifications.dlq"
	QueuePriorityDLQ = "notifications.priority.dlq"
	QueueEmailDLQ    = "notifications.email.dlq"

	KeyCreated      = "notification.created"
	KeyPriorityWild = "notification.priority.*"
	KeyEmailWild    = "notification.email.*"
	KeyEmailSend    = "notification.email.send"
	KeyPriorityBase = "notification.priority."

	KeyFailed         = "notification.failed"
	KeyPriorityFailed = "notification.priority.failed"
	KeyEmailFailed    = "notification.email.failed"
)

// TopologyConfig carries the tunable TTLs in milliseconds and the maximum
// AMQP priority on the priority queue.
type TopologyConfig struct {
	MessageTTL  int64
	DLQTTL      int64
	MaxPriority int32
}

// DefaultTopologyConfig matches the production broker: 1h on work queues,
// 2h on dead-letter queues, ten priority levels.
func DefaultTopologyConfig() TopologyConfig {
	return TopologyConfig{
		MessageTTL:  3_600_000,
		DLQTTL:      7_200_000,
		MaxPriority: 10,
	}
}

type queueSpec struct {
	name      string
	key       string
	args      amqp.Table
	dlqName   string
	failedKey string
}

// topologyQueues builds the declaration table: each work queue dead-letters
// onto the DLX rewritten to its failed key, and its DLQ is bound on that
// same key.
func topologyQueues(cfg TopologyConfig) []queueSpec {
	maxPriority := cfg.MaxPriority
	if maxPriority <= 0 {
		maxPriority = 10
	}

	workArgs := func(failedKey string, extra amqp.Table) amqp.Table {
		args := amqp.Table{
			"x-message-ttl":             cfg.MessageTTL,
			"x-dead-letter-exchange":    ExchangeDLX,
			"x-dead-letter-routing-key": failedKey,
		}
		for k, v := range extra {
			args[k] = v
		}
		return args
	}

	return []queueSpec{
		{QueueMain, KeyCreated, workArgs(KeyFailed, nil), QueueMainDLQ, KeyFailed},
		{QueuePriority, KeyPriorityWild, workArgs(KeyPriorityFailed, amqp.Table{"x-max-priority": maxPriority}), QueuePriorityDLQ, KeyPriorityFailed},
		{QueueEmail, KeyEmailWild, workArgs(KeyEmailFailed, nil), QueueEmailDLQ, KeyEmailFailed},
	}
}

// DeclareTopology declares both exchanges, the three work queues and their
// dead-letter queues, and all bindings. Safe to call from every instance.
func DeclareTopology(ch *amqp.Channel, cfg TopologyConfig) error {
	for _, exchange := range []string{ExchangeMain, ExchangeDLX} {
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	for _, q := range topologyQueues(cfg) {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
		}
		if err := ch.QueueBind(q.name, q.key, ExchangeMain, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", q.name, err)
		}

		dlqArgs := amqp.Table{"x-message-ttl": cfg.DLQTTL}
		if _, err := ch.QueueDeclare(q.dlqName, true, false, false, false, dlqArgs); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.dlqName, err)
		}
		// Dead-lettered messages arrive rewritten to the queue's failed key.
		if err := ch.QueueBind(q.dlqName, q.failedKey, ExchangeDLX, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", q.dlqName, err)
		}
	}

	return nil
}

// QueueDepths inspects the work and dead-letter queues for the stats and
// metrics surfaces.
func QueueDepths(ch *amqp.Channel) (map[string]int, error) {
	depths := make(map[string]int)
	for _, name := range []string{QueueMain, QueuePriority, QueueEmail, QueueMainDLQ, QueuePriorityDLQ, QueueEmailDLQ} {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect queue %s: %w", name, err)
		}
		depths[name] = q.Messages
	}
	return depths, nil
}
