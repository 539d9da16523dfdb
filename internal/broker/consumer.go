package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hivehub/notify/internal/telemetry"
)

// Handler processes one delivery. The handler owns acknowledgement: it must
// Ack or Nack the delivery on every path.
type Handler func(ctx context.Context, d amqp.Delivery)

// Consumer runs a handler against a queue with bounded prefetch. Channel
// closures trigger a redial with backoff until Stop is called.
type Consumer struct {
	conn     *Conn
	queue    string
	tag      string
	prefetch int
	handler  Handler

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewConsumer creates a consumer for the queue. The tag identifies this
// consumer to the broker and in logs.
func NewConsumer(conn *Conn, queue, tag string, prefetch int, handler Handler) *Consumer {
	if prefetch <= 0 {
		prefetch = 10
	}
	return &Consumer{
		conn:     conn,
		queue:    queue,
		tag:      tag,
		prefetch: prefetch,
		handler:  handler,
		done:     make(chan struct{}),
	}
}

// Start begins consuming in a background goroutine.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)

	log := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"queue":        c.queue,
		"consumer_tag": c.tag,
	})

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.consumeOnce(ctx); err != nil {
			log.Warnf("consume loop ended: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// consumeOnce opens a channel, sets QoS and drains deliveries until the
// channel closes or the context ends.
func (c *Consumer) consumeOnce(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			// Cancel the consumer so in-flight deliveries requeue after
			// the channel closes.
			_ = ch.Cancel(c.tag, false)
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return nil
			}
			return fmt.Errorf("channel closed: %w", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
				"queue":       c.queue,
				"routing_key": d.RoutingKey,
			}).Errorf("handler panic: %v", r)
			_ = d.Nack(false, false)
		}
	}()

	if cid := CorrelationID(d.Headers); cid != "" {
		ctx = telemetry.WithCorrelationID(ctx, cid)
	}
	c.handler(ctx, d)
}

// Stop cancels consumption and waits for the loop to exit.
func (c *Consumer) Stop() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		<-c.done
	})
}
