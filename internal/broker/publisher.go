package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hivehub/notify/internal/apperrors"
)

// Conn wraps an AMQP connection and hands out channels.
type Conn struct {
	mu   sync.Mutex
	url  string
	conn *amqp.Connection
}

// Dial connects to the broker and declares the topology.
func Dial(url string, topology TopologyConfig) (*Conn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := DeclareTopology(ch, topology); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &Conn{url: url, conn: conn}, nil
}

// Channel opens a fresh channel, redialing if the connection dropped.
func (c *Conn) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("failed to redial broker: %w", err)
		}
		c.conn = conn
	}
	return c.conn.Channel()
}

// HealthCheck reports broker reachability.
func (c *Conn) HealthCheck(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("broker connection closed")
	}
	return nil
}

// Close shuts the connection down.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Publisher publishes persistent messages on a confirmed channel. A
// channel-level error triggers one reopen before the publish fails.
type Publisher struct {
	conn *Conn

	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher opens a confirm-mode channel on the connection.
func NewPublisher(conn *Conn) (*Publisher, error) {
	p := &Publisher{conn: conn}
	if err := p.reopen(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) reopen() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to enable confirms: %w", err)
	}
	p.ch = ch
	return nil
}

// Publish sends a message to the main exchange with the given routing key
// and headers, waiting for broker confirmation. Priority sets the AMQP
// message priority for the priority queue.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte, headers amqp.Table, priority uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	publish := func() error {
		confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, ExchangeMain, routingKey, false, false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now().UTC(),
				Headers:      headers,
				Priority:     priority,
				Body:         body,
			})
		if err != nil {
			return err
		}
		ok, err := confirm.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("broker nacked publish")
		}
		return nil
	}

	if err := publish(); err != nil {
		// One reopen covers the common broken-channel case.
		if reopenErr := p.reopen(); reopenErr != nil {
			return apperrors.NewBrokerError(fmt.Sprintf("publish to %s failed: %v", routingKey, err))
		}
		if err = publish(); err != nil {
			return apperrors.NewBrokerError(fmt.Sprintf("publish to %s failed: %v", routingKey, err))
		}
	}
	return nil
}

// Close closes the publishing channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
