// Package queue wraps an AMQP broker connection behind a small
// Publisher interface, the same "thin wrapper + interface" shape the
// teacher uses for its external-collaborator packages (email senders,
// remote signers): callers depend on the interface, not the broker
// client, so tests substitute an in-memory fake.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher delivers an opaque message body to a routing key. The
// chore and ticket packages depend on this interface rather than the
// concrete Client, so tests can substitute a fake.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Config describes how to reach the broker and which exchange to
// publish ticket-delivery messages to.
type Config struct {
	URL      string
	Exchange string

	// ReconnectDelay is how long to wait before retrying a dropped
	// connection. Zero uses a 2 second default.
	ReconnectDelay time.Duration
}

// Client is a Publisher backed by a real AMQP connection. It
// reconnects automatically on connection loss and confirms every
// publish before returning, so a chore run that reports success means
// the broker has durably accepted the message.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial opens the initial broker connection and declares the configured
// exchange. The connection is re-established transparently on future
// publishes if it drops.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	c := &Client{cfg: cfg, logger: logger}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{})
	if err != nil {
		return fmt.Errorf("queue: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("queue: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("queue: enable confirms: %w", err)
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("queue: declare exchange: %w", err)
	}

	c.mu.Lock()
	c.conn, c.channel = conn, ch
	c.mu.Unlock()

	closed := make(chan *amqp.Error, 1)
	conn.NotifyClose(closed)
	go c.watchReconnect(ctx, closed)
	return nil
}

func (c *Client) watchReconnect(ctx context.Context, closed chan *amqp.Error) {
	select {
	case <-ctx.Done():
		return
	case err := <-closed:
		if err != nil {
			c.logger.ErrorContext(ctx, "queue connection lost, reconnecting", "err", err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
		if err := c.connect(ctx); err != nil {
			c.logger.ErrorContext(ctx, "queue reconnect failed", "err", err)
			continue
		}
		return
	}
}

// Publish sends body to routingKey on the configured exchange and
// blocks until the broker confirms receipt.
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("queue: not connected")
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, c.cfg.Exchange, routingKey, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	if confirmation == nil {
		return nil
	}
	ok, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("queue: wait for confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("queue: broker nacked publish")
	}
	return nil
}

// Close tears down the channel and connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
