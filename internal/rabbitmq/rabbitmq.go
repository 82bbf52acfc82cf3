package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dispatch-system/internal/config"
	"dispatch-system/internal/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrClosed is returned when publishing on a closed client.
var ErrClosed = errors.New("rabbitmq client closed")

// Client owns the AMQP connection and the channel used for publishing. A
// broken channel is re-dialled on the next publish.
type Client struct {
	url      string
	exchange string
	log      *logger.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// Connect dials the broker and declares the notification topic exchange.
func Connect(cfg *config.RabbitMQConfig, log *logger.Logger) (*Client, error) {
	c := &Client{
		url:      cfg.URL,
		exchange: cfg.Exchange,
		log:      log,
	}
	if err := c.dial(); err != nil {
		return nil, err
	}

	log.WithField("exchange", cfg.Exchange).Info("Connected to RabbitMQ")
	return c, nil
}

func (c *Client) dial() error {
	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Heartbeat: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", c.exchange, err)
	}

	closeCh := make(chan *amqp.Error, 1)
	ch.NotifyClose(closeCh)
	go func() {
		if err := <-closeCh; err != nil {
			c.log.WithError(err).Warn("RabbitMQ channel closed")
		}
	}()

	c.conn = conn
	c.channel = ch
	return nil
}

// Exchange returns the exchange notifications are published to.
func (c *Client) Exchange() string {
	return c.exchange
}

// PublishWithContext publishes on the current channel, reconnecting once if
// the channel has been closed by the broker.
func (c *Client) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.conn == nil || c.conn.IsClosed() || c.channel == nil || c.channel.IsClosed() {
		c.log.Warn("RabbitMQ connection closed, reconnecting")
		if c.conn != nil && !c.conn.IsClosed() {
			c.conn.Close()
		}
		if err := c.dial(); err != nil {
			return err
		}
		c.log.Info("RabbitMQ reconnected successfully")
	}

	return c.channel.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

// Health reports whether the connection is usable.
func (c *Client) Health(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

// Close closes the channel and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.log.WithError(err).Error("Error closing RabbitMQ channel")
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}
	c.log.Info("RabbitMQ closed")
	return nil
}
