// Package mrabbitmq wraps a lazily-initialized github.com/rabbitmq/amqp091-go
// connection, the same lazy-connect idiom pkg/mmongo and pkg/mredis use for
// their drivers. Adapted from the teacher's common/mrabbitmq.RabbitMQConnection
// (ConnectionStringSource/Logger/Connected fields, lazy Connect/GetChannel),
// ported onto amqp091-go since the teacher's file depends on the deprecated
// streadway/amqp.
package mrabbitmq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
)

// Connection is a hub that deals with rabbitmq connections.
type Connection struct {
	ConnectionStringSource string
	Logger                 mlog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
}

// Connect dials rabbitmq and opens one channel.
func (c *Connection) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Logger.Info("connecting to rabbitmq...")

	conn, err := amqp.Dial(c.ConnectionStringSource)
	if err != nil {
		return fmt.Errorf("mrabbitmq: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("mrabbitmq: open channel: %w", err)
	}

	c.Logger.Info("connected to rabbitmq")
	c.connected = true
	c.conn = conn
	c.channel = ch

	return nil
}

// GetChannel returns the channel, (re)connecting lazily if none is open.
func (c *Connection) GetChannel(ctx context.Context) (*amqp.Channel, error) {
	c.mu.Lock()
	stale := !c.connected || c.conn == nil || c.conn.IsClosed() || c.channel == nil || c.channel.IsClosed()
	c.mu.Unlock()

	if stale {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.channel, nil
}

// HealthCheck reports whether the underlying connection/channel are open.
func (c *Connection) HealthCheck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected && c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed()
}

// Close tears down the channel and connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		_ = c.channel.Close()
	}

	if c.conn != nil {
		return c.conn.Close()
	}

	return nil
}
