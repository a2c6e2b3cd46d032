// Package broker adapts pkg/mrabbitmq to a per-tenant message broker: one
// queue per tenant (partner.<tenantId>.queue) plus a shared pre-dispatch
// queue/exchange (message.processing.exchange / message.processing.queue)
// that producers may publish to instead of a tenant's own queue; the
// pre-dispatch Dispatcher moves those messages onto the tenant queues.
//
// The publish idiom (exchange/key/amqp.Table headers, persistent delivery
// mode) and the per-queue handler registration shape follow a producer/
// consumer adapter pair seen elsewhere in this codebase's lineage. The raw
// connection/channel lifecycle is delegated to pkg/mrabbitmq.Connection, the
// same lazy-connect wrapper pkg/mmongo and pkg/mredis provide for their
// drivers; this package owns only the pre-dispatch topology on top of it.
package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mrabbitmq"
)

const (
	// PreDispatchExchange and PreDispatchQueue form the shared fan-in point
	// for messages not published straight to a tenant queue.
	PreDispatchExchange = "message.processing.exchange"
	PreDispatchQueue    = "message.processing.queue"
	PreDispatchKey      = "message.process"

	// HeaderBusinessUnit carries the tenant id on every message published
	// to the pre-dispatch exchange.
	HeaderBusinessUnit = "CBUSINESSUNIT"
)

// Handler processes one delivery's body for a given tenant-derived routing
// context. Returning an error nacks the delivery (requeue=false; the
// pipeline's own retry policy, not broker redelivery, governs retries).
type Handler func(ctx context.Context, body []byte) error

// Connection wraps pkg/mrabbitmq's lazy connection/channel lifecycle with
// the pre-dispatch topology declarations the forwarding pipeline needs.
type Connection struct {
	logger mlog.Logger
	conn   *mrabbitmq.Connection

	mu         sync.Mutex
	declaredOn *amqp.Channel
}

// NewConnection dials url lazily on first use.
func NewConnection(logger mlog.Logger, url string) *Connection {
	return &Connection{
		logger: logger,
		conn: &mrabbitmq.Connection{
			ConnectionStringSource: url,
			Logger:                 logger,
		},
	}
}

func (c *Connection) ensure() (*amqp.Channel, error) {
	ch, err := c.conn.GetChannel(context.Background())
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// mrabbitmq.Connection reconnects lazily and may hand back a new
	// channel after a drop, so topology is redeclared whenever the channel
	// identity changes, not just once.
	if c.declaredOn == ch {
		return ch, nil
	}

	if err := ch.ExchangeDeclare(PreDispatchExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("broker: declare pre-dispatch exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(PreDispatchQueue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("broker: declare pre-dispatch queue: %w", err)
	}

	if err := ch.QueueBind(PreDispatchQueue, PreDispatchKey, PreDispatchExchange, false, nil); err != nil {
		return nil, fmt.Errorf("broker: bind pre-dispatch queue: %w", err)
	}

	c.declaredOn = ch

	return ch, nil
}

// HealthCheck reports whether the underlying connection/channel are open.
func (c *Connection) HealthCheck() bool {
	return c.conn.HealthCheck()
}

// Close tears down the channel and connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// PublishPreDispatch publishes a message onto the shared pre-dispatch
// exchange, tagged with the originating tenant id.
func (c *Connection) PublishPreDispatch(ctx context.Context, tenantID string, body []byte) error {
	ch, err := c.ensure()
	if err != nil {
		return err
	}

	c.logger.Debugf("broker: publishing to %s for tenant %s", PreDispatchExchange, tenantID)

	return ch.PublishWithContext(ctx, PreDispatchExchange, PreDispatchKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{HeaderBusinessUnit: tenantID},
		Body:         body,
	})
}

// PublishToTenantQueue publishes directly onto a tenant's own queue,
// declaring it first if absent.
func (c *Connection) PublishToTenantQueue(ctx context.Context, queueName string, body []byte) error {
	ch, err := c.ensure()
	if err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare tenant queue %s: %w", queueName, err)
	}

	return ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// PreDispatchHandler processes one pre-dispatch delivery together with the
// tenant id carried in its CBUSINESSUNIT header.
type PreDispatchHandler func(ctx context.Context, tenantID string, body []byte) error

// ConsumePreDispatch starts a single consumer on the shared pre-dispatch
// queue, extracting the tenant id from each delivery's HeaderBusinessUnit
// header and invoking handler until ctx is cancelled.
func (c *Connection) ConsumePreDispatch(ctx context.Context, handler PreDispatchHandler) error {
	ch, err := c.ensure()
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(PreDispatchQueue, "pre-dispatch", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: consume %s: %w", PreDispatchQueue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("broker: delivery channel for %s closed", PreDispatchQueue)
			}

			tenantID, _ := d.Headers[HeaderBusinessUnit].(string)
			if tenantID == "" {
				c.logger.Errorf("broker: pre-dispatch delivery missing %s header", HeaderBusinessUnit)
				_ = d.Nack(false, false)

				continue
			}

			if err := handler(ctx, tenantID, d.Body); err != nil {
				c.logger.Errorf("broker: pre-dispatch handler failed for tenant %s: %v", tenantID, err)
				_ = d.Nack(false, false)

				continue
			}

			_ = d.Ack(false)
		}
	}
}

// ConsumeTenantQueue starts a single consumer on a tenant's own queue,
// declaring it first if absent.
func (c *Connection) ConsumeTenantQueue(ctx context.Context, queueName string, handler Handler) error {
	ch, err := c.ensure()
	if err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare tenant queue %s: %w", queueName, err)
	}

	return c.consume(ctx, queueName, queueName, handler)
}

func (c *Connection) consume(ctx context.Context, queueName, consumerTag string, handler Handler) error {
	ch, err := c.ensure()
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(queueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: consume %s: %w", queueName, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("broker: delivery channel for %s closed", queueName)
			}

			if err := handler(ctx, d.Body); err != nil {
				c.logger.Errorf("broker: handler failed for %s: %v", queueName, err)
				_ = d.Nack(false, false)

				continue
			}

			_ = d.Ack(false)
		}
	}
}
