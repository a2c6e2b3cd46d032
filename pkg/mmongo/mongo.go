// Package mmongo wraps a lazily-initialized go.mongodb.org/mongo-driver
// connection.
package mmongo

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
)

// Connection is a hub that deals with mongodb connections.
type Connection struct {
	ConnectionStringSource string
	Database               string
	Logger                 mlog.Logger

	mu        sync.Mutex
	client    *mongo.Client
	connected bool
}

// Connect dials mongodb and verifies connectivity with a ping.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Logger.Info("connecting to mongodb...")

	opts := options.Client().ApplyURI(c.ConnectionStringSource)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return fmt.Errorf("mmongo: connect: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mmongo: ping: %w", err)
	}

	c.Logger.Info("connected to mongodb")
	c.connected = true
	c.client = client

	return nil
}

// GetDB returns the mongo client, connecting lazily on first use.
func (c *Connection) GetDB(ctx context.Context) (*mongo.Client, error) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return c.client, nil
}

// Collection returns a handle to a collection in Database, connecting
// lazily on first use.
func (c *Connection) Collection(ctx context.Context, name string) (*mongo.Collection, error) {
	client, err := c.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	return client.Database(c.Database).Collection(name), nil
}

// HealthCheck reports whether the connection has been established and can
// still be pinged.
func (c *Connection) HealthCheck(ctx context.Context) bool {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return false
	}

	return client.Ping(ctx, nil) == nil
}
