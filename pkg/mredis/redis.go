// Package mredis wraps a lazily-initialized go-redis connection.
package mredis

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
)

// Connection is a hub that deals with redis connections.
type Connection struct {
	ConnectionStringSource string
	Logger                 mlog.Logger

	mu        sync.Mutex
	client    *redis.Client
	connected bool
}

// Connect dials redis and verifies connectivity with a ping.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Logger.Info("connecting to redis...")

	opts, err := redis.ParseURL(c.ConnectionStringSource)
	if err != nil {
		return fmt.Errorf("mredis: parse url: %w", err)
	}

	client := redis.NewClient(opts)

	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("mredis: ping: %w", err)
	}

	c.Logger.Info("connected to redis")
	c.connected = true
	c.client = client

	return nil
}

// GetClient returns the redis client, connecting lazily on first use.
func (c *Connection) GetClient(ctx context.Context) (*redis.Client, error) {
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

// HealthCheck reports whether the connection has been established and can
// still be pinged.
func (c *Connection) HealthCheck(ctx context.Context) bool {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return false
	}

	return client.Ping(ctx).Err() == nil
}
