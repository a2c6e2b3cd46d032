//go:build integration

package configstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmongo"
	"github.com/partnerforwarder/partner-forwarder/pkg/mredis"
)

func startMongoContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mongo:8",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Waiting for connections"),
			wait.ForListeningPort("27017/tcp"),
		).WithDeadline(60 * time.Second),
	}

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err, "failed to start MongoDB container")

	host, err := ctr.Host(ctx)
	require.NoError(t, err)

	port, err := ctr.MappedPort(ctx, "27017")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = ctr.Terminate(context.Background())
	})

	return fmt.Sprintf("mongodb://%s:%s", host, port.Port())
}

func startRedisContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
	}

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err, "failed to start Redis container")

	host, err := ctr.Host(ctx)
	require.NoError(t, err)

	port, err := ctr.MappedPort(ctx, "6379")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = ctr.Terminate(context.Background())
	})

	return fmt.Sprintf("redis://%s:%s", host, port.Port())
}

// TestIntegration_Store_PutGetReadsThroughCache checks that a Get after a
// Put returns the stored config, that a Get after a cache invalidation
// still returns it, and that All lists it.
func TestIntegration_Store_PutGetReadsThroughCache(t *testing.T) {
	mongoURI := startMongoContainer(t)
	redisURI := startRedisContainer(t)

	ctx := context.Background()
	logger := mlog.NoneLogger{}

	mongoConn := &mmongo.Connection{ConnectionStringSource: mongoURI, Database: "partner_forwarder_test", Logger: logger}
	redisConn := &mredis.Connection{ConnectionStringSource: redisURI, Logger: logger}

	store := New(logger, mongoConn, redisConn)

	cfg := mmodel.DefaultTenantConfig("acme")
	cfg.Version = "v1"
	cfg.APIEndpoint = "https://partner.example.com/ingest"

	require.NoError(t, store.Put(ctx, cfg))

	got, err := store.Get(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, cfg.Version, got.Version)
	require.Equal(t, cfg.APIEndpoint, got.APIEndpoint)

	store.Invalidate(ctx, "acme")

	got, err = store.Get(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, cfg.Version, got.Version)

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

// TestIntegration_Store_Get_NotFound grounds the absent-tenant edge case.
func TestIntegration_Store_Get_NotFound(t *testing.T) {
	mongoURI := startMongoContainer(t)
	redisURI := startRedisContainer(t)

	ctx := context.Background()
	logger := mlog.NoneLogger{}

	mongoConn := &mmongo.Connection{ConnectionStringSource: mongoURI, Database: "partner_forwarder_test", Logger: logger}
	redisConn := &mredis.Connection{ConnectionStringSource: redisURI, Logger: logger}

	store := New(logger, mongoConn, redisConn)

	_, err := store.Get(ctx, "missing")
	require.Error(t, err)
}
