package route

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partnerforwarder/partner-forwarder/internal/breaker"
	"github.com/partnerforwarder/partner-forwarder/internal/broker"
	"github.com/partnerforwarder/partner-forwarder/internal/pool"
	"github.com/partnerforwarder/partner-forwarder/internal/processor"
	"github.com/partnerforwarder/partner-forwarder/pkg/merrors"
	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
)

type fakeStore struct {
	mu      sync.Mutex
	configs map[mmodel.TenantID]mmodel.TenantConfig
}

func newFakeStore() *fakeStore {
	return &fakeStore{configs: make(map[mmodel.TenantID]mmodel.TenantConfig)}
}

func (s *fakeStore) put(cfg mmodel.TenantConfig) {
	s.mu.Lock()
	s.configs[cfg.TenantID] = cfg
	s.mu.Unlock()
}

func (s *fakeStore) remove(id mmodel.TenantID) {
	s.mu.Lock()
	delete(s.configs, id)
	s.mu.Unlock()
}

func (s *fakeStore) Get(ctx context.Context, tenantID mmodel.TenantID) (mmodel.TenantConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[tenantID]
	if !ok {
		return mmodel.TenantConfig{}, merrors.Wrap(merrors.KindNotFound, string(tenantID), nil)
	}

	return cfg, nil
}

func (s *fakeStore) All(ctx context.Context) ([]mmodel.TenantConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]mmodel.TenantConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}

	return out, nil
}

type fakeBroker struct {
	mu       sync.Mutex
	consumed map[string]int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{consumed: make(map[string]int)}
}

func (b *fakeBroker) ConsumeTenantQueue(ctx context.Context, queueName string, handler broker.Handler) error {
	b.mu.Lock()
	b.consumed[queueName]++
	b.mu.Unlock()

	<-ctx.Done()

	return ctx.Err()
}

func testConfig(id mmodel.TenantID, version string) mmodel.TenantConfig {
	cfg := mmodel.DefaultTenantConfig(id)
	cfg.Version = version
	cfg.CoreWorkers = 1
	cfg.MaxWorkers = 2
	cfg.QueueCapacity = 10
	cfg.APIEndpoint = "http://unused"

	return cfg
}

func newTestManager(store ConfigStore, fb *fakeBroker) *Manager {
	logger := mlog.NoneLogger{}

	lookup := func(id mmodel.TenantID) mmodel.TenantConfig {
		cfg, err := store.Get(context.Background(), id)
		if err != nil {
			return mmodel.DefaultTenantConfig(id)
		}

		return cfg
	}

	pools := pool.NewRegistry(logger, lookup)
	breakers := breaker.NewRegistry(logger, lookup, pools, nil)

	newProc := func(workerName string) *processor.Processor {
		return processor.New(logger, http.DefaultClient, noopCreds{}, noopSink{}, workerName)
	}

	return NewManager(logger, store, breakers, pools, fb, newProc, time.Hour)
}

type noopCreds struct{}

func (noopCreds) EnsureValid(ctx context.Context, tenantID mmodel.TenantID, cfg mmodel.TenantConfig) (mmodel.Credential, error) {
	return mmodel.Credential{}, merrors.Wrap(merrors.KindAuth, string(tenantID), nil)
}
func (noopCreds) Invalidate(mmodel.TenantID) {}

type noopSink struct{}

func (noopSink) RecordOutcome(context.Context, mmodel.Outcome)     {}
func (noopSink) RecordException(context.Context, mmodel.Exception) {}

func TestReconcile_CreatesRouteForNewTenant(t *testing.T) {
	store := newFakeStore()
	store.put(testConfig("acme", "v1"))
	fb := newFakeBroker()
	m := newTestManager(store, fb)

	require.NoError(t, m.RefreshTenant(context.Background(), "acme"))

	time.Sleep(20 * time.Millisecond)

	routes := m.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, mmodel.RouteID("acme"), mmodel.RouteID("acme"))
	assert.Equal(t, "Partner:acme:Main", routes[0].RouteID)
	assert.Equal(t, "v1", routes[0].ConfigVersion)
}

func TestReconcile_SameVersionIsNoop(t *testing.T) {
	store := newFakeStore()
	store.put(testConfig("acme", "v1"))
	fb := newFakeBroker()
	m := newTestManager(store, fb)

	require.NoError(t, m.RefreshTenant(context.Background(), "acme"))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.RefreshTenant(context.Background(), "acme"))
	time.Sleep(20 * time.Millisecond)

	fb.mu.Lock()
	calls := fb.consumed["partner.acme.queue"]
	fb.mu.Unlock()

	assert.Equal(t, 1, calls, "same configVersion must not restart the loop")
}

func TestReconcile_VersionChangeRestartsLoop(t *testing.T) {
	store := newFakeStore()
	store.put(testConfig("acme", "v1"))
	fb := newFakeBroker()
	m := newTestManager(store, fb)

	require.NoError(t, m.RefreshTenant(context.Background(), "acme"))
	time.Sleep(20 * time.Millisecond)

	store.put(testConfig("acme", "v2"))
	require.NoError(t, m.RefreshTenant(context.Background(), "acme"))
	time.Sleep(20 * time.Millisecond)

	routes := m.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "v2", routes[0].ConfigVersion)

	fb.mu.Lock()
	calls := fb.consumed["partner.acme.queue"]
	fb.mu.Unlock()
	assert.Equal(t, 2, calls, "version change must restart the loop")
}

func TestReconcileDelete_RemovesRoute(t *testing.T) {
	store := newFakeStore()
	store.put(testConfig("acme", "v1"))
	fb := newFakeBroker()
	m := newTestManager(store, fb)

	require.NoError(t, m.RefreshTenant(context.Background(), "acme"))
	time.Sleep(20 * time.Millisecond)

	store.remove("acme")
	m.ReloadAll(context.Background())

	assert.Empty(t, m.Routes())
}

func TestRouteID_IsBitExact(t *testing.T) {
	assert.Equal(t, "Partner:acme:Main", mmodel.RouteID("acme"))
}
