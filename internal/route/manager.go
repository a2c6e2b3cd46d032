// Package route implements the Route Manager: it keeps one
// ingest loop alive per tenant with an active route, reconciling against
// CREATED/UPDATED/DELETED notifications and a periodic full reload, with
// per-tenant serialized but cross-tenant parallel reconciliation.
package route

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/partnerforwarder/partner-forwarder/internal/broker"
	"github.com/partnerforwarder/partner-forwarder/internal/breaker"
	"github.com/partnerforwarder/partner-forwarder/internal/pool"
	"github.com/partnerforwarder/partner-forwarder/internal/processor"
	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
)

// BrokerConsumer is the subset of *broker.Connection the Route Manager
// needs to run a tenant's ingest loop, narrowed to an interface so tests
// can inject a fake instead of a live AMQP connection.
type BrokerConsumer interface {
	ConsumeTenantQueue(ctx context.Context, queueName string, handler broker.Handler) error
}

// ConfigStore is the subset of internal/configstore.Store the Route
// Manager needs: fetch one tenant's config, or every tenant's config for
// a full reload.
type ConfigStore interface {
	Get(ctx context.Context, tenantID mmodel.TenantID) (mmodel.TenantConfig, error)
	All(ctx context.Context) ([]mmodel.TenantConfig, error)
}

// ProcessorFactory builds the Tenant Processor bound to one ingest loop's
// worker identity.
type ProcessorFactory func(workerName string) *processor.Processor

// DrainWindow is how long reconciliation waits, after cancelling a replaced
// loop's context, before starting the loop that replaces it.
const DrainWindow = 2 * time.Second

// DeleteGrace bounds how long a deleted tenant's pool is given to drain
// in-flight and queued tasks after its loop stops, before the pool is
// cancelled and removed.
const DeleteGrace = 30 * time.Second

type routeEntry struct {
	mu     sync.Mutex
	active mmodel.ActiveRoute
	cancel context.CancelFunc
}

// Manager owns the per-tenant ingest loops.
type Manager struct {
	logger   mlog.Logger
	store    ConfigStore
	breakers *breaker.Registry
	pools    *pool.Registry
	conn     BrokerConsumer
	newProc  ProcessorFactory
	reload   time.Duration

	mu      sync.RWMutex
	entries map[mmodel.TenantID]*routeEntry
}

// NewManager builds a Route Manager.
func NewManager(logger mlog.Logger, store ConfigStore, breakers *breaker.Registry, pools *pool.Registry, conn BrokerConsumer, newProc ProcessorFactory, reload time.Duration) *Manager {
	if reload <= 0 {
		reload = 300 * time.Second
	}

	return &Manager{
		logger:  logger,
		store:   store,
		breakers: breakers,
		pools:   pools,
		conn:    conn,
		newProc: newProc,
		reload:  reload,
		entries: make(map[mmodel.TenantID]*routeEntry),
	}
}

// Run starts the periodic full-reload loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.reload)
	defer ticker.Stop()

	m.ReloadAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReloadAll(ctx)
		}
	}
}

// ReloadAll fetches every tenant's config from the store and reconciles
// each one, in parallel across tenants.
func (m *Manager) ReloadAll(ctx context.Context) {
	configs, err := m.store.All(ctx)
	if err != nil {
		m.logger.Errorf("route: full reload failed: %v", err)
		return
	}

	present := make(map[mmodel.TenantID]struct{}, len(configs))

	var wg sync.WaitGroup

	for _, cfg := range configs {
		present[cfg.TenantID] = struct{}{}

		wg.Add(1)

		go func(cfg mmodel.TenantConfig) {
			defer wg.Done()
			m.reconcileCreateOrUpdate(ctx, cfg)
		}(cfg)
	}

	wg.Wait()

	for _, tenantID := range m.activeTenantIDs() {
		if _, ok := present[tenantID]; !ok {
			m.reconcileDelete(ctx, tenantID)
		}
	}
}

// Notify handles one Control-API-delivered change notification.
func (m *Manager) Notify(ctx context.Context, n mmodel.ChangeNotification) error {
	switch n.ChangeType {
	case mmodel.ChangeCreated, mmodel.ChangeUpdated:
		cfg, err := m.store.Get(ctx, n.TenantID)
		if err != nil {
			return err
		}

		m.reconcileCreateOrUpdate(ctx, cfg)
	case mmodel.ChangeDeleted:
		m.reconcileDelete(ctx, n.TenantID)
	}

	return nil
}

// RefreshTenant re-reads one tenant's config and reconciles it (manual
// refresh command).
func (m *Manager) RefreshTenant(ctx context.Context, tenantID mmodel.TenantID) error {
	cfg, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	m.reconcileCreateOrUpdate(ctx, cfg)

	return nil
}

// Routes returns a snapshot of every active route.
func (m *Manager) Routes() []mmodel.ActiveRoute {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]mmodel.ActiveRoute, 0, len(m.entries))
	for _, e := range m.entries {
		e.mu.Lock()
		out = append(out, e.active)
		e.mu.Unlock()
	}

	return out
}

func (m *Manager) activeTenantIDs() []mmodel.TenantID {
	m.mu.RLock()
	ids := make([]mmodel.TenantID, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

func (m *Manager) entryFor(tenantID mmodel.TenantID) *routeEntry {
	m.mu.RLock()
	e, ok := m.entries[tenantID]
	m.mu.RUnlock()

	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[tenantID]; ok {
		return e
	}

	e = &routeEntry{}
	m.entries[tenantID] = e

	return e
}

// reconcileCreateOrUpdate applies one tenant's config idempotently, keyed
// on (tenantId, configVersion): no active route starts one, a version
// mismatch replaces it with a drain window, matching versions no-op.
// Serialized per tenant via the entry's own mutex.
func (m *Manager) reconcileCreateOrUpdate(ctx context.Context, cfg mmodel.TenantConfig) {
	if err := cfg.Validate(); err != nil {
		m.logger.Errorf("route: refusing invalid config for tenant %s: %v", cfg.TenantID, err)
		return
	}

	entry := m.entryFor(cfg.TenantID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.active.RouteID != "" && entry.active.ConfigVersion == cfg.Version {
		return
	}

	if entry.cancel != nil {
		entry.cancel()

		time.Sleep(DrainWindow)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	entry.cancel = cancel
	entry.active = mmodel.ActiveRoute{
		RouteID:       mmodel.RouteID(cfg.TenantID),
		TenantID:      cfg.TenantID,
		ConfigVersion: cfg.Version,
	}

	go m.runLoop(loopCtx, cfg)

	m.logger.Infof("route: started loop for tenant %s at version %s", cfg.TenantID, cfg.Version)
}

// reconcileDelete stops tenantID's loop (if any) and starts shutting the
// pool down at once: it stops accepting tasks, drains for up to
// DeleteGrace, and is then removed. The breaker and credential cache
// entries are left in place; nothing here removes them.
func (m *Manager) reconcileDelete(ctx context.Context, tenantID mmodel.TenantID) {
	m.mu.Lock()
	entry, ok := m.entries[tenantID]
	if ok {
		delete(m.entries, tenantID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	entry.mu.Lock()
	if entry.cancel != nil {
		entry.cancel()
	}
	entry.mu.Unlock()

	m.logger.Infof("route: stopped loop for tenant %s (deleted)", tenantID)

	go func() {
		m.pools.Remove(tenantID, DeleteGrace)
	}()
}

func (m *Manager) runLoop(ctx context.Context, cfg mmodel.TenantConfig) {
	queueName := cfg.QueueName()

	handler := func(ctx context.Context, body []byte) error {
		msg := processor.Message{
			TenantID: cfg.TenantID,
			RouteID:  mmodel.RouteID(cfg.TenantID),
			Body:     body,
		}

		proc := m.newProc(workerNameFor(cfg.TenantID))

		task := func(taskCtx context.Context) (any, error) {
			return proc.Process(taskCtx, msg, cfg)
		}

		future, err := m.breakers.Execute(cfg.TenantID, task)
		if err != nil {
			return err
		}

		_, err = future.Await(ctx)

		return err
	}

	if err := m.conn.ConsumeTenantQueue(ctx, queueName, handler); err != nil && ctx.Err() == nil {
		m.logger.Errorf("route: ingest loop for tenant %s stopped: %v", cfg.TenantID, err)
	}
}

// workerNameFor names the Processor's fallback identity, recorded only
// when a task runs outside a pool worker goroutine (the caller-runs
// fallback): the pool's own workers attach their real generated name
// ("Partner-<tenantId>-Worker-<n>") to the context at dispatch time, which
// takes precedence whenever present.
func workerNameFor(tenantID mmodel.TenantID) string {
	return "Partner-" + string(tenantID) + "-Ingest"
}
