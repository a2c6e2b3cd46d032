package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/partnerforwarder/partner-forwarder/pkg/merrors"
	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
)

// ConfigLookup resolves the current TenantConfig for a tenant, falling
// back to the DEFAULT profile when the tenant is unknown.
type ConfigLookup func(tenantID mmodel.TenantID) mmodel.TenantConfig

// Registry owns one bounded worker pool per tenant. Each pool has its own
// mutex. All holds the registry map's read lock and takes one pool's lock
// at a time; ShutdownAll snapshots the tenant ids under the read lock and
// shuts the pools down in sorted tenantId order.
type Registry struct {
	logger mlog.Logger
	lookup ConfigLookup

	mu    sync.RWMutex
	pools map[mmodel.TenantID]*pool
}

// NewRegistry builds a Pool Registry. lookup supplies the TenantConfig used
// to size a tenant's pool the first time it is created.
func NewRegistry(logger mlog.Logger, lookup ConfigLookup) *Registry {
	return &Registry{
		logger: logger,
		lookup: lookup,
		pools:  make(map[mmodel.TenantID]*pool),
	}
}

// Submit schedules task on tenantID's pool, creating the pool on demand
// using the current TenantConfig.
func (r *Registry) Submit(tenantID mmodel.TenantID, task Task) (*Future, error) {
	p := r.poolFor(tenantID)

	return p.submit(task)
}

func (r *Registry) poolFor(tenantID mmodel.TenantID) *pool {
	r.mu.RLock()
	p, ok := r.pools[tenantID]
	r.mu.RUnlock()

	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[tenantID]; ok {
		return p
	}

	cfg := r.lookup(tenantID)
	p = newPool(tenantID, cfg, r.logger.WithFields("tenantId", string(tenantID)))
	r.pools[tenantID] = p

	return p
}

// Stats returns the PoolState for tenantID, or merrors.ErrNotFound if no
// pool has been created for it yet.
func (r *Registry) Stats(tenantID mmodel.TenantID) (mmodel.PoolState, error) {
	r.mu.RLock()
	p, ok := r.pools[tenantID]
	r.mu.RUnlock()

	if !ok {
		return mmodel.PoolState{}, merrors.Wrap(merrors.KindNotFound, string(tenantID), nil)
	}

	return p.state(), nil
}

// All returns the PoolState of every tenant with a pool.
func (r *Registry) All() map[mmodel.TenantID]mmodel.PoolState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[mmodel.TenantID]mmodel.PoolState, len(r.pools))
	for id, p := range r.pools {
		out[id] = p.state()
	}

	return out
}

// Shutdown drains tenantID's pool up to grace, then cancels what remains.
// It is a no-op if the tenant has no pool.
func (r *Registry) Shutdown(tenantID mmodel.TenantID, grace time.Duration) {
	r.mu.RLock()
	p, ok := r.pools[tenantID]
	r.mu.RUnlock()

	if !ok {
		return
	}

	p.shutdown(grace)
}

// Remove shuts down and forgets tenantID's pool entirely, used by the
// Route Manager's post-DELETED garbage collection.
func (r *Registry) Remove(tenantID mmodel.TenantID, grace time.Duration) {
	r.Shutdown(tenantID, grace)

	r.mu.Lock()
	delete(r.pools, tenantID)
	r.mu.Unlock()
}

// ShutdownAll shuts down every pool, in deterministic tenantId-sorted
// order, so tests can observe it.
func (r *Registry) ShutdownAll(ctx context.Context, grace time.Duration) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.pools))
	for id := range r.pools {
		ids = append(ids, string(id))
	}
	r.mu.RUnlock()

	sort.Strings(ids)

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r.Shutdown(mmodel.TenantID(id), grace)
	}
}
