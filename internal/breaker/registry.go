package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/partnerforwarder/partner-forwarder/internal/pool"
	"github.com/partnerforwarder/partner-forwarder/pkg/merrors"
	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
)

// Clock is injectable so tests can control the passage of time instead of
// sleeping real wall-clock seconds (openStateDuration, etc).
type Clock func() time.Time

// Registry owns one breaker per tenant and composes with a pool.Registry:
// Execute decorates the task with the breaker's admit/record bookkeeping
// and submits the decorated task to the pool for the same tenant. A
// rejection short-circuits before any pool submission.
type Registry struct {
	logger mlog.Logger
	lookup pool.ConfigLookup
	pools  *pool.Registry
	clock  Clock
	listener StateChangeListener

	mu       sync.RWMutex
	breakers map[mmodel.TenantID]*breaker
}

// NewRegistry builds a Breaker Registry wired to pools for task scheduling.
func NewRegistry(logger mlog.Logger, lookup pool.ConfigLookup, pools *pool.Registry, listener StateChangeListener) *Registry {
	return &Registry{
		logger:   logger,
		lookup:   lookup,
		pools:    pools,
		clock:    time.Now,
		listener: listener,
		breakers: make(map[mmodel.TenantID]*breaker),
	}
}

func (r *Registry) breakerFor(tenantID mmodel.TenantID) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[tenantID]
	r.mu.RUnlock()

	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[tenantID]; ok {
		return b
	}

	cfg := r.lookup(tenantID)
	b = newBreaker(tenantID, cfg, r.listener)
	r.breakers[tenantID] = b

	return b
}

// Execute gates task through tenantID's breaker, then schedules it on the
// tenant's pool. Rejection by the breaker fails the returned Future with
// ErrBreakerOpen without ever touching the pool.
func (r *Registry) Execute(tenantID mmodel.TenantID, task pool.Task) (*pool.Future, error) {
	b := r.breakerFor(tenantID)

	if b.admit(r.clock()) == permitReject {
		return failedFuture(merrors.ErrBreakerOpen), nil
	}

	decorated := func(ctx context.Context) (any, error) {
		result, err := task(ctx)
		b.record(err == nil, r.clock())

		return result, err
	}

	return r.pools.Submit(tenantID, decorated)
}

// Stats returns tenantID's breaker snapshot.
func (r *Registry) Stats(tenantID mmodel.TenantID) (mmodel.BreakerStatus, error) {
	r.mu.RLock()
	b, ok := r.breakers[tenantID]
	r.mu.RUnlock()

	if !ok {
		return mmodel.BreakerStatus{}, merrors.Wrap(merrors.KindNotFound, string(tenantID), nil)
	}

	return b.status(), nil
}

// All returns the BreakerStatus of every tenant with a breaker.
func (r *Registry) All() map[mmodel.TenantID]mmodel.BreakerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[mmodel.TenantID]mmodel.BreakerStatus, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.status()
	}

	return out
}

// IsHealthy reports state == CLOSED.
func (r *Registry) IsHealthy(tenantID mmodel.TenantID) bool {
	r.mu.RLock()
	b, ok := r.breakers[tenantID]
	r.mu.RUnlock()

	return ok && b.isHealthy()
}

// ForceOpen, ForceClosed and ForceHalfOpen are idempotent administrative
// transitions overriding the normal state machine until the next natural
// transition condition re-evaluates.
func (r *Registry) ForceOpen(tenantID mmodel.TenantID) {
	r.breakerFor(tenantID).forceState(mmodel.StateOpen, r.clock())
}

func (r *Registry) ForceClosed(tenantID mmodel.TenantID) {
	r.breakerFor(tenantID).forceState(mmodel.StateClosed, r.clock())
}

func (r *Registry) ForceHalfOpen(tenantID mmodel.TenantID) {
	r.breakerFor(tenantID).forceState(mmodel.StateHalfOpen, r.clock())
}

func failedFuture(err error) *pool.Future {
	return pool.FailedFuture(err)
}
