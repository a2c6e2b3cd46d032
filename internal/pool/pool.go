// Package pool implements the Pool Registry: one bounded,
// elastic worker pool per tenant, independent in threads, queue and
// failure accounting so one tenant can never consume another's capacity.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/partnerforwarder/partner-forwarder/pkg/merrors"
	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
)

// Task is a unit of work submitted to a tenant's pool. It receives the
// context the pool cancels on grace-period expiry during shutdown.
type Task func(ctx context.Context) (any, error)

// Future resolves with the outcome of a submitted Task.
type Future struct {
	done   chan struct{}
	result any
	err    error
}

// Await blocks until the task backing this Future has run, or ctx is
// cancelled first.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// FailedFuture returns an already-resolved Future carrying err, used by
// callers (e.g. the Breaker Registry) that must fail a submission before
// it ever reaches a pool.
func FailedFuture(err error) *Future {
	f := newFuture()
	f.resolve(nil, err)

	return f
}

func (f *Future) resolve(result any, err error) {
	f.result, f.err = result, err
	close(f.done)
}

type job struct {
	task   Task
	future *Future
}

// workerNameKey is the context key a worker goroutine attaches its
// generated name under before running a job's task, so anything deeper in
// the call chain (the Tenant Processor) can record which worker actually
// handled it.
type workerNameKey struct{}

// ContextWithWorkerName returns a context carrying name as the live
// worker identity.
func ContextWithWorkerName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workerNameKey{}, name)
}

// WorkerNameFromContext returns the worker name attached by
// ContextWithWorkerName, and whether one was set — false when the task
// ran via the caller-runs fallback rather than on a pool worker.
func WorkerNameFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(workerNameKey{}).(string)
	return name, ok
}

// pool is one tenant's bounded, elastic worker pool.
type pool struct {
	tenantID mmodel.TenantID
	cfg      mmodel.TenantConfig
	logger   mlog.Logger

	mu           sync.Mutex
	queue        chan job
	liveWorkers  int
	shuttingDown bool
	cancel       context.CancelFunc
	ctx          context.Context

	active    int64
	completed int64
	workerSeq int64
}

func newPool(tenantID mmodel.TenantID, cfg mmodel.TenantConfig, logger mlog.Logger) *pool {
	ctx, cancel := context.WithCancel(context.Background())

	p := &pool{
		tenantID: tenantID,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan job, cfg.QueueCapacity),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < cfg.CoreWorkers; i++ {
		p.spawnWorker(true)
	}

	return p
}

// submit enqueues task, spawning an elastic worker if under maxWorkers and
// the queue is non-empty, or running the task synchronously on the calling
// goroutine (caller-runs fallback) if the queue is full — a deliberate
// load-shedding policy, not a bug.
func (p *pool) submit(task Task) (*Future, error) {
	future := newFuture()

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		future.resolve(nil, merrors.ErrShuttingDown)

		return future, nil
	}

	if p.liveWorkers < p.cfg.MaxWorkers && len(p.queue) > 0 {
		// Backlog building up and we have elastic headroom: grow.
		p.spawnWorker(false)
	}
	p.mu.Unlock()

	select {
	case p.queue <- job{task: task, future: future}:
		return future, nil
	default:
		// Queue saturated: caller-runs fallback.
		p.runCallerRuns(task, future)

		return future, nil
	}
}

func (p *pool) runCallerRuns(task Task, future *Future) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	result, err := task(p.ctx)
	atomic.AddInt64(&p.completed, 1)
	future.resolve(result, err)
}

func (p *pool) spawnWorker(core bool) {
	p.liveWorkers++
	seq := p.workerSeq
	p.workerSeq++

	name := fmt.Sprintf("Partner-%s-Worker-%d", p.tenantID, seq)

	go p.runWorker(name, core)
}

func (p *pool) runWorker(name string, core bool) {
	defer func() {
		p.mu.Lock()
		p.liveWorkers--
		p.mu.Unlock()
	}()

	idle := p.cfg.IdleKeepAlive
	if idle <= 0 {
		idle = 30 * time.Second
	}

	var idleTimer *time.Timer
	if !core {
		idleTimer = time.NewTimer(idle)
		defer idleTimer.Stop()
	}

	for {
		var timeoutC <-chan time.Time
		if idleTimer != nil {
			timeoutC = idleTimer.C
		}

		select {
		case <-p.ctx.Done():
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}

			if idleTimer != nil && !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}

			p.runJob(name, j)

			if idleTimer != nil {
				idleTimer.Reset(idle)
			}
		case <-timeoutC:
			// Idle above coreWorkers: terminate.
			return
		}
	}
}

func (p *pool) runJob(workerName string, j job) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	ctx := ContextWithWorkerName(p.ctx, workerName)

	result, err := j.task(ctx)
	atomic.AddInt64(&p.completed, 1)

	if err != nil {
		p.logger.Debugf("pool %s: task failed on %s: %v", p.tenantID, workerName, err)
	}

	j.future.resolve(result, err)
}

func (p *pool) state() mmodel.PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return mmodel.PoolState{
		TenantID:       p.tenantID,
		ActiveCount:    int(atomic.LoadInt64(&p.active)),
		PoolSize:       p.liveWorkers,
		QueueDepth:     len(p.queue),
		CompletedCount: atomic.LoadInt64(&p.completed),
		ShuttingDown:   p.shuttingDown,
	}
}

// shutdown drains queued tasks up to grace, then cancels the rest: running
// tasks see their context cancelled and still-queued tasks fail with
// ErrShuttingDown.
func (p *pool) shutdown(grace time.Duration) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}

	p.shuttingDown = true
	p.mu.Unlock()

	drained := make(chan struct{})

	go func() {
		for atomic.LoadInt64(&p.active) > 0 || len(p.queue) > 0 {
			time.Sleep(5 * time.Millisecond)
		}
		close(drained)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-drained:
	case <-timer.C:
	}

	p.cancel()

	// Jobs still queued after the grace period are never run; fail their
	// futures so no submitter waits forever.
	for {
		select {
		case j := <-p.queue:
			j.future.resolve(nil, merrors.ErrShuttingDown)
		default:
			return
		}
	}
}
