// Package breaker implements the Breaker Registry: one
// circuit breaker per tenant, gating calls with a count-based sliding
// window of the last N terminal outcomes.
//
// sony/gobreaker's Counts are interval-reset cumulative counters, not a
// fixed-size ring buffer of the last N outcomes, so the window here is a
// purpose-built ring buffer instead, with the state names, Counts field
// shape and StateChangeListener hook carried over from an adapter in the
// same idiom.
package breaker

import (
	"sync"
	"time"

	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
)

// StateChangeEvent is emitted on every natural or administrative state
// transition.
type StateChangeEvent struct {
	TenantID  mmodel.TenantID
	FromState mmodel.BreakerState
	ToState   mmodel.BreakerState
	Counts    mmodel.Counts
}

// StateChangeListener observes breaker transitions, e.g. for audit logging
// or metrics. Kept as a pluggable hook even though metrics scraping and
// dashboards are out of scope here.
type StateChangeListener interface {
	OnStateChange(event StateChangeEvent)
}

// ring is a fixed-size ring buffer of the last N terminal outcomes
// (success=true/false), evicting the oldest sample on overflow.
type ring struct {
	samples  []bool
	size     int
	count    int
	next     int
	failures int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 1
	}

	return &ring{samples: make([]bool, size), size: size}
}

func (r *ring) push(success bool) {
	if r.count == r.size {
		if !r.samples[r.next] {
			r.failures--
		}
	} else {
		r.count++
	}

	r.samples[r.next] = success
	if !success {
		r.failures++
	}

	r.next = (r.next + 1) % r.size
}

func (r *ring) reset() {
	for i := range r.samples {
		r.samples[i] = false
	}

	r.count, r.next, r.failures = 0, 0, 0
}

func (r *ring) failureRatePct() float64 {
	if r.count == 0 {
		return 0
	}

	return float64(r.failures) / float64(r.count) * 100
}

// breaker is one tenant's circuit breaker.
type breaker struct {
	tenantID mmodel.TenantID
	cfg      mmodel.TenantConfig
	listener StateChangeListener

	mu                  sync.Mutex
	state               mmodel.BreakerState
	window              *ring
	openedAt            time.Time
	halfOpenPermitsLeft int
	halfOpenSuccesses   int
	counts              mmodel.Counts
	forced              bool
}

func newBreaker(tenantID mmodel.TenantID, cfg mmodel.TenantConfig, listener StateChangeListener) *breaker {
	return &breaker{
		tenantID: tenantID,
		cfg:      cfg,
		listener: listener,
		state:    mmodel.StateClosed,
		window:   newRing(cfg.SlidingWindowSize),
	}
}

// permission is the breaker's admit/reject decision for one call. reject
// means the caller must fail with ErrBreakerOpen without touching the
// pool at all.
type permission int

const (
	permitAdmit permission = iota
	permitReject
)

// admit evaluates (and, where a timed transition is due, performs) the
// state machine, then returns whether this call may proceed. Breaker
// state observed by a task is monotonic within the task: once admitted,
// a call runs to completion even if the breaker trips mid-flight.
func (b *breaker) admit(now time.Time) permission {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case mmodel.StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.OpenStateDuration {
			b.transition(mmodel.StateHalfOpen, now)
			b.halfOpenPermitsLeft = b.cfg.HalfOpenProbeCount
			b.halfOpenSuccesses = 0

			return permitAdmit
		}

		b.counts.NotPermittedCount++

		return permitReject
	case mmodel.StateHalfOpen:
		if b.halfOpenPermitsLeft <= 0 {
			b.counts.NotPermittedCount++
			return permitReject
		}

		b.halfOpenPermitsLeft--

		return permitAdmit
	default: // CLOSED
		return permitAdmit
	}
}

// record feeds one terminal outcome into the breaker after a call that
// was admitted by admit() has completed.
func (b *breaker) record(success bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.Requests++
	if success {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
	} else {
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
	}

	switch b.state {
	case mmodel.StateClosed:
		b.window.push(success)

		if b.window.count >= b.cfg.MinCallsBeforeEval && b.window.failureRatePct() >= b.cfg.FailureRateThresholdPct {
			b.openedAt = now
			b.transition(mmodel.StateOpen, now)
		}
	case mmodel.StateHalfOpen:
		if !success {
			b.openedAt = now
			b.transition(mmodel.StateOpen, now)

			return
		}

		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenProbeCount {
			// All probes for this half-open episode succeeded.
			b.window.reset()
			b.transition(mmodel.StateClosed, now)
		}
	}
}

// transition must be called with b.mu held.
func (b *breaker) transition(to mmodel.BreakerState, now time.Time) {
	from := b.state
	if from == to {
		return
	}

	b.state = to
	b.forced = false

	if b.listener != nil {
		event := StateChangeEvent{TenantID: b.tenantID, FromState: from, ToState: to, Counts: b.counts}
		go b.listener.OnStateChange(event)
	}
}

func (b *breaker) forceState(to mmodel.BreakerState, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transition(to, now)
	b.forced = true

	switch to {
	case mmodel.StateOpen:
		b.openedAt = now
	case mmodel.StateHalfOpen:
		b.halfOpenPermitsLeft = b.cfg.HalfOpenProbeCount
		b.halfOpenSuccesses = 0
	case mmodel.StateClosed:
		b.window.reset()
	}
}

func (b *breaker) status() mmodel.BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	return mmodel.BreakerStatus{
		TenantID:            b.tenantID,
		State:               b.state,
		OpenedAt:            b.openedAt,
		HalfOpenPermitsLeft: b.halfOpenPermitsLeft,
		Counts:              b.counts,
	}
}

func (b *breaker) isHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state == mmodel.StateClosed
}
