package engine

import (
	"sync"
	"time"

	derrors "github.com/tidal-app/tidal/internal/domain/errors"
)

// BreakerState is the circuit breaker's lifecycle state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// ignoredCodes lists error codes that never trip the breaker. Conflicts and
// validation failures are per-document problems, not backend outages.
var ignoredCodes = map[derrors.Code]bool{
	derrors.CodeConflict:   true,
	derrors.CodeValidation: true,
}

// CircuitBreaker protects the remote backend from request storms. After a
// run of consecutive failures it opens and rejects calls until a reset
// window elapses, then admits a single probe to test recovery.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      int
	threshold     int
	resetTimeout  time.Duration
	openedAt      time.Time
	probeInFlight bool
	onChange      func(BreakerState, time.Time)
	now           func() time.Time
}

// NewCircuitBreaker creates a closed breaker. onChange, if non-nil, is
// invoked on every state transition with the time the new window resets
// (zero unless the breaker opened) and must not call back into the breaker.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration, onChange func(BreakerState, time.Time)) *CircuitBreaker {
	return &CircuitBreaker{
		state:        BreakerClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		onChange:     onChange,
		now:          time.Now,
	}
}

// Allow reports whether a remote call may proceed. While open it returns a
// CIRCUIT_OPEN error until the reset window elapses; then it transitions to
// half-open and admits exactly one probe call.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return derrors.Wrap(derrors.CodeCircuitOpen, "remote calls suspended", derrors.ErrCircuitOpen)
		}
		b.transition(BreakerHalfOpen)
		b.probeInFlight = true
		return nil
	default: // half-open
		if b.probeInFlight {
			return derrors.Wrap(derrors.CodeCircuitOpen, "probe in flight", derrors.ErrCircuitOpen)
		}
		b.probeInFlight = true
		return nil
	}
}

// RecordSuccess resets the failure count. A successful half-open probe
// closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	if b.state != BreakerClosed {
		b.transition(BreakerClosed)
	}
}

// RecordFailure counts a failure against the breaker. Ignored codes leave
// the breaker untouched. A failed half-open probe reopens immediately.
func (b *CircuitBreaker) RecordFailure(err error) {
	if ignoredCodes[derrors.CodeOf(err)] {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
	switch b.state {
	case BreakerHalfOpen:
		b.openedAt = b.now()
		b.transition(BreakerOpen)
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(BreakerOpen)
		}
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with the lock held.
func (b *CircuitBreaker) transition(next BreakerState) {
	if b.state == next {
		return
	}
	b.state = next
	if b.onChange != nil {
		var resetAt time.Time
		if next == BreakerOpen {
			resetAt = b.openedAt.Add(b.resetTimeout)
		}
		b.onChange(next, resetAt)
	}
}
