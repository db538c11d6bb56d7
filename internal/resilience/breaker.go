// Package resilience provides retry-with-backoff and circuit breaking
// for outbound webhook delivery.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is short-circuited because the
// dependency is known-bad. Callers can distinguish it from an ordinary
// delivery failure with errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker open")

type Phase string

const (
	PhaseClosed   Phase = "closed"
	PhaseOpen     Phase = "open"
	PhaseHalfOpen Phase = "half_open"
)

// State is the breaker's tagged state snapshot:
// Closed{FailureCount, WindowStart} | Open{OpenedAt} | HalfOpen.
// Fields outside the active phase are zero.
type State struct {
	Phase        Phase
	FailureCount int
	WindowStart  time.Time
	OpenedAt     time.Time
}

// Breaker is a circuit breaker for one logical dependency. It trips
// open after `threshold` consecutive failures whose streak began inside
// the rolling window, rejects all calls for the cooldown, then admits a
// single half-open trial call.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time

	phase         Phase
	failureCount  int
	windowStart   time.Time
	openedAt      time.Time
	probeInFlight bool
}

func NewBreaker(threshold int, window, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
		phase:     PhaseClosed,
	}
}

// SetClock overrides the time source for testing.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Allow reports whether a call may proceed. In the open phase it
// returns ErrCircuitOpen until the cooldown elapses, at which point it
// admits exactly one half-open trial call; further calls are rejected
// until that trial resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.phase {
	case PhaseClosed:
		return nil
	case PhaseOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.phase = PhaseHalfOpen
		b.openedAt = time.Time{}
		b.probeInFlight = true
		return nil
	case PhaseHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess resets the breaker to closed and zeroes the
// consecutive-failure counter, regardless of the time window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.phase = PhaseClosed
	b.failureCount = 0
	b.windowStart = time.Time{}
	b.openedAt = time.Time{}
	b.probeInFlight = false
}

// RecordFailure counts a failure. In the closed phase a streak whose
// start fell outside the rolling window restarts at one; reaching the
// threshold trips the breaker open. A failed half-open trial reopens
// the breaker immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.phase {
	case PhaseHalfOpen:
		b.phase = PhaseOpen
		b.openedAt = now
		b.probeInFlight = false
		b.failureCount = 0
		b.windowStart = time.Time{}
	case PhaseClosed:
		if b.failureCount == 0 || now.Sub(b.windowStart) > b.window {
			b.failureCount = 1
			b.windowStart = now
		} else {
			b.failureCount++
		}
		if b.failureCount >= b.threshold {
			b.phase = PhaseOpen
			b.openedAt = now
			b.failureCount = 0
			b.windowStart = time.Time{}
		}
	case PhaseOpen:
		// Already open; nothing to count.
	}
}

// State returns the tagged state snapshot.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := State{Phase: b.phase}
	switch b.phase {
	case PhaseClosed:
		s.FailureCount = b.failureCount
		s.WindowStart = b.windowStart
	case PhaseOpen:
		s.OpenedAt = b.openedAt
	}
	return s
}
