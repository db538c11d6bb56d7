package resilience

import (
	"context"
	"sync"
	"time"
)

// BreakerMap manages one Breaker per key (the dispatcher keys by
// webhook host) and combines breaking with retry: a call that exhausts
// its retries counts as a single breaker failure.
type BreakerMap struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	window    time.Duration
	cooldown  time.Duration

	// OnOpen, if set, is invoked (outside the map lock) when a key's
	// breaker transitions to open.
	OnOpen func(key string)

	clock func() time.Time
}

func NewBreakerMap(threshold int, window, cooldown time.Duration) *BreakerMap {
	return &BreakerMap{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
	}
}

// SetClock overrides the time source for all breakers, existing and
// future. Testing hook.
func (m *BreakerMap) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = now
	for _, b := range m.breakers {
		b.SetClock(now)
	}
}

// Get returns the breaker for key, creating it on first use.
func (m *BreakerMap) Get(key string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.breakers[key]
	if !ok {
		b = NewBreaker(m.threshold, m.window, m.cooldown)
		if m.clock != nil {
			b.SetClock(m.clock)
		}
		m.breakers[key] = b
	}
	return b
}

// State returns the tagged state of the breaker for key. A key never
// seen reports closed.
func (m *BreakerMap) State(key string) State {
	return m.Get(key).State()
}

// Execute runs fn through the key's breaker with retry. When the
// breaker is open the call is rejected with ErrCircuitOpen without
// invoking fn. A retry-exhausted or permanent failure records exactly
// one breaker failure; success resets the breaker.
func (m *BreakerMap) Execute(ctx context.Context, key string, fn func(context.Context) error, opts RetryOptions) error {
	b := m.Get(key)

	if err := b.Allow(); err != nil {
		return err
	}

	err := WithRetry(ctx, fn, opts)
	if err == nil {
		b.RecordSuccess()
		return nil
	}

	wasOpen := b.State().Phase == PhaseOpen
	b.RecordFailure()
	if !wasOpen && b.State().Phase == PhaseOpen && m.OnOpen != nil {
		m.OnOpen(key)
	}
	return err
}
