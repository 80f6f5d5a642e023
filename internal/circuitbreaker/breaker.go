// Package circuitbreaker implements thread-safe circuit breakers that guard
// model selection and generation. A breaker trips after a configurable number
// of consecutive failures, rejects calls for a reset timeout, then admits one
// probe at a time until enough consecutive probes succeed to close again.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the current state of the circuit breaker.
type State int

const (
	// Closed is the normal operating state: calls pass through.
	Closed State = iota
	// Open means the circuit has tripped: calls are rejected without running.
	Open
	// HalfOpen admits a single probe call at a time to test for recovery.
	HalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold        = 5
	defaultSuccessThreshold = 3
	defaultCooldown         = 30 * time.Second
)

// Breaker is a goroutine-safe circuit breaker that tracks consecutive
// failures and transitions between Closed, Open, and HalfOpen states.
type Breaker struct {
	mu               sync.Mutex
	label            string
	enabled          bool
	state            State
	failureCount     int
	successCount     int
	probing          bool
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	lastTripped      time.Time
	onStateChange    func(label string, from, to State)
	pending          []transition

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

type transition struct{ from, to State }

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the number of consecutive failures required to trip the
// breaker from Closed to Open. The default is 5.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets the number of consecutive HalfOpen successes
// required to close the breaker again. The default is 3.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays Open before transitioning to
// HalfOpen. The default is 30 seconds.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithEnabled turns the breaker on or off. A disabled breaker always reports
// Closed and allows every call.
func WithEnabled(on bool) Option {
	return func(b *Breaker) {
		b.enabled = on
	}
}

// WithOnStateChange registers a callback that fires on every state transition.
// The callback is invoked while the breaker's mutex is held, so it must not
// call back into the breaker.
func WithOnStateChange(fn func(label string, from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// WithClock overrides the breaker's time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.nowFunc = now
		}
	}
}

// New creates a Breaker in the Closed state with the given options.
func New(label string, opts ...Option) *Breaker {
	b := &Breaker{
		label:            label,
		enabled:          true,
		state:            Closed,
		failureThreshold: defaultThreshold,
		successThreshold: defaultSuccessThreshold,
		cooldown:         defaultCooldown,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Label returns the label the breaker guards.
func (b *Breaker) Label() string { return b.label }

// Allow reports whether the next call may run.
//
// In Closed state it always returns true. In Open state it returns false unless
// the reset timeout has elapsed, in which case it transitions to HalfOpen and
// admits the caller as the probe. In HalfOpen state only one probe may be in
// flight; further calls are rejected until that probe reports its outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.unlock()

	if !b.enabled {
		return true
	}

	switch b.state {
	case Closed:
		return true
	case Open:
		if !b.nowFunc().Before(b.lastTripped.Add(b.cooldown)) {
			b.setState(HalfOpen)
			b.successCount = 0
			b.probing = true
			return true
		}
		return false
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call. In Closed state it resets the
// consecutive failure counter. In HalfOpen state it counts toward the success
// threshold and closes the breaker once the threshold is met.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.unlock()

	if !b.enabled {
		return
	}

	b.failureCount = 0
	switch b.state {
	case HalfOpen:
		b.probing = false
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.successCount = 0
			b.setState(Closed)
		}
	case Closed:
		b.successCount = 0
	}
}

// RecordFailure records a failed call. In Closed state it increments the
// consecutive failure counter and trips the breaker if the threshold is
// reached. In HalfOpen state any failure reopens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.unlock()

	if !b.enabled {
		return
	}

	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

// CurrentState returns the current breaker state. In Open state this does NOT
// check the reset timeout; use Allow for that.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled {
		return Closed
	}
	return b.state
}

// Reset forces the breaker back to Closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.unlock()
	b.failureCount = 0
	b.successCount = 0
	b.probing = false
	b.setState(Closed)
}

// trip opens the breaker. Caller must hold b.mu.
func (b *Breaker) trip() {
	b.failureCount = 0
	b.successCount = 0
	b.probing = false
	b.lastTripped = b.nowFunc()
	b.setState(Open)
}

// setState transitions the breaker and queues the change for the callback.
// Caller must hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.pending = append(b.pending, transition{from: from, to: to})
	}
}

// unlock releases b.mu, then reports queued transitions so the callback runs
// without the breaker lock held.
func (b *Breaker) unlock() {
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, t := range pending {
		b.onStateChange(b.label, t.from, t.to)
	}
}
