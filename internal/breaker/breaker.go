// Package breaker implements a three-state circuit breaker gating calls to an
// unreliable dependency. Each dependency instance owns its own breaker; there
// is no cross-process coordination.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is the breaker state machine position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// OpenError is returned by Execute when the breaker is open and the reset
// timeout has not elapsed. The wrapped operation is not invoked.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry in %dms", e.Name, e.RetryAfter.Milliseconds())
}

// Listener is invoked on every state transition, after the transition has
// been applied and outside the breaker's critical section.
type Listener func(name string, from, to State)

// Breaker counts consecutive failures of a wrapped operation and fails fast
// once the threshold is reached, probing again after the reset timeout.
type Breaker struct {
	name         string
	threshold    int
	resetTimeout time.Duration
	isFailure    func(error) bool

	mu            sync.Mutex
	state         State
	probing       bool
	failureCount  int
	lastFailureAt time.Time
	listeners     []Listener

	now func() time.Time
}

// Option configures a Breaker at construction time.
type Option func(*Breaker)

// WithFailurePredicate restricts which errors count toward the failure
// threshold. Errors rejected by the predicate are propagated without
// affecting breaker state. By default every non-nil error counts.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithTuning overrides a preset's threshold and reset timeout. Zero values
// leave the preset untouched.
func WithTuning(threshold int, resetTimeout time.Duration) Option {
	return func(b *Breaker) {
		if threshold > 0 {
			b.threshold = threshold
		}
		if resetTimeout > 0 {
			b.resetTimeout = resetTimeout
		}
	}
}

// New creates a breaker that opens after threshold consecutive failures and
// probes again resetTimeout after the last failure.
func New(name string, threshold int, resetTimeout time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		isFailure:    func(err error) bool { return err != nil },
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Factory presets matching the tolerances of each dependency class.

// ForDatabase returns a breaker tuned for the durable store: slow to trip,
// slow to re-probe.
func ForDatabase(name string, opts ...Option) *Breaker {
	return New(name, 5, 60*time.Second, opts...)
}

// ForCache returns a breaker tuned for the cache: trips fast and re-probes
// fast, since the in-memory fallback makes cache failures cheap.
func ForCache(name string, opts ...Option) *Breaker {
	return New(name, 2, 10*time.Second, opts...)
}

// ForExternalAPI returns a breaker tuned for third-party HTTP APIs.
func ForExternalAPI(name string, opts ...Option) *Breaker {
	return New(name, 3, 30*time.Second, opts...)
}

// Name returns the breaker's dependency name.
func (b *Breaker) Name() string { return b.name }

// OnStateChange registers a listener for state transitions. Listeners must
// not block; they are invoked synchronously from Execute and Reset.
func (b *Breaker) OnStateChange(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// transition changes state under b.mu and returns a closure that notifies
// listeners. The caller invokes the closure after unlocking.
func (b *Breaker) transition(to State) func() {
	from := b.state
	if from == to {
		return func() {}
	}
	b.state = to
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	return func() {
		for _, l := range listeners {
			l(b.name, from, to)
		}
	}
}

// Execute runs op subject to the breaker state.
//
// Closed: op runs; success resets the failure count, failure increments it
// and opens the breaker at the threshold. Open: fails immediately with
// *OpenError until the reset timeout elapses, then transitions to HalfOpen
// and runs op as the probe. HalfOpen admits exactly one probe at a time;
// concurrent calls fail fast with *OpenError while the probe is in flight.
// A probe success closes the breaker, a probe failure re-opens it and
// restarts the timeout. The original operation error is always propagated
// unchanged.
func (b *Breaker) Execute(op func() error) error {
	b.mu.Lock()
	isProbe := false
	switch b.state {
	case Open:
		elapsed := b.now().Sub(b.lastFailureAt)
		if elapsed < b.resetTimeout {
			err := &OpenError{Name: b.name, RetryAfter: b.resetTimeout - elapsed}
			b.mu.Unlock()
			return err
		}
		notify := b.transition(HalfOpen)
		b.probing = true
		isProbe = true
		b.mu.Unlock()
		notify()
	case HalfOpen:
		if b.probing {
			// Another goroutine owns the in-flight probe.
			err := &OpenError{Name: b.name, RetryAfter: b.resetTimeout}
			b.mu.Unlock()
			return err
		}
		b.probing = true
		isProbe = true
		b.mu.Unlock()
	default:
		b.mu.Unlock()
	}

	// The op runs outside the lock; no lock is held across dependency I/O.
	err := op()

	if err != nil && !b.isFailure(err) {
		// Filtered errors leave breaker state alone, but the probe slot must
		// be released so the next HalfOpen call can probe.
		if isProbe {
			b.mu.Lock()
			b.probing = false
			b.mu.Unlock()
		}
		return err
	}

	b.mu.Lock()
	if isProbe {
		b.probing = false
	}
	var notify func()
	if err == nil {
		b.failureCount = 0
		notify = b.transition(Closed)
	} else {
		b.lastFailureAt = b.now()
		switch b.state {
		case HalfOpen:
			notify = b.transition(Open)
		default:
			b.failureCount++
			if b.failureCount >= b.threshold {
				notify = b.transition(Open)
			} else {
				notify = func() {}
			}
		}
	}
	b.mu.Unlock()
	notify()
	return err
}

// Reset forces the breaker back to Closed and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failureCount = 0
	b.probing = false
	notify := b.transition(Closed)
	b.mu.Unlock()
	notify()
}

// Status is a point-in-time snapshot of breaker state.
type Status struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failureCount"`
	LastFailureAt time.Time `json:"lastFailureAt,omitzero"`
}

// Status returns a snapshot of the breaker's current state.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:          b.name,
		State:         b.state.String(),
		FailureCount:  b.failureCount,
		LastFailureAt: b.lastFailureAt,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
