// Package breaker implements a per-endpoint circuit breaker. While the
// circuit is open, calls fail fast with CircuitOpenError and consume no
// admission slot; after a cool-down the circuit half-opens and a small
// number of consecutive successes close it again.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/jamesprial/go-reddit-scraper/pkg/errors"
)

// State is the circuit's position in its state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes a Breaker.
type Config struct {
	// FailureThreshold opens the circuit once this many consecutive
	// failures accumulate while closed. Defaults to 5.
	FailureThreshold int
	// CoolDown is how long the circuit stays open before probing.
	// Defaults to 30s.
	CoolDown time.Duration
	// SuccessThreshold closes a half-open circuit after this many
	// consecutive successes. Defaults to 2.
	SuccessThreshold int
	// OnStateChange, if set, is invoked after every transition. Called
	// without the breaker's lock held.
	OnStateChange func(endpoint string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// Breaker guards one endpoint. Safe for concurrent use.
type Breaker struct {
	endpoint string
	cfg      Config

	mu                sync.Mutex
	state             State
	failureCount      int
	halfOpenSuccesses int
	openedAt          time.Time
	// firstOpenedAt marks when the current outage began. Probe failures
	// flap the circuit open→half_open→open and reset openedAt each time;
	// firstOpenedAt survives the flaps and clears only on close.
	firstOpenedAt time.Time
}

// New builds a closed Breaker for endpoint.
func New(endpoint string, cfg Config) *Breaker {
	return &Breaker{
		endpoint: endpoint,
		cfg:      cfg.withDefaults(),
		state:    StateClosed,
	}
}

// Allow reports whether a call may proceed. An open circuit whose
// cool-down has elapsed transitions to half-open and admits the probe.
// Returns CircuitOpenError otherwise.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var transition func()
	err := func() error {
		if b.state != StateOpen {
			return nil
		}
		if time.Since(b.openedAt) < b.cfg.CoolDown {
			return &errors.CircuitOpenError{Endpoint: b.endpoint}
		}
		transition = b.setStateLocked(StateHalfOpen)
		b.halfOpenSuccesses = 0
		return nil
	}()
	b.mu.Unlock()
	if transition != nil {
		transition()
	}
	return err
}

// RecordSuccess notes a successful call. Enough consecutive half-open
// successes close the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var transition func()
	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			transition = b.setStateLocked(StateClosed)
			b.failureCount = 0
			b.firstOpenedAt = time.Time{}
		}
	case StateClosed:
		b.failureCount = 0
	}
	b.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// RecordFailure notes a failed call. Any half-open failure reopens the
// circuit; enough consecutive closed failures open it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var transition func()
	b.failureCount++
	switch b.state {
	case StateHalfOpen:
		transition = b.openLocked()
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			transition = b.openLocked()
		}
	}
	b.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// Do runs fn behind the breaker: Allow first, then fn, then the outcome
// is recorded. Cancellation is not counted against the circuit.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err == nil {
		b.RecordSuccess()
		return nil
	}
	if ctx.Err() == nil {
		b.RecordFailure()
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OpenSince returns when the current outage began, carried across
// open→half_open→open probe flaps, or the zero time once the circuit
// has closed. The session engine uses this for the circuit budget.
func (b *Breaker) OpenSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.firstOpenedAt
}

// CoolDown returns the configured cool-down interval.
func (b *Breaker) CoolDown() time.Duration {
	return b.cfg.CoolDown
}

func (b *Breaker) openLocked() func() {
	b.openedAt = time.Now()
	if b.firstOpenedAt.IsZero() {
		b.firstOpenedAt = b.openedAt
	}
	return b.setStateLocked(StateOpen)
}

// setStateLocked changes state and returns the deferred callback to run
// once the lock is released.
func (b *Breaker) setStateLocked(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	if b.cfg.OnStateChange == nil {
		return nil
	}
	cb := b.cfg.OnStateChange
	endpoint := b.endpoint
	return func() { cb(endpoint, from, to) }
}
