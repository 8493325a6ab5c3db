// Package ratelimit implements the admission controllers that pace
// outbound calls. Two variants share one contract: a local limiter whose
// state lives in-process, and a shared limiter whose last-grant timestamp
// lives in a lock file so multiple worker processes observe one pacing
// line.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Outcome reports how an admitted call went. Outcomes feed the adaptive
// rate policy.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRateLimited
	OutcomeError
)

// Limiter is the admission contract. Acquire blocks until the caller may
// make exactly one attempt; a cancelled wait does not consume the slot.
type Limiter interface {
	Acquire(ctx context.Context) error
	Record(o Outcome)
	Rate() float64
}

const (
	// adaptiveWindow is how many recent outcomes drive rate adjustment.
	adaptiveWindow = 100
	// backoffErrorRate halves the rate when exceeded.
	backoffErrorRate = 0.30
	// recoverErrorRate grows the rate when undercut.
	recoverErrorRate = 0.05
	// minRateFloor is the absolute slowest pace, requests per second.
	minRateFloor = 0.1
)

// Config tunes a limiter.
type Config struct {
	// RequestsPerSecond is the starting steady-state rate. Defaults to 1.
	RequestsPerSecond float64
	// MaxRequestsPerSecond bounds adaptive growth. Defaults to the
	// starting rate (no growth).
	MaxRequestsPerSecond float64
	// Burst allows short spikes above the steady-state rate. Defaults to 1.
	Burst int
}

func (c Config) withDefaults() Config {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 1
	}
	if c.MaxRequestsPerSecond <= 0 {
		c.MaxRequestsPerSecond = c.RequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// LocalLimiter paces callers within one process. The steady-state pace is
// enforced by a token bucket; 429 responses can additionally force a
// delay until a server-provided reset time.
type LocalLimiter struct {
	limiter *rate.Limiter

	mu             sync.Mutex
	cfg            Config
	current        float64
	outcomes       []Outcome
	forceWaitUntil time.Time
}

// NewLocal builds a LocalLimiter from cfg.
func NewLocal(cfg Config) *LocalLimiter {
	cfg = cfg.withDefaults()
	return &LocalLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:     cfg,
		current: cfg.RequestsPerSecond,
	}
}

// Acquire blocks until the next slot. If ctx is cancelled while waiting,
// the reserved slot is returned to the bucket and ctx.Err() is returned.
func (l *LocalLimiter) Acquire(ctx context.Context) error {
	if err := l.waitForForcedDelay(ctx); err != nil {
		return err
	}
	return l.limiter.Wait(ctx)
}

// Record feeds one outcome into the rolling window and adjusts the rate:
// error-rate above 30% halves it (floored), below 5% grows it by 10%
// (capped at the configured max).
func (l *LocalLimiter) Record(o Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.outcomes = append(l.outcomes, o)
	if len(l.outcomes) > adaptiveWindow {
		l.outcomes = l.outcomes[len(l.outcomes)-adaptiveWindow:]
	}

	errRate := l.errorRateLocked()
	switch {
	case errRate > backoffErrorRate:
		l.setRateLocked(l.current * 0.5)
	case errRate < recoverErrorRate && l.current < l.cfg.MaxRequestsPerSecond:
		l.setRateLocked(l.current * 1.1)
	}
}

// Rate returns the current requests-per-second pace.
func (l *LocalLimiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Defer forces all callers to wait until now+d before acquiring again.
// Used when the server sends Retry-After.
func (l *LocalLimiter) Defer(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)
	l.mu.Lock()
	if until.After(l.forceWaitUntil) {
		l.forceWaitUntil = until
	}
	l.mu.Unlock()
}

func (l *LocalLimiter) errorRateLocked() float64 {
	if len(l.outcomes) == 0 {
		return 0
	}
	bad := 0
	for _, o := range l.outcomes {
		if o != OutcomeOK {
			bad++
		}
	}
	return float64(bad) / float64(len(l.outcomes))
}

func (l *LocalLimiter) setRateLocked(r float64) {
	if r < minRateFloor {
		r = minRateFloor
	}
	if r > l.cfg.MaxRequestsPerSecond {
		r = l.cfg.MaxRequestsPerSecond
	}
	if r == l.current {
		return
	}
	l.current = r
	l.limiter.SetLimit(rate.Limit(r))
}

func (l *LocalLimiter) waitForForcedDelay(ctx context.Context) error {
	for {
		l.mu.Lock()
		waitUntil := l.forceWaitUntil
		l.mu.Unlock()

		if waitUntil.IsZero() {
			return nil
		}

		now := time.Now()
		if !now.Before(waitUntil) {
			l.clearForcedDelay(waitUntil)
			return nil
		}

		timer := time.NewTimer(waitUntil.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			l.clearForcedDelay(waitUntil)
		}
	}
}

func (l *LocalLimiter) clearForcedDelay(previous time.Time) {
	l.mu.Lock()
	if previous.Equal(l.forceWaitUntil) {
		l.forceWaitUntil = time.Time{}
	}
	l.mu.Unlock()
}
