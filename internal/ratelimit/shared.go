package ratelimit

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// SharedLimiter implements the Limiter contract with the last-grant
// timestamp held in a file, so multiple worker processes sharing one
// store file also share one pacing line. The adaptive window stays
// process-local; only the grant clock is shared.
//
// The file holds a single big-endian int64: the unix-nano timestamp of
// the last granted slot. Access is serialized with flock.
type SharedLimiter struct {
	path string

	mu       sync.Mutex
	cfg      Config
	current  float64
	outcomes []Outcome
}

// NewShared builds a SharedLimiter whose grant clock lives at path.
func NewShared(path string, cfg Config) *SharedLimiter {
	cfg = cfg.withDefaults()
	return &SharedLimiter{path: path, cfg: cfg, current: cfg.RequestsPerSecond}
}

// Acquire claims the next slot on the shared pacing line. It loops:
// lock the file, read the last grant, and either claim the next slot or
// release the lock and sleep until the slot opens. A cancelled wait
// never advances the shared clock.
func (l *SharedLimiter) Acquire(ctx context.Context) error {
	for {
		interval := l.minInterval()

		wait, err := l.tryClaim(interval)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Record feeds the process-local adaptive window, same policy as
// LocalLimiter.
func (l *SharedLimiter) Record(o Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.outcomes = append(l.outcomes, o)
	if len(l.outcomes) > adaptiveWindow {
		l.outcomes = l.outcomes[len(l.outcomes)-adaptiveWindow:]
	}

	bad := 0
	for _, out := range l.outcomes {
		if out != OutcomeOK {
			bad++
		}
	}
	errRate := float64(bad) / float64(len(l.outcomes))

	switch {
	case errRate > backoffErrorRate:
		l.current *= 0.5
	case errRate < recoverErrorRate && l.current < l.cfg.MaxRequestsPerSecond:
		l.current *= 1.1
	}
	if l.current < minRateFloor {
		l.current = minRateFloor
	}
	if l.current > l.cfg.MaxRequestsPerSecond {
		l.current = l.cfg.MaxRequestsPerSecond
	}
}

// Rate returns the current requests-per-second pace.
func (l *SharedLimiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *SharedLimiter) minInterval() time.Duration {
	l.mu.Lock()
	r := l.current
	l.mu.Unlock()
	return time.Duration(float64(time.Second) / r)
}

// tryClaim returns 0 if the slot was claimed, otherwise how long to wait
// before retrying.
func (l *SharedLimiter) tryClaim(interval time.Duration) (time.Duration, error) {
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open shared rate file: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return 0, fmt.Errorf("lock shared rate file: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	var buf [8]byte
	last := int64(0)
	if n, _ := f.ReadAt(buf[:], 0); n == 8 {
		last = int64(binary.BigEndian.Uint64(buf[:]))
	}

	now := time.Now().UnixNano()
	next := last + interval.Nanoseconds()
	if next > now {
		return time.Duration(next - now), nil
	}

	binary.BigEndian.PutUint64(buf[:], uint64(now))
	if _, err := f.WriteAt(buf[:], 0); err != nil {
		return 0, fmt.Errorf("write shared rate file: %w", err)
	}
	return 0, nil
}
