package scraper

import (
	"context"
	"time"

	"github.com/jamesprial/go-reddit-scraper/internal/store"
	"github.com/jamesprial/go-reddit-scraper/pkg/types"
)

// watchdogInterval is how often heartbeats are inspected.
const watchdogInterval = 15 * time.Second

// watchdog fails running sessions whose heartbeat has gone stale, which
// covers runner goroutines wedged on something that ignores its context.
func (e *Engine) watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepStale(ctx)
		}
	}
}

func (e *Engine) sweepStale(ctx context.Context) {
	cutoff := time.Now().Add(-e.heartbeatTimeout)

	type stale struct {
		session *types.Session
		cancel  context.CancelFunc
	}
	var found []stale

	e.mu.Lock()
	for _, state := range e.sessions {
		if state.session.Status != types.StatusRunning {
			continue
		}
		if state.session.LastHeartbeat.Before(cutoff) {
			found = append(found, stale{session: state.session, cancel: state.cancel})
		}
	}
	e.mu.Unlock()

	for _, s := range found {
		e.logger.Error("session heartbeat stale, failing it",
			"session_id", s.session.SessionID,
			"last_heartbeat", s.session.LastHeartbeat)

		now := time.Now().UTC()
		status := types.StatusFailed
		message := "heartbeat timeout"

		e.mu.Lock()
		s.session.Status = status
		s.session.EndTime = &now
		s.session.ErrorMessage = &message
		e.mu.Unlock()

		if err := e.store.UpdateSession(ctx, s.session.SessionID, &store.SessionPatch{
			Status:       &status,
			EndTime:      &now,
			ErrorMessage: &message,
		}); err != nil {
			e.logger.Error("failed to persist watchdog failure",
				"session_id", s.session.SessionID, "error", err)
		}
		e.publish(types.EventSessionFailed, s.session.SessionID, map[string]any{
			"status": status,
			"error":  message,
		})
		s.cancel()
	}
}
