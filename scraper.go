// Package scraper is the session runtime: it owns session rows, expands
// scrape requests into plans, schedules per-subreddit workers against
// the shared admission line, and publishes live events. Sessions survive
// restarts; non-terminal rows found at boot are re-queued and resume
// from their persisted plan progress.
package scraper

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jamesprial/go-reddit-scraper/internal/breaker"
	"github.com/jamesprial/go-reddit-scraper/internal/eventbus"
	"github.com/jamesprial/go-reddit-scraper/internal/extract"
	"github.com/jamesprial/go-reddit-scraper/internal/reddit"
	"github.com/jamesprial/go-reddit-scraper/internal/store"
	pkgerrs "github.com/jamesprial/go-reddit-scraper/pkg/errors"
	"github.com/jamesprial/go-reddit-scraper/pkg/types"
	"github.com/jamesprial/go-reddit-scraper/pkg/validation"
)

const (
	// DefaultWorkers caps concurrent per-subreddit workers per session.
	DefaultWorkers = 3
	// DefaultDrainTimeout bounds the graceful shutdown wait.
	DefaultDrainTimeout = 30 * time.Second
	// DefaultHeartbeatTimeout is how stale a running session's heartbeat
	// may get before the watchdog fails it.
	DefaultHeartbeatTimeout = 2 * time.Minute

	// progressMinInterval coalesces progress events to at most 4/s per
	// session.
	progressMinInterval = 250 * time.Millisecond
)

// Config wires an Engine.
type Config struct {
	// Client is the forum client. Required.
	Client *reddit.Client
	// Store persists sessions, posts, users, and metrics. Required.
	Store *store.Store
	// Bus fans out live events. Required.
	Bus *eventbus.Bus
	// Breaker is the forum circuit, consulted for the error budget.
	// Required.
	Breaker *breaker.Breaker
	// Extractor enriches external links. Optional; nil disables
	// extraction regardless of session options.
	Extractor *extract.Extractor
	// Metrics buffers samples into the store. Optional.
	Metrics *store.MetricRecorder
	// Logger for structured diagnostics. Optional.
	Logger *slog.Logger

	// Workers caps per-session concurrency. Defaults to DefaultWorkers.
	Workers int
	// RetryBaseDelay is the base of the worker backoff for transient
	// page failures. Defaults to 1s.
	RetryBaseDelay time.Duration
	// DrainTimeout bounds shutdown. Defaults to DefaultDrainTimeout.
	DrainTimeout time.Duration
	// HeartbeatTimeout for the watchdog. Defaults to
	// DefaultHeartbeatTimeout.
	HeartbeatTimeout time.Duration
}

// Engine runs scrape sessions. All session mutation goes through the
// engine; reads get deep copies or views.
type Engine struct {
	client    *reddit.Client
	store     *store.Store
	bus       *eventbus.Bus
	brk       *breaker.Breaker
	extractor *extract.Extractor
	metrics   *store.MetricRecorder
	logger    *slog.Logger

	workers          int
	retryBaseDelay   time.Duration
	drainTimeout     time.Duration
	heartbeatTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionState
	draining bool

	wg sync.WaitGroup
}

// sessionState pairs the in-memory session row with its run handle.
type sessionState struct {
	session *types.Session
	cancel  context.CancelFunc
	// lastProgress is when the last progress event was published.
	lastProgress time.Time
}

// New builds an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Client == nil {
		return nil, &pkgerrs.ConfigError{Field: "Client", Message: "forum client is required"}
	}
	if cfg.Store == nil {
		return nil, &pkgerrs.ConfigError{Field: "Store", Message: "store is required"}
	}
	if cfg.Bus == nil {
		return nil, &pkgerrs.ConfigError{Field: "Bus", Message: "event bus is required"}
	}
	if cfg.Breaker == nil {
		return nil, &pkgerrs.ConfigError{Field: "Breaker", Message: "circuit breaker is required"}
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	retryBase := cfg.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = workerBackoffBase
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	heartbeat := cfg.HeartbeatTimeout
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		client:           cfg.Client,
		store:            cfg.Store,
		bus:              cfg.Bus,
		brk:              cfg.Breaker,
		extractor:        cfg.Extractor,
		metrics:          cfg.Metrics,
		logger:           logger,
		workers:          workers,
		retryBaseDelay:   retryBase,
		drainTimeout:     drain,
		heartbeatTimeout: heartbeat,
		sessions:         make(map[string]*sessionState),
	}, nil
}

// Run resumes persisted sessions, starts the watchdog, and blocks until
// ctx is cancelled, then drains running sessions within the drain
// timeout. Call once.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.resume(ctx); err != nil {
		return err
	}

	watchdogDone := make(chan struct{})
	watchdogCtx, stopWatchdog := context.WithCancel(context.Background())
	go func() {
		defer close(watchdogDone)
		e.watchdog(watchdogCtx)
	}()

	<-ctx.Done()

	e.drain()
	stopWatchdog()
	<-watchdogDone
	return nil
}

// resume re-queues sessions that were live when the process last exited.
// A session that was running restarts with its original plan; committed
// posts are idempotent under upsert, so the plan's persisted Observed
// counts carry prior progress forward.
func (e *Engine) resume(ctx context.Context) error {
	active, err := e.store.LoadActiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, session := range active {
		if session.Status == types.StatusStopping {
			// A stop was in flight at shutdown; finish it.
			e.finishSession(session, types.StatusCancelled, "stopped during restart")
			continue
		}
		session.Status = types.StatusQueued
		if err := e.store.UpdateSession(ctx, session.SessionID, &store.SessionPatch{Status: &session.Status}); err != nil {
			return err
		}
		e.logger.Info("resuming session", "session_id", session.SessionID, "progress", session.Progress)
		e.launch(session)
	}
	return nil
}

// StartSession validates the request, persists a queued session, and
// schedules it. The returned view reflects the queued state.
func (e *Engine) StartSession(ctx context.Context, req *types.ScrapeRequest) (types.SessionView, error) {
	if err := validation.ValidateScrapeRequest(req); err != nil {
		return types.SessionView{}, err
	}

	sort := req.Sort
	if sort == "" {
		sort = types.SortHot
	}
	timeFilter := req.TimeFilter
	if timeFilter == "" {
		timeFilter = types.TimeAll
	}

	plan := make([]types.PlanEntry, len(req.Subreddits))
	for i, sub := range req.Subreddits {
		plan[i] = types.PlanEntry{
			Subreddit:   sub,
			TargetCount: req.PostsPerSubreddit,
			Sort:        sort,
			TimeFilter:  timeFilter,
		}
	}

	now := time.Now().UTC()
	session := &types.Session{
		SessionID:  uuid.NewString(),
		Subreddits: append([]string(nil), req.Subreddits...),
		Plan:       plan,
		Status:     types.StatusQueued,
		StartTime:  now,
		Options: types.SessionOptions{
			Parallel:       req.Parallel,
			IncludeUsers:   req.IncludeUsers,
			ExtractContent: req.ExtractContent,
			MaxWorkers:     req.MaxWorkers,
			Sort:           sort,
			TimeFilter:     timeFilter,
			MinScore:       req.MinScore,
			MaxAgeDays:     req.MaxAgeDays,
			SkipNSFW:       req.SkipNSFW,
		},
		LastHeartbeat: now,
	}

	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return types.SessionView{}, &pkgerrs.ValidationError{Message: "engine is shutting down"}
	}
	e.mu.Unlock()

	if err := e.store.CreateSession(ctx, session); err != nil {
		return types.SessionView{}, err
	}

	view := session.View()
	e.launch(session)
	return view, nil
}

// launch registers the session and starts its runner goroutine.
func (e *Engine) launch(session *types.Session) {
	runCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.sessions[session.SessionID] = &sessionState{session: session, cancel: cancel}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		newRunner(e, session.SessionID).run(runCtx)
	}()
}

// StopSession requests a graceful stop. Stopping a terminal or unknown
// session is not an error: the current (or absent) state is returned
// unchanged, so retries are safe.
func (e *Engine) StopSession(ctx context.Context, sessionID string) (types.SessionView, error) {
	e.mu.Lock()
	state, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		// Fall back to the store for sessions from earlier runs.
		session, err := e.store.GetSession(ctx, sessionID)
		if err != nil {
			return types.SessionView{}, err
		}
		return session.View(), nil
	}
	if state.session.Status.Terminal() || state.session.Status == types.StatusStopping {
		view := state.session.View()
		e.mu.Unlock()
		return view, nil
	}
	state.session.Status = types.StatusStopping
	view := state.session.View()
	cancel := state.cancel
	e.mu.Unlock()

	status := types.StatusStopping
	if err := e.store.UpdateSession(ctx, sessionID, &store.SessionPatch{Status: &status}); err != nil {
		return types.SessionView{}, err
	}
	e.publish(types.EventStatusUpdate, sessionID, map[string]any{"status": status})
	cancel()
	return view, nil
}

// Status returns the current view of one session.
func (e *Engine) Status(ctx context.Context, sessionID string) (types.SessionView, error) {
	e.mu.Lock()
	if state, ok := e.sessions[sessionID]; ok {
		view := state.session.View()
		e.mu.Unlock()
		return view, nil
	}
	e.mu.Unlock()

	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return types.SessionView{}, err
	}
	return session.View(), nil
}

// List returns session views, live state preferred over stored rows.
func (e *Engine) List(ctx context.Context, status types.SessionStatus, limit int) ([]types.SessionView, error) {
	stored, err := e.store.ListSessions(ctx, store.SessionFilter{Status: status, Limit: limit})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	views := make([]types.SessionView, 0, len(stored))
	for _, session := range stored {
		if state, ok := e.sessions[session.SessionID]; ok {
			if status == "" || state.session.Status == status {
				views = append(views, state.session.View())
			}
			continue
		}
		views = append(views, session.View())
	}
	return views, nil
}

// Subscribe returns a live event subscription, optionally filtered.
func (e *Engine) Subscribe(eventTypes ...types.EventType) *eventbus.Subscription {
	return e.bus.Subscribe(eventTypes...)
}

// drain stops accepting sessions, cancels the live ones, and waits up to
// the drain timeout for runners to finish persisting.
func (e *Engine) drain() {
	e.mu.Lock()
	e.draining = true
	cancels := make([]context.CancelFunc, 0, len(e.sessions))
	for _, state := range e.sessions {
		if !state.session.Status.Terminal() {
			cancels = append(cancels, state.cancel)
		}
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.drainTimeout):
		e.logger.Warn("drain timeout elapsed with sessions still running")
	}
}

// publish emits one event frame. Callers persist state first; the bus
// only ever sees already-durable transitions.
func (e *Engine) publish(eventType types.EventType, sessionID string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			e.logger.Warn("event payload marshal failed", "type", eventType, "error", err)
		} else {
			raw = encoded
		}
	}
	e.bus.Publish(types.Event{
		Type:      eventType,
		SessionID: sessionID,
		TS:        time.Now().UTC(),
		Payload:   raw,
	})
}

// finishSession persists a terminal status reached outside a runner
// (resume-time cleanup) and publishes the transition.
func (e *Engine) finishSession(session *types.Session, status types.SessionStatus, message string) {
	now := time.Now().UTC()
	session.Status = status
	session.EndTime = &now
	patch := &store.SessionPatch{Status: &status, EndTime: &now}
	if message != "" {
		session.ErrorMessage = &message
		patch.ErrorMessage = &message
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.UpdateSession(ctx, session.SessionID, patch); err != nil {
		e.logger.Error("failed to persist terminal session state",
			"session_id", session.SessionID, "status", status, "error", err)
		return
	}
	eventType := types.EventStatusUpdate
	switch status {
	case types.StatusCompleted:
		eventType = types.EventSessionCompleted
	case types.StatusFailed:
		eventType = types.EventSessionFailed
	}
	payload := map[string]any{"status": status}
	if message != "" {
		payload["error"] = message
	}
	e.publish(eventType, session.SessionID, payload)
}

// recordMetric buffers one sample and mirrors it on the bus.
func (e *Engine) recordMetric(sample types.MetricSample) {
	if e.metrics != nil {
		e.metrics.Record(sample)
	}
	e.publish(types.EventMetric, "", sample)
}
