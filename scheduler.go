package scraper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jamesprial/go-reddit-scraper/internal/analytics"
	"github.com/jamesprial/go-reddit-scraper/internal/extract"
	"github.com/jamesprial/go-reddit-scraper/internal/reddit"
	"github.com/jamesprial/go-reddit-scraper/internal/store"
	pkgerrs "github.com/jamesprial/go-reddit-scraper/pkg/errors"
	"github.com/jamesprial/go-reddit-scraper/pkg/types"
	"github.com/jamesprial/go-reddit-scraper/pkg/validation"
)

const (
	// Worker retry policy for transient page failures.
	workerBackoffBase   = time.Second
	workerBackoffFactor = 1.5
	workerBackoffCap    = 30 * time.Second
	workerMaxRetries    = 5

	// errorBudgetFactor: a session fails once errors exceed
	// len(plan) * errorBudgetFactor.
	errorBudgetFactor = 3
	// circuitBudgetFactor: a session fails once the forum circuit has
	// been open for circuitBudgetFactor * cool-down.
	circuitBudgetFactor = 5

	// maxPageSize is the forum's listing page ceiling.
	maxPageSize = 100
)

// runner drives one session from queued to a terminal state.
type runner struct {
	e  *Engine
	id string

	errorCount atomic.Int64
	// extractRun scopes content-extraction URL dedupe to this session.
	extractRun *extract.Run

	failOnce sync.Once
	failMsg  string
	// budgetCancel aborts workers when the error budget is exhausted.
	budgetCancel context.CancelFunc
}

func newRunner(e *Engine, sessionID string) *runner {
	r := &runner{e: e, id: sessionID}
	if e.extractor != nil {
		r.extractRun = e.extractor.NewRun()
	}
	return r
}

func (r *runner) state() *sessionState {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	return r.e.sessions[r.id]
}

// run executes the session plan. The parent ctx is cancelled by stop
// requests and engine drain; the runner layers its own cancel on top for
// error-budget aborts.
func (r *runner) run(parent context.Context) {
	state := r.state()
	if state == nil {
		return
	}

	r.e.mu.Lock()
	session := state.session
	if session.Status != types.StatusQueued {
		r.e.mu.Unlock()
		return
	}
	session.Status = types.StatusRunning
	r.errorCount.Store(int64(session.Errors))
	plan := append([]types.PlanEntry(nil), session.Plan...)
	opts := session.Options
	r.e.mu.Unlock()

	running := types.StatusRunning
	if err := r.e.store.UpdateSession(parent, r.id, &store.SessionPatch{Status: &running}); err != nil {
		r.e.logger.Error("failed to mark session running", "session_id", r.id, "error", err)
		r.finish(parent, types.StatusFailed, "store unavailable: "+err.Error())
		return
	}
	r.e.publish(types.EventSessionStarted, r.id, map[string]any{
		"subreddits": session.Subreddits,
		"targets":    session.TargetTotal(),
	})
	r.e.logger.Info("session started", "session_id", r.id,
		"subreddits", len(plan), "parallel", opts.Parallel)

	ctx, cancel := context.WithCancel(parent)
	r.budgetCancel = cancel
	defer cancel()

	workers := r.workerCount(len(plan), opts)
	entries := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range entries {
				if ctx.Err() != nil {
					return
				}
				r.scrapeEntry(ctx, idx)
			}
		}()
	}
	for idx := range plan {
		select {
		case entries <- idx:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(entries)
	wg.Wait()

	switch {
	case r.failMsg != "":
		r.finish(parent, types.StatusFailed, r.failMsg)
	case parent.Err() != nil:
		r.finish(parent, types.StatusCancelled, "")
	default:
		r.finish(parent, types.StatusCompleted, "")
	}
}

// workerCount is min(plan length, configured cap), 1 when the session is
// not parallel.
func (r *runner) workerCount(planLen int, opts types.SessionOptions) int {
	if !opts.Parallel {
		return 1
	}
	workers := r.e.workers
	if opts.MaxWorkers > 0 {
		workers = opts.MaxWorkers
	}
	if workers > validation.MaxWorkersCeiling {
		workers = validation.MaxWorkersCeiling
	}
	if workers > planLen {
		workers = planLen
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// scrapeEntry paginates one subreddit until its target is met or its
// pages are exhausted. Transient failures back off and retry; permanent
// failures advance; an open circuit waits out half the cool-down without
// consuming retry budget.
func (r *runner) scrapeEntry(ctx context.Context, idx int) {
	r.e.mu.Lock()
	state := r.e.sessions[r.id]
	entry := state.session.Plan[idx]
	opts := state.session.Options
	r.e.mu.Unlock()

	// A resumed entry re-paginates from the top; posts already committed
	// for this session are skipped so the counters and the stored set
	// both land exactly on target.
	var committed map[string]bool
	if entry.Observed > 0 {
		ids, err := r.e.store.SessionPostIDs(ctx, r.id)
		if err != nil {
			if pkgerrs.IsCancelled(err) {
				return
			}
			r.noteError(ctx, entry.Subreddit, err)
			return
		}
		committed = make(map[string]bool, len(ids))
		for _, id := range ids {
			committed[id] = true
		}
	}

	after := ""
	retries := 0
	for entry.Observed < entry.TargetCount {
		remaining := entry.TargetCount - entry.Observed
		pageSize := remaining
		if pageSize > maxPageSize {
			pageSize = maxPageSize
		}

		started := time.Now()
		result, err := r.e.client.ListPosts(ctx, &reddit.ListPostsRequest{
			Subreddit:  entry.Subreddit,
			Sort:       entry.Sort,
			TimeFilter: entry.TimeFilter,
			Limit:      pageSize,
			After:      after,
		})
		r.e.recordMetric(types.MetricSample{
			Operation:  "list_posts",
			TSStart:    started.UTC(),
			DurationMS: float64(time.Since(started)) / float64(time.Millisecond),
			OK:         err == nil,
			Tags:       map[string]string{"subreddit": entry.Subreddit},
		})

		if err != nil {
			switch pkgerrs.Classify(err) {
			case pkgerrs.ClassCancelled:
				return
			case pkgerrs.ClassTransient:
				if pkgerrs.IsCircuitOpen(err) {
					r.checkCircuitBudget()
					r.touch(ctx)
					if !sleepCtx(ctx, r.e.brk.CoolDown()/2) {
						return
					}
					continue
				}
				retries++
				if retries > workerMaxRetries {
					// One session error per exhausted entry, not per attempt.
					r.noteError(ctx, entry.Subreddit, err)
					r.e.logger.Warn("giving up on subreddit after repeated transient failures",
						"session_id", r.id, "subreddit", entry.Subreddit)
					return
				}
				r.touch(ctx)
				if !sleepCtx(ctx, backoffDelay(r.e.retryBaseDelay, retries)) {
					return
				}
				continue
			default:
				// Permanent (private/banned subreddit) or a listing-level
				// parse failure: advance past this entry.
				r.noteError(ctx, entry.Subreddit, err)
				return
			}
		}
		retries = 0

		posts := r.filterPosts(result.Posts, opts)
		if committed != nil {
			fresh := posts[:0:0]
			for _, post := range posts {
				if !committed[post.ID] {
					fresh = append(fresh, post)
				}
			}
			posts = fresh
		}
		if len(posts) > remaining {
			posts = posts[:remaining]
		}
		r.enrich(ctx, posts, opts)

		var users []*types.User
		if opts.IncludeUsers {
			users = r.fetchAuthors(ctx, posts)
		}

		if len(posts) > 0 || len(users) > 0 {
			if err := r.commit(ctx, idx, posts, users); err != nil {
				if pkgerrs.IsCancelled(err) || ctx.Err() != nil {
					return
				}
				r.noteError(ctx, entry.Subreddit, err)
				if pkgerrs.IsFatal(err) {
					r.fail("store failure: " + err.Error())
					return
				}
			} else {
				entry.Observed += len(posts)
				if committed != nil {
					for _, post := range posts {
						committed[post.ID] = true
					}
				}
			}
		}

		after = result.After
		if after == "" {
			return
		}
	}
}

// filterPosts applies session filters. Filters run before posts count
// toward the per-subreddit target.
func (r *runner) filterPosts(posts []*types.Post, opts types.SessionOptions) []*types.Post {
	var cutoff int64
	if opts.MaxAgeDays > 0 {
		cutoff = time.Now().Add(-time.Duration(opts.MaxAgeDays) * 24 * time.Hour).Unix()
	}
	filtered := posts[:0:0]
	for _, post := range posts {
		if opts.SkipNSFW && post.IsNSFW {
			continue
		}
		if opts.MinScore > 0 && post.Score < opts.MinScore {
			continue
		}
		if cutoff > 0 && post.CreatedUTC < cutoff {
			continue
		}
		filtered = append(filtered, post)
	}
	return filtered
}

// enrich stamps analytics scores and, when enabled, follows external
// links for page metadata. Extraction failures leave the post bare.
func (r *runner) enrich(ctx context.Context, posts []*types.Post, opts types.SessionOptions) {
	analytics.Enrich(posts, time.Now())
	if !opts.ExtractContent || r.extractRun == nil {
		return
	}
	for _, post := range posts {
		if post.LinkURL == nil {
			continue
		}
		content, err := r.extractRun.Extract(ctx, *post.LinkURL)
		if err != nil || content == nil {
			continue
		}
		post.Extracted = content
	}
}

// fetchAuthors resolves the unique authors of a batch. Gone or deleted
// accounts are skipped; transient failures count one error and move on.
func (r *runner) fetchAuthors(ctx context.Context, posts []*types.Post) []*types.User {
	seen := map[string]bool{}
	var users []*types.User
	for _, post := range posts {
		if post.Author == nil || seen[*post.Author] {
			continue
		}
		seen[*post.Author] = true

		user, err := r.e.client.GetUser(ctx, *post.Author)
		if err != nil {
			if pkgerrs.IsCancelled(err) {
				return users
			}
			if pkgerrs.IsNotFound(err) || pkgerrs.Classify(err) == pkgerrs.ClassPermanent {
				continue
			}
			r.noteError(ctx, *post.Author, err)
			continue
		}
		users = append(users, user)
	}
	return users
}

// commit writes the batch's posts, users, and the session counter bump
// in one store transaction, then publishes the store_write and a
// coalesced progress event. State is persisted before anything is
// published.
func (r *runner) commit(ctx context.Context, idx int, posts []*types.Post, users []*types.User) error {
	now := time.Now().UTC()

	r.e.mu.Lock()
	state := r.e.sessions[r.id]
	session := state.session
	session.Plan[idx].Observed += len(posts)
	session.PostsScraped += len(posts)
	session.UsersScraped += len(users)
	session.Progress = session.ComputeProgress()
	session.LastHeartbeat = now
	patch := &store.SessionPatch{
		PostsScraped:  intPtr(session.PostsScraped),
		UsersScraped:  intPtr(session.UsersScraped),
		Progress:      &session.Progress,
		Plan:          append([]types.PlanEntry(nil), session.Plan...),
		LastHeartbeat: &now,
	}
	subreddit := session.Plan[idx].Subreddit
	r.e.mu.Unlock()

	if err := r.e.store.CommitBatch(ctx, r.id, posts, users, patch); err != nil {
		// Roll the in-memory counters back so they track the store.
		r.e.mu.Lock()
		session.Plan[idx].Observed -= len(posts)
		session.PostsScraped -= len(posts)
		session.UsersScraped -= len(users)
		session.Progress = session.ComputeProgress()
		r.e.mu.Unlock()
		return err
	}

	r.e.publish(types.EventStoreWrite, r.id, map[string]any{
		"subreddit": subreddit,
		"posts":     len(posts),
		"users":     len(users),
	})
	r.maybePublishProgress(false)
	return nil
}

// maybePublishProgress publishes a progress event unless one went out
// within the coalescing window.
func (r *runner) maybePublishProgress(force bool) {
	r.e.mu.Lock()
	state := r.e.sessions[r.id]
	now := time.Now()
	if !force && now.Sub(state.lastProgress) < progressMinInterval {
		r.e.mu.Unlock()
		return
	}
	state.lastProgress = now
	session := state.session
	payload := map[string]any{
		"posts_scraped": session.PostsScraped,
		"users_scraped": session.UsersScraped,
		"errors":        session.Errors,
		"progress":      session.Progress,
	}
	r.e.mu.Unlock()
	r.e.publish(types.EventProgress, r.id, payload)
}

// noteError bumps the session error counter, persists it with a fresh
// heartbeat, and enforces the error budget.
func (r *runner) noteError(ctx context.Context, subject string, err error) {
	count := r.errorCount.Add(1)
	now := time.Now().UTC()

	r.e.mu.Lock()
	state := r.e.sessions[r.id]
	session := state.session
	session.Errors = int(count)
	session.LastHeartbeat = now
	planLen := len(session.Plan)
	r.e.mu.Unlock()

	r.e.logger.Warn("scrape error", "session_id", r.id, "subject", subject,
		"class", pkgerrs.Classify(err).String(), "error", err)

	errs := int(count)
	if updateErr := r.e.store.UpdateSession(ctx, r.id, &store.SessionPatch{
		Errors:        &errs,
		LastHeartbeat: &now,
	}); updateErr != nil && ctx.Err() == nil {
		r.e.logger.Error("failed to persist error count", "session_id", r.id, "error", updateErr)
	}

	if int(count) > planLen*errorBudgetFactor {
		r.fail(fmt.Sprintf("error budget exceeded: %d errors across %d subreddits", count, planLen))
	}
}

// checkCircuitBudget fails the session when the forum circuit has been
// open for too many cool-down periods.
func (r *runner) checkCircuitBudget() {
	openedAt := r.e.brk.OpenSince()
	if openedAt.IsZero() {
		return
	}
	if time.Since(openedAt) >= time.Duration(circuitBudgetFactor)*r.e.brk.CoolDown() {
		r.fail("forum circuit open beyond budget")
	}
}

// touch persists a fresh heartbeat so the watchdog sees waiting sessions
// as alive.
func (r *runner) touch(ctx context.Context) {
	now := time.Now().UTC()
	r.e.mu.Lock()
	if state := r.e.sessions[r.id]; state != nil {
		state.session.LastHeartbeat = now
	}
	r.e.mu.Unlock()
	if err := r.e.store.UpdateSession(ctx, r.id, &store.SessionPatch{LastHeartbeat: &now}); err != nil && ctx.Err() == nil {
		r.e.logger.Debug("heartbeat persist failed", "session_id", r.id, "error", err)
	}
}

// fail records the failure reason once and aborts the remaining workers.
func (r *runner) fail(msg string) {
	r.failOnce.Do(func() {
		r.failMsg = msg
		if r.budgetCancel != nil {
			r.budgetCancel()
		}
	})
}

// finish persists the terminal state, then publishes it. A final
// progress event precedes the terminal event so subscribers see the
// closing counters.
func (r *runner) finish(ctx context.Context, status types.SessionStatus, message string) {
	now := time.Now().UTC()

	r.e.mu.Lock()
	state := r.e.sessions[r.id]
	session := state.session
	session.Status = status
	session.EndTime = &now
	if message != "" {
		session.ErrorMessage = &message
	}
	patch := &store.SessionPatch{
		Status:        &status,
		EndTime:       &now,
		Progress:      &session.Progress,
		LastHeartbeat: &now,
	}
	if message != "" {
		patch.ErrorMessage = &message
	}
	r.e.mu.Unlock()

	// The run context may already be cancelled; terminal persistence gets
	// its own deadline.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.e.store.UpdateSession(persistCtx, r.id, patch); err != nil {
		r.e.logger.Error("failed to persist terminal session state",
			"session_id", r.id, "status", status, "error", err)
	}

	r.maybePublishProgress(true)
	eventType := types.EventStatusUpdate
	payload := map[string]any{"status": status}
	switch status {
	case types.StatusCompleted:
		eventType = types.EventSessionCompleted
	case types.StatusFailed:
		eventType = types.EventSessionFailed
		payload["error"] = message
	}
	r.e.publish(eventType, r.id, payload)
	r.e.logger.Info("session finished", "session_id", r.id, "status", status,
		"posts", session.PostsScraped, "errors", session.Errors)
}

func backoffDelay(base time.Duration, retry int) time.Duration {
	d := float64(base)
	for i := 1; i < retry; i++ {
		d *= workerBackoffFactor
	}
	if d > float64(workerBackoffCap) {
		d = float64(workerBackoffCap)
	}
	return time.Duration(d)
}

// sleepCtx sleeps for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func intPtr(v int) *int { return &v }
