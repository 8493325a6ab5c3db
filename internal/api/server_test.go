package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jamesprial/go-reddit-scraper/internal/config"
	"github.com/jamesprial/go-reddit-scraper/internal/eventbus"
	"github.com/jamesprial/go-reddit-scraper/internal/store"
	pkgerrs "github.com/jamesprial/go-reddit-scraper/pkg/errors"
	"github.com/jamesprial/go-reddit-scraper/pkg/types"
)

// fakeEngine scripts engine responses per test.
type fakeEngine struct {
	bus *eventbus.Bus

	startView types.SessionView
	startErr  error
	stopView  types.SessionView
	stopErr   error
	statusMap map[string]types.SessionView
	listViews []types.SessionView
	listErr   error

	lastStart *types.ScrapeRequest
}

func (f *fakeEngine) StartSession(ctx context.Context, req *types.ScrapeRequest) (types.SessionView, error) {
	f.lastStart = req
	return f.startView, f.startErr
}

func (f *fakeEngine) StopSession(ctx context.Context, sessionID string) (types.SessionView, error) {
	return f.stopView, f.stopErr
}

func (f *fakeEngine) Status(ctx context.Context, sessionID string) (types.SessionView, error) {
	if view, ok := f.statusMap[sessionID]; ok {
		return view, nil
	}
	return types.SessionView{}, &pkgerrs.NotFoundError{Kind: "session", Key: sessionID}
}

func (f *fakeEngine) List(ctx context.Context, status types.SessionStatus, limit int) ([]types.SessionView, error) {
	return f.listViews, f.listErr
}

func (f *fakeEngine) Subscribe(eventTypes ...types.EventType) *eventbus.Subscription {
	return f.bus.Subscribe(eventTypes...)
}

func newTestServer(t *testing.T, engine *fakeEngine) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir()+"/api.db", store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if engine.bus == nil {
		engine.bus = eventbus.New(16)
		t.Cleanup(engine.bus.Close)
	}
	cfg := &config.Config{
		ClientID: "abcdef", ClientSecret: "hunter2",
		ListenAddr: ":8112", Workers: 3, RateLimit: 1, MaxRateLimit: 2,
	}
	return New(engine, st, cfg, nil), st
}

func doRequest(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeEngine{})
	rec := doRequest(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestConfigRedacted(t *testing.T) {
	s, _ := newTestServer(t, &fakeEngine{})
	rec := doRequest(t, s, http.MethodGet, "/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["client_id"] != "ab****" {
		t.Errorf("client_id = %v, want masked", body["client_id"])
	}
	if body["client_secret"] != "hu****" {
		t.Errorf("client_secret = %v, want masked", body["client_secret"])
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Error("raw secret leaked into the response")
	}
}

func TestStartSession(t *testing.T) {
	engine := &fakeEngine{
		startView: types.SessionView{SessionID: "s1", Status: types.StatusQueued},
	}
	s, _ := newTestServer(t, engine)

	rec := doRequest(t, s, http.MethodPost, "/scrape/start",
		`{"subreddits": ["golang"], "posts_per_subreddit": 50}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	view := decode[types.SessionView](t, rec)
	if view.SessionID != "s1" || view.Status != types.StatusQueued {
		t.Errorf("view = %+v", view)
	}
	if engine.lastStart == nil || engine.lastStart.PostsPerSubreddit != 50 {
		t.Errorf("engine received %+v", engine.lastStart)
	}
}

func TestStartSessionBadJSON(t *testing.T) {
	s, _ := newTestServer(t, &fakeEngine{})
	rec := doRequest(t, s, http.MethodPost, "/scrape/start", `{broken`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStartSessionValidationError(t *testing.T) {
	engine := &fakeEngine{
		startErr: &pkgerrs.ValidationError{Field: "subreddits", Message: "at least one subreddit is required"},
	}
	s, _ := newTestServer(t, engine)
	rec := doRequest(t, s, http.MethodPost, "/scrape/start", `{"subreddits": []}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStatusFound(t *testing.T) {
	engine := &fakeEngine{
		statusMap: map[string]types.SessionView{
			"s1": {SessionID: "s1", Status: types.StatusRunning, Progress: 40},
		},
	}
	s, _ := newTestServer(t, engine)

	rec := doRequest(t, s, http.MethodGet, "/scrape/status/s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	view := decode[types.SessionView](t, rec)
	if view.Progress != 40 {
		t.Errorf("progress = %v, want 40", view.Progress)
	}
}

func TestStatusNotFound(t *testing.T) {
	s, _ := newTestServer(t, &fakeEngine{})
	rec := doRequest(t, s, http.MethodGet, "/scrape/status/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSessionsList(t *testing.T) {
	engine := &fakeEngine{
		listViews: []types.SessionView{
			{SessionID: "s1", Status: types.StatusCompleted},
			{SessionID: "s2", Status: types.StatusRunning},
		},
	}
	s, _ := newTestServer(t, engine)

	rec := doRequest(t, s, http.MethodGet, "/scrape/sessions?status=running&limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode[struct {
		Sessions []types.SessionView `json:"sessions"`
		Count    int                 `json:"count"`
	}](t, rec)
	if body.Count != 2 || len(body.Sessions) != 2 {
		t.Errorf("count = %d, sessions = %d", body.Count, len(body.Sessions))
	}
}

func TestSessionsListEmpty(t *testing.T) {
	s, _ := newTestServer(t, &fakeEngine{})
	rec := doRequest(t, s, http.MethodGet, "/scrape/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"sessions":[]`) {
		t.Errorf("empty list should serialize as [], got %s", rec.Body.String())
	}
}

func TestSessionsBadLimit(t *testing.T) {
	s, _ := newTestServer(t, &fakeEngine{})
	for _, limit := range []string{"abc", "-3"} {
		rec := doRequest(t, s, http.MethodGet, "/scrape/sessions?limit="+limit, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", limit, rec.Code)
		}
	}
}

func TestStopSession(t *testing.T) {
	engine := &fakeEngine{
		stopView: types.SessionView{SessionID: "s1", Status: types.StatusStopping},
	}
	s, _ := newTestServer(t, engine)

	rec := doRequest(t, s, http.MethodDelete, "/scrape/stop/s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	view := decode[types.SessionView](t, rec)
	if view.Status != types.StatusStopping {
		t.Errorf("status = %q, want stopping", view.Status)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"not found", &pkgerrs.NotFoundError{Kind: "session", Key: "x"}, http.StatusNotFound, ""},
		{"validation", &pkgerrs.ValidationError{Message: "bad"}, http.StatusBadRequest, ""},
		{"circuit open", &pkgerrs.CircuitOpenError{Endpoint: "forum_api"}, http.StatusServiceUnavailable, "temporarily unavailable, retry later"},
		{"store busy", &pkgerrs.StoreBusyError{Operation: "upsert_posts"}, http.StatusServiceUnavailable, "temporarily unavailable, retry later"},
		{"internal detail hidden", &pkgerrs.StoreError{Operation: "open"}, http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{startErr: tt.err}
			s, _ := newTestServer(t, engine)
			rec := doRequest(t, s, http.MethodPost, "/scrape/start", `{"subreddits": ["golang"]}`)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantMsg != "" {
				body := decode[map[string]string](t, rec)
				if body["error"] != tt.wantMsg {
					t.Errorf("error = %q, want %q", body["error"], tt.wantMsg)
				}
			}
		})
	}
}

func TestDataPosts(t *testing.T) {
	s, st := newTestServer(t, &fakeEngine{})
	ctx := context.Background()

	var posts []*types.Post
	now := time.Now()
	for i, id := range []string{"p1", "p2", "p3"} {
		author := "author"
		posts = append(posts, &types.Post{
			ID: id, Title: "post " + id, Author: &author, Subreddit: "golang",
			Score: (i + 1) * 10, CreatedUTC: now.Add(-time.Duration(i) * time.Hour).Unix(),
			ContentType: types.ContentText, ScrapedAt: now,
		})
	}
	if err := st.UpsertPosts(ctx, "", posts, nil); err != nil {
		t.Fatalf("UpsertPosts: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/data/posts?min_score=20&limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	body := decode[struct {
		Posts  []types.Post `json:"posts"`
		Count  int          `json:"count"`
		Total  int          `json:"total"`
		Limit  int          `json:"limit"`
		Offset int          `json:"offset"`
	}](t, rec)
	if body.Total != 2 {
		t.Errorf("total = %d, want 2 with min_score=20", body.Total)
	}
	if body.Count != 1 || len(body.Posts) != 1 {
		t.Errorf("count = %d, want the limited single page", body.Count)
	}
	if body.Limit != 1 {
		t.Errorf("limit echoed = %d, want 1", body.Limit)
	}
}

func TestDataPostsLimitCapped(t *testing.T) {
	s, _ := newTestServer(t, &fakeEngine{})
	rec := doRequest(t, s, http.MethodGet, "/data/posts?limit=999999", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["limit"].(float64) != maxPostsLimit {
		t.Errorf("limit = %v, want capped at %d", body["limit"], maxPostsLimit)
	}
}

func TestStatsDatabase(t *testing.T) {
	s, st := newTestServer(t, &fakeEngine{})
	author := "a"
	err := st.UpsertPosts(context.Background(), "", []*types.Post{{
		ID: "p1", Title: "t", Author: &author, Subreddit: "golang",
		CreatedUTC: time.Now().Unix(), ContentType: types.ContentText, ScrapedAt: time.Now(),
	}}, nil)
	if err != nil {
		t.Fatalf("UpsertPosts: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/stats/database", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	stats := decode[types.StoreStats](t, rec)
	if stats.Posts != 1 {
		t.Errorf("posts = %d, want 1", stats.Posts)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, &fakeEngine{})
	rec := doRequest(t, s, http.MethodGet, "/scrape/start", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405 for GET on a POST route", rec.Code)
	}
}
