// Package test_helpers hosts a configurable mock forum server used by
// client and end-to-end tests: it serves the OAuth token endpoint,
// paginated subreddit listings built from synthetic posts, and user
// profiles, with per-path fault injection and call counting.
package test_helpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockPost is the raw listing shape the server emits for one post.
type MockPost struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Author      string  `json:"author"`
	Subreddit   string  `json:"subreddit"`
	Score       int     `json:"score"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	SelfText    string  `json:"selftext"`
	Over18      bool    `json:"over_18"`
	IsSelf      bool    `json:"is_self"`
	Domain      string  `json:"domain"`
}

// Fault makes a path fail with Status for the next Times requests.
// Times < 0 fails forever.
type Fault struct {
	Status     int
	Times      int
	RetryAfter string
}

// MockForum is an httptest-backed forum API double.
type MockForum struct {
	Server *httptest.Server

	mu         sync.Mutex
	subreddits map[string][]MockPost
	users      map[string]map[string]any
	faults     map[string]*Fault
	calls      map[string]int
	tokenCalls int
}

// NewMockForum starts the server. Callers must Close it.
func NewMockForum() *MockForum {
	m := &MockForum{
		subreddits: make(map[string][]MockPost),
		users:      make(map[string]map[string]any),
		faults:     make(map[string]*Fault),
		calls:      make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", m.handleToken)
	mux.HandleFunc("/r/", m.handleListing)
	mux.HandleFunc("/user/", m.handleUser)
	m.Server = httptest.NewServer(mux)
	return m
}

// URL returns the server's base URL.
func (m *MockForum) URL() string { return m.Server.URL }

// Close shuts the server down.
func (m *MockForum) Close() { m.Server.Close() }

// SeedSubreddit installs count synthetic posts for a subreddit, newest
// first, created within the last few hours.
func (m *MockForum) SeedSubreddit(name string, count int) {
	posts := make([]MockPost, count)
	now := float64(time.Now().Unix())
	for i := 0; i < count; i++ {
		posts[i] = MockPost{
			ID:          fmt.Sprintf("%s%04d", name, i),
			Title:       fmt.Sprintf("Post %d in %s", i, name),
			Author:      fmt.Sprintf("author_%d", i%5),
			Subreddit:   name,
			Score:       100 - i,
			UpvoteRatio: 0.9,
			NumComments: 10 + i,
			CreatedUTC:  now - float64(i*60),
			URL:         fmt.Sprintf("https://example.com/%s/%d", name, i),
			Permalink:   fmt.Sprintf("/r/%s/comments/%s%04d/", name, name, i),
			IsSelf:      i%2 == 0,
			Domain:      "example.com",
		}
		if posts[i].IsSelf {
			posts[i].SelfText = "body text"
			posts[i].URL = ""
			posts[i].Domain = "self." + name
		}
	}
	m.mu.Lock()
	m.subreddits[name] = posts
	m.mu.Unlock()

	for i := 0; i < 5; i++ {
		m.SeedUser(fmt.Sprintf("author_%d", i))
	}
}

// SetPosts installs an explicit post list for a subreddit.
func (m *MockForum) SetPosts(name string, posts []MockPost) {
	m.mu.Lock()
	m.subreddits[name] = posts
	m.mu.Unlock()
}

// SeedUser installs a default user profile.
func (m *MockForum) SeedUser(name string) {
	m.mu.Lock()
	m.users[name] = map[string]any{
		"id":                 "u_" + name,
		"name":               name,
		"created_utc":        float64(1500000000),
		"comment_karma":      1234,
		"link_karma":         567,
		"has_verified_email": true,
		"is_gold":            false,
	}
	m.mu.Unlock()
}

// SetFault injects failures for an exact request path.
func (m *MockForum) SetFault(path string, fault Fault) {
	m.mu.Lock()
	m.faults[path] = &fault
	m.mu.Unlock()
}

// Calls returns how many requests hit a path.
func (m *MockForum) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// TokenCalls returns how many times the token endpoint was hit.
func (m *MockForum) TokenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenCalls
}

// checkFault records the call and, when a fault is armed, writes the
// failure and reports true.
func (m *MockForum) checkFault(w http.ResponseWriter, path string) bool {
	m.mu.Lock()
	m.calls[path]++
	fault := m.faults[path]
	if fault == nil || fault.Times == 0 {
		m.mu.Unlock()
		return false
	}
	if fault.Times > 0 {
		fault.Times--
	}
	status := fault.Status
	retryAfter := fault.RetryAfter
	m.mu.Unlock()

	if retryAfter != "" {
		w.Header().Set("Retry-After", retryAfter)
	}
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error": %d}`, status)
	return true
}

func (m *MockForum) handleToken(w http.ResponseWriter, r *http.Request) {
	if m.checkFault(w, r.URL.Path) {
		return
	}
	m.mu.Lock()
	m.tokenCalls++
	m.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"access_token":"mock_token","token_type":"bearer","expires_in":3600,"scope":"*"}`)
}

// handleListing serves /r/{sub}/{sort} with limit/after pagination over
// the seeded posts.
func (m *MockForum) handleListing(w http.ResponseWriter, r *http.Request) {
	if m.checkFault(w, r.URL.Path) {
		return
	}

	sub := pathSegment(r.URL.Path, 1)
	m.mu.Lock()
	posts, ok := m.subreddits[sub]
	m.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	limit := 25
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	start := 0
	if after := r.URL.Query().Get("after"); after != "" {
		for i, p := range posts {
			if "t3_"+p.ID == after {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(posts) {
		end = len(posts)
	}
	page := posts[start:end]

	children := make([]map[string]any, len(page))
	for i, p := range page {
		children[i] = map[string]any{"kind": "t3", "data": p}
	}
	next := ""
	if end < len(posts) {
		next = "t3_" + page[len(page)-1].ID
	}
	writeThing(w, "Listing", map[string]any{"after": next, "children": children})
}

// handleUser serves /user/{name}/about.
func (m *MockForum) handleUser(w http.ResponseWriter, r *http.Request) {
	if m.checkFault(w, r.URL.Path) {
		return
	}
	name := pathSegment(r.URL.Path, 1)
	m.mu.Lock()
	user, ok := m.users[name]
	m.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeThing(w, "t2", user)
}

func writeThing(w http.ResponseWriter, kind string, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"kind": kind, "data": data}) //nolint:errcheck
}

func pathSegment(path string, idx int) string {
	var segments []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if seg := path[start:i]; seg != "" {
				segments = append(segments, seg)
			}
			start = i + 1
		}
	}
	if idx < len(segments) {
		return segments[idx]
	}
	return ""
}
