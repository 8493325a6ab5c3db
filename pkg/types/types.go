// Package types defines the canonical data model shared by the scraper
// runtime: posts and users as stored, session rows and their plans, live
// events, and the query/view shapes served by the control API.
package types

import (
	"encoding/json"
	"time"
)

// Sort identifies a Reddit listing sort order.
type Sort string

const (
	SortHot    Sort = "hot"
	SortNew    Sort = "new"
	SortTop    Sort = "top"
	SortRising Sort = "rising"
)

// TimeFilter restricts "top" listings to a window.
type TimeFilter string

const (
	TimeHour  TimeFilter = "hour"
	TimeDay   TimeFilter = "day"
	TimeWeek  TimeFilter = "week"
	TimeMonth TimeFilter = "month"
	TimeYear  TimeFilter = "year"
	TimeAll   TimeFilter = "all"
)

// ContentType classifies what a post links to.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentLink  ContentType = "link"
	ContentImage ContentType = "image"
	ContentVideo ContentType = "video"
)

// Post is the canonical, store-shaped representation of a Reddit post.
// Fields under "derived" are computed by the scraper, not fetched.
type Post struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Author      *string     `json:"author"`
	Subreddit   string      `json:"subreddit"`
	Score       int         `json:"score"`
	UpvoteRatio float64     `json:"upvote_ratio"`
	NumComments int         `json:"num_comments"`
	CreatedUTC  int64       `json:"created_utc"`
	URL         string      `json:"url"`
	Permalink   string      `json:"permalink"`
	SelfText    string      `json:"selftext"`
	LinkURL     *string     `json:"link_url"`
	Flair       *string     `json:"flair"`
	IsNSFW      bool        `json:"is_nsfw"`
	IsSpoiler   bool        `json:"is_spoiler"`
	IsSelf      bool        `json:"is_self"`
	Domain      string      `json:"domain"`
	ContentType ContentType `json:"content_type"`
	ScrapedAt   time.Time   `json:"scraped_at"`

	// Derived.
	Category        string   `json:"category"`
	EngagementRatio float64  `json:"engagement_ratio"`
	SentimentScore  *float64 `json:"sentiment_score"`
	ViralPotential  *float64 `json:"viral_potential"`

	// Extracted holds enrichment pulled from the external link, if any.
	Extracted *ExtractedContent `json:"extracted_content,omitempty"`
}

// ExtractedContent is what the content enricher pulls from an external page.
type ExtractedContent struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Author      string `json:"author"`
	Snippet     string `json:"snippet"`
	PublishedAt string `json:"published_at"`
}

// User is the canonical, store-shaped representation of a Reddit account.
type User struct {
	Username           string    `json:"username"`
	ID                 string    `json:"id"`
	CreatedUTC         int64     `json:"created_utc"`
	CommentKarma       int       `json:"comment_karma"`
	LinkKarma          int       `json:"link_karma"`
	IsVerified         bool      `json:"is_verified"`
	HasPremium         bool      `json:"has_premium"`
	ProfileDescription string    `json:"profile_description"`
	ScrapedAt          time.Time `json:"scraped_at"`
}

// SessionStatus is the session state machine's current state.
type SessionStatus string

const (
	StatusQueued    SessionStatus = "queued"
	StatusRunning   SessionStatus = "running"
	StatusStopping  SessionStatus = "stopping"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// PlanEntry is one unit of scheduled work: scrape one subreddit up to
// TargetCount committed posts.
type PlanEntry struct {
	Subreddit   string     `json:"subreddit"`
	TargetCount int        `json:"target_count"`
	Sort        Sort       `json:"sort"`
	TimeFilter  TimeFilter `json:"time_filter"`

	// Observed counts posts committed for this entry. Persisted with the
	// plan so a restarted session resumes from prior progress.
	Observed int `json:"observed"`
}

// SessionOptions are the caller-supplied flags a session runs under.
type SessionOptions struct {
	Parallel       bool       `json:"parallel"`
	IncludeUsers   bool       `json:"include_users"`
	ExtractContent bool       `json:"extract_content"`
	MaxWorkers     int        `json:"max_workers"`
	Sort           Sort       `json:"sort"`
	TimeFilter     TimeFilter `json:"time_filter"`
	MinScore       int        `json:"min_score"`
	MaxAgeDays     int        `json:"max_age_days"`
	SkipNSFW       bool       `json:"skip_nsfw"`
}

// Session is the durable session row. The session engine owns all
// mutation; every other component reads it through views.
type Session struct {
	SessionID     string         `json:"session_id"`
	Subreddits    []string       `json:"subreddits"`
	Plan          []PlanEntry    `json:"plan"`
	Status        SessionStatus  `json:"status"`
	PostsScraped  int            `json:"posts_scraped"`
	UsersScraped  int            `json:"users_scraped"`
	Errors        int            `json:"errors"`
	Progress      float64        `json:"progress"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       *time.Time     `json:"end_time"`
	ErrorMessage  *string        `json:"error_message"`
	Options       SessionOptions `json:"options"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
}

// TargetTotal is the sum of plan entry targets.
func (s *Session) TargetTotal() int {
	total := 0
	for _, e := range s.Plan {
		total += e.TargetCount
	}
	return total
}

// ComputeProgress returns 100 * sum(min(observed, target)) / sum(target),
// clamped to [0, 100]. A plan with zero total target is complete.
func (s *Session) ComputeProgress() float64 {
	total := s.TargetTotal()
	if total == 0 {
		return 100
	}
	done := 0
	for _, e := range s.Plan {
		o := e.Observed
		if o > e.TargetCount {
			o = e.TargetCount
		}
		done += o
	}
	p := 100 * float64(done) / float64(total)
	if p > 100 {
		p = 100
	}
	return p
}

// SessionView is the read-only projection of a session served by the API.
type SessionView struct {
	SessionID    string         `json:"session_id"`
	Subreddits   []string       `json:"subreddits"`
	Status       SessionStatus  `json:"status"`
	PostsScraped int            `json:"posts_scraped"`
	UsersScraped int            `json:"users_scraped"`
	Errors       int            `json:"errors"`
	Progress     float64        `json:"progress"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time"`
	ErrorMessage *string        `json:"error_message"`
	Plan         []PlanEntry    `json:"plan"`
	Options      SessionOptions `json:"options"`
}

// View builds the API projection of the session.
func (s *Session) View() SessionView {
	plan := make([]PlanEntry, len(s.Plan))
	copy(plan, s.Plan)
	subs := make([]string, len(s.Subreddits))
	copy(subs, s.Subreddits)
	return SessionView{
		SessionID:    s.SessionID,
		Subreddits:   subs,
		Status:       s.Status,
		PostsScraped: s.PostsScraped,
		UsersScraped: s.UsersScraped,
		Errors:       s.Errors,
		Progress:     s.Progress,
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
		ErrorMessage: s.ErrorMessage,
		Plan:         plan,
		Options:      s.Options,
	}
}

// Clone returns a deep copy safe to hand outside the engine's lock.
func (s *Session) Clone() *Session {
	c := *s
	c.Subreddits = append([]string(nil), s.Subreddits...)
	c.Plan = append([]PlanEntry(nil), s.Plan...)
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.ErrorMessage != nil {
		m := *s.ErrorMessage
		c.ErrorMessage = &m
	}
	return &c
}

// MetricSample is one append-only performance measurement.
type MetricSample struct {
	Operation   string            `json:"operation"`
	TSStart     time.Time         `json:"ts_start"`
	DurationMS  float64           `json:"duration_ms"`
	OK          bool              `json:"ok"`
	MemoryDelta int64             `json:"memory_delta"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// EventType discriminates live event frames.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventProgress         EventType = "progress"
	EventSessionCompleted EventType = "session_completed"
	EventSessionFailed    EventType = "session_failed"
	EventStoreWrite       EventType = "store_write"
	EventMetric           EventType = "metric"
	EventStatusUpdate     EventType = "status_update"
)

// Event is one frame published on the event bus and forwarded to live
// subscribers as JSON.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	TS        time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PostFilter selects stored posts for a query.
type PostFilter struct {
	Subreddit string
	MinScore  int
	DaysBack  int
	Search    string
	Limit     int
	Offset    int
}

// ScrapeRequest is the body of POST /scrape/start.
type ScrapeRequest struct {
	Subreddits        []string   `json:"subreddits"`
	PostsPerSubreddit int        `json:"posts_per_subreddit"`
	Sort              Sort       `json:"sort"`
	TimeFilter        TimeFilter `json:"time_filter"`
	IncludeUsers      bool       `json:"include_users"`
	ExtractContent    bool       `json:"extract_content"`
	Parallel          bool       `json:"parallel"`
	MaxWorkers        int        `json:"max_workers"`
	MinScore          int        `json:"min_score"`
	MaxAgeDays        int        `json:"max_age_days"`
	SkipNSFW          bool       `json:"skip_nsfw"`
}

// StoreStats summarizes the on-disk store for GET /stats/database.
type StoreStats struct {
	Posts         int64 `json:"posts"`
	Users         int64 `json:"users"`
	Sessions      int64 `json:"sessions"`
	Metrics       int64 `json:"metrics"`
	FileSizeBytes int64 `json:"file_size_bytes"`
}
