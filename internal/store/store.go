// Package store persists posts, users, sessions, and metric samples in a
// single SQLite file. WAL mode lets readers overlap the writer; the
// database/sql pool bounds concurrent connections; contended writes are
// retried with exponential backoff before surfacing StoreBusyError,
// which callers treat as transient.
//
// The store owns transaction boundaries. Callers declare intent — read,
// write-batch, counter-increment — and every post/user batch commits in
// the same transaction as the owning session's counter update.
package store

import (
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"

	"context"

	sqlite3 "github.com/mattn/go-sqlite3"

	pkgerrs "github.com/jamesprial/go-reddit-scraper/pkg/errors"
	"github.com/jamesprial/go-reddit-scraper/pkg/types"
)

const (
	// DefaultMaxConnections sizes the connection pool.
	DefaultMaxConnections = 20
	// DefaultBatchSize bounds posts per batch commit.
	DefaultBatchSize = 100
	// busyTimeout is the per-connection SQLite busy wait.
	busyTimeout = 30 * time.Second
	// idleSweep reclaims idle pool connections.
	idleSweep = 60 * time.Second

	// Write contention retry policy.
	busyRetries   = 5
	busyRetryBase = 10 * time.Millisecond
)

// Options tunes an opened store.
type Options struct {
	// MaxConnections sizes the pool. Defaults to DefaultMaxConnections.
	MaxConnections int
	// Logger for structured diagnostics. Optional.
	Logger *slog.Logger
}

// Store is a connection-pooled SQLite store. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// SessionPatch is a partial update to a session row. Nil fields are left
// untouched. The session engine is the only caller that builds patches.
type SessionPatch struct {
	Status        *types.SessionStatus
	PostsScraped  *int
	UsersScraped  *int
	Errors        *int
	Progress      *float64
	Plan          []types.PlanEntry
	EndTime       *time.Time
	ErrorMessage  *string
	LastHeartbeat *time.Time
}

// sessionCounters is the shape of the sessions.counters JSON column.
type sessionCounters struct {
	PostsScraped int     `json:"posts_scraped"`
	UsersScraped int     `json:"users_scraped"`
	Errors       int     `json:"errors"`
	Progress     float64 `json:"progress"`
}

// Open opens (creating if needed) the store file at path and initializes
// the schema. WAL journaling, a 30s busy timeout, and foreign keys are
// enabled on every pooled connection through the DSN.
func Open(path string, opts Options) (*Store, error) {
	maxConns := opts.MaxConnections
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=1&_synchronous=NORMAL",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &pkgerrs.StoreError{Operation: "open", Err: err}
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(idleSweep)

	s := &Store{db: db, path: path, logger: opts.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS posts (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			author TEXT,
			subreddit TEXT NOT NULL,
			score INTEGER NOT NULL DEFAULT 0,
			upvote_ratio REAL NOT NULL DEFAULT 0,
			num_comments INTEGER NOT NULL DEFAULT 0,
			created_utc INTEGER NOT NULL,
			url TEXT,
			permalink TEXT,
			selftext TEXT,
			link_url TEXT,
			flair TEXT,
			is_nsfw INTEGER NOT NULL DEFAULT 0,
			is_spoiler INTEGER NOT NULL DEFAULT 0,
			is_self INTEGER NOT NULL DEFAULT 0,
			domain TEXT,
			content_type TEXT,
			category TEXT,
			engagement_ratio REAL NOT NULL DEFAULT 0,
			sentiment_score REAL,
			viral_potential REAL,
			extracted_content TEXT,
			scraped_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			id TEXT,
			created_utc INTEGER,
			comment_karma INTEGER NOT NULL DEFAULT 0,
			link_karma INTEGER NOT NULL DEFAULT 0,
			is_verified INTEGER NOT NULL DEFAULT 0,
			has_premium INTEGER NOT NULL DEFAULT 0,
			profile_description TEXT,
			scraped_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			subreddits TEXT NOT NULL,
			plan TEXT NOT NULL,
			counters TEXT NOT NULL,
			options TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER,
			error_message TEXT,
			last_heartbeat INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			ts INTEGER NOT NULL,
			operation TEXT NOT NULL,
			duration_ms REAL NOT NULL,
			ok INTEGER NOT NULL,
			memory_delta INTEGER NOT NULL DEFAULT 0,
			tags TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS post_by_session (
			session_id TEXT NOT NULL,
			post_id TEXT NOT NULL,
			PRIMARY KEY (session_id, post_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_created_utc ON posts (created_utc)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_subreddit ON posts (subreddit)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_score ON posts (score)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status, start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_ts ON metrics (ts)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return &pkgerrs.StoreError{Operation: "init_schema", Err: err}
		}
	}
	return nil
}

// isBusy reports whether err is SQLite write contention.
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// withBusyRetry runs fn, retrying contended writes up to busyRetries
// times with exponential backoff and jitter. Exhaustion surfaces as
// StoreBusyError, which callers treat as Transient.
func (s *Store) withBusyRetry(ctx context.Context, operation string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if attempt > 0 {
			delay := busyRetryBase * time.Duration(1<<(attempt-1))
			delay += time.Duration(rand.Int63n(int64(delay) + 1))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if s.logger != nil {
			s.logger.Debug("store busy, retrying", "operation", operation, "attempt", attempt+1)
		}
	}
	return &pkgerrs.StoreBusyError{Operation: operation, Attempts: busyRetries + 1, Err: err}
}

// inTx runs fn inside one transaction with busy retry around the whole
// commit. Driver errors that are neither contention nor one of the
// typed domain errors mean the store itself is broken and surface as
// StoreError, which callers treat as Fatal.
func (s *Store) inTx(ctx context.Context, operation string, fn func(*sql.Tx) error) error {
	err := s.withBusyRetry(ctx, operation, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
		return tx.Commit()
	})
	if err == nil || pkgerrs.Classify(err) != pkgerrs.ClassUnknown {
		return err
	}
	return &pkgerrs.StoreError{Operation: operation, Err: err}
}

const upsertPostSQL = `INSERT INTO posts (
		id, title, author, subreddit, score, upvote_ratio, num_comments,
		created_utc, url, permalink, selftext, link_url, flair, is_nsfw,
		is_spoiler, is_self, domain, content_type, category,
		engagement_ratio, sentiment_score, viral_potential,
		extracted_content, scraped_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		author = excluded.author,
		subreddit = excluded.subreddit,
		score = excluded.score,
		upvote_ratio = excluded.upvote_ratio,
		num_comments = excluded.num_comments,
		created_utc = excluded.created_utc,
		url = excluded.url,
		permalink = excluded.permalink,
		selftext = excluded.selftext,
		link_url = excluded.link_url,
		flair = excluded.flair,
		is_nsfw = excluded.is_nsfw,
		is_spoiler = excluded.is_spoiler,
		is_self = excluded.is_self,
		domain = excluded.domain,
		content_type = excluded.content_type,
		category = excluded.category,
		engagement_ratio = excluded.engagement_ratio,
		sentiment_score = COALESCE(excluded.sentiment_score, posts.sentiment_score),
		viral_potential = COALESCE(excluded.viral_potential, posts.viral_potential),
		extracted_content = COALESCE(excluded.extracted_content, posts.extracted_content),
		scraped_at = MIN(posts.scraped_at, excluded.scraped_at)`

// UpsertPosts writes a batch of posts, their session association, and
// the owning session's patch in one transaction. Re-fetched posts keep
// their earliest scraped_at; scalar fields are overwritten.
func (s *Store) UpsertPosts(ctx context.Context, sessionID string, posts []*types.Post, patch *SessionPatch) error {
	if len(posts) == 0 && patch == nil {
		return nil
	}
	return s.inTx(ctx, "upsert_posts", func(tx *sql.Tx) error {
		if err := upsertPostsTx(ctx, tx, sessionID, posts); err != nil {
			return err
		}
		if patch != nil {
			return applySessionPatch(ctx, tx, sessionID, patch)
		}
		return nil
	})
}

// CommitBatch makes one scrape batch durable as a unit: posts, their
// session association, the batch's resolved users, and the owning
// session's counter patch all land in a single transaction, so a
// failure leaves no partial batch behind.
func (s *Store) CommitBatch(ctx context.Context, sessionID string, posts []*types.Post, users []*types.User, patch *SessionPatch) error {
	if len(posts) == 0 && len(users) == 0 && patch == nil {
		return nil
	}
	return s.inTx(ctx, "commit_batch", func(tx *sql.Tx) error {
		if err := upsertPostsTx(ctx, tx, sessionID, posts); err != nil {
			return err
		}
		if err := upsertUsersTx(ctx, tx, users); err != nil {
			return err
		}
		if patch != nil {
			return applySessionPatch(ctx, tx, sessionID, patch)
		}
		return nil
	})
}

func upsertPostsTx(ctx context.Context, tx *sql.Tx, sessionID string, posts []*types.Post) error {
	if len(posts) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, upsertPostSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	assoc, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO post_by_session (session_id, post_id) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer assoc.Close()

	for _, p := range posts {
		var extracted *string
		if p.Extracted != nil {
			raw, err := json.Marshal(p.Extracted)
			if err != nil {
				return err
			}
			enc := string(raw)
			extracted = &enc
		}
		if _, err := stmt.ExecContext(ctx,
			p.ID, p.Title, p.Author, p.Subreddit, p.Score, p.UpvoteRatio,
			p.NumComments, p.CreatedUTC, p.URL, p.Permalink, p.SelfText,
			p.LinkURL, p.Flair, p.IsNSFW, p.IsSpoiler, p.IsSelf, p.Domain,
			string(p.ContentType), p.Category, p.EngagementRatio,
			p.SentimentScore, p.ViralPotential, extracted,
			p.ScrapedAt.UnixNano(),
		); err != nil {
			return err
		}
		if sessionID != "" {
			if _, err := assoc.ExecContext(ctx, sessionID, p.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpsertUsers writes a batch of users plus the owning session's patch in
// one transaction, preserving each user's earliest scraped_at.
func (s *Store) UpsertUsers(ctx context.Context, sessionID string, users []*types.User, patch *SessionPatch) error {
	if len(users) == 0 && patch == nil {
		return nil
	}
	return s.inTx(ctx, "upsert_users", func(tx *sql.Tx) error {
		if err := upsertUsersTx(ctx, tx, users); err != nil {
			return err
		}
		if patch != nil {
			return applySessionPatch(ctx, tx, sessionID, patch)
		}
		return nil
	})
}

func upsertUsersTx(ctx context.Context, tx *sql.Tx, users []*types.User) error {
	if len(users) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO users (
			username, id, created_utc, comment_karma, link_karma,
			is_verified, has_premium, profile_description, scraped_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			id = excluded.id,
			created_utc = excluded.created_utc,
			comment_karma = excluded.comment_karma,
			link_karma = excluded.link_karma,
			is_verified = excluded.is_verified,
			has_premium = excluded.has_premium,
			profile_description = excluded.profile_description,
			scraped_at = MIN(users.scraped_at, excluded.scraped_at)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, u := range users {
		if _, err := stmt.ExecContext(ctx,
			u.Username, u.ID, u.CreatedUTC, u.CommentKarma, u.LinkKarma,
			u.IsVerified, u.HasPremium, u.ProfileDescription,
			u.ScrapedAt.UnixNano(),
		); err != nil {
			return err
		}
	}
	return nil
}

// CreateSession persists a new session row. The plan is stored
// atomically with the session.
func (s *Store) CreateSession(ctx context.Context, session *types.Session) error {
	subreddits, err := json.Marshal(session.Subreddits)
	if err != nil {
		return err
	}
	plan, err := json.Marshal(session.Plan)
	if err != nil {
		return err
	}
	counters, err := json.Marshal(sessionCounters{
		PostsScraped: session.PostsScraped,
		UsersScraped: session.UsersScraped,
		Errors:       session.Errors,
		Progress:     session.Progress,
	})
	if err != nil {
		return err
	}
	options, err := json.Marshal(session.Options)
	if err != nil {
		return err
	}

	return s.withBusyRetry(ctx, "create_session", func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (
				session_id, status, subreddits, plan, counters, options,
				start_time, end_time, error_message, last_heartbeat
			) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)`,
			session.SessionID, string(session.Status), string(subreddits),
			string(plan), string(counters), string(options),
			session.StartTime.UnixNano(), session.LastHeartbeat.UnixNano())
		return err
	})
}

// UpdateSession applies a patch to a session row in one statement.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, patch *SessionPatch) error {
	return s.inTx(ctx, "update_session", func(tx *sql.Tx) error {
		return applySessionPatch(ctx, tx, sessionID, patch)
	})
}

func applySessionPatch(ctx context.Context, tx *sql.Tx, sessionID string, patch *SessionPatch) error {
	// Counters live in one JSON column, so a counter patch rewrites the
	// whole blob from the current row inside the transaction.
	if patch.PostsScraped != nil || patch.UsersScraped != nil || patch.Errors != nil || patch.Progress != nil {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT counters FROM sessions WHERE session_id = ?`, sessionID).Scan(&raw)
		if err == sql.ErrNoRows {
			return &pkgerrs.NotFoundError{Kind: "session", Key: sessionID}
		}
		if err != nil {
			return err
		}
		var counters sessionCounters
		if err := json.Unmarshal([]byte(raw), &counters); err != nil {
			return err
		}
		if patch.PostsScraped != nil {
			counters.PostsScraped = *patch.PostsScraped
		}
		if patch.UsersScraped != nil {
			counters.UsersScraped = *patch.UsersScraped
		}
		if patch.Errors != nil {
			counters.Errors = *patch.Errors
		}
		if patch.Progress != nil {
			counters.Progress = *patch.Progress
		}
		encoded, err := json.Marshal(counters)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET counters = ? WHERE session_id = ?`,
			string(encoded), sessionID); err != nil {
			return err
		}
	}

	var sets []string
	var args []any
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Plan != nil {
		plan, err := json.Marshal(patch.Plan)
		if err != nil {
			return err
		}
		sets = append(sets, "plan = ?")
		args = append(args, string(plan))
	}
	if patch.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, patch.EndTime.UnixNano())
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	if patch.LastHeartbeat != nil {
		sets = append(sets, "last_heartbeat = ?")
		args = append(args, patch.LastHeartbeat.UnixNano())
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, sessionID)
	res, err := tx.ExecContext(ctx,
		"UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE session_id = ?", args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &pkgerrs.NotFoundError{Kind: "session", Key: sessionID}
	}
	return nil
}

// GetSession loads one session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, status, subreddits,
			plan, counters, options, start_time, end_time, error_message,
			last_heartbeat
		FROM sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, &pkgerrs.NotFoundError{Kind: "session", Key: sessionID}
	}
	return session, err
}

// SessionFilter selects sessions for listing.
type SessionFilter struct {
	Status types.SessionStatus
	Limit  int
}

// ListSessions returns sessions newest-first, optionally filtered by
// status.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]*types.Session, error) {
	query := `SELECT session_id, status, subreddits, plan, counters, options,
			start_time, end_time, error_message, last_heartbeat
		FROM sessions`
	var args []any
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY start_time DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// LoadActiveSessions returns sessions that were not terminal when the
// process last ran: queued, running, or stopping.
func (s *Store) LoadActiveSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, status, subreddits,
			plan, counters, options, start_time, end_time, error_message,
			last_heartbeat
		FROM sessions WHERE status IN (?, ?, ?) ORDER BY start_time`,
		string(types.StatusQueued), string(types.StatusRunning), string(types.StatusStopping))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		session      types.Session
		status       string
		subreddits   string
		plan         string
		counters     string
		options      string
		startTime    int64
		endTime      sql.NullInt64
		errorMessage sql.NullString
		heartbeat    int64
	)
	if err := row.Scan(&session.SessionID, &status, &subreddits, &plan,
		&counters, &options, &startTime, &endTime, &errorMessage, &heartbeat); err != nil {
		return nil, err
	}

	session.Status = types.SessionStatus(status)
	if err := json.Unmarshal([]byte(subreddits), &session.Subreddits); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(plan), &session.Plan); err != nil {
		return nil, err
	}
	var c sessionCounters
	if err := json.Unmarshal([]byte(counters), &c); err != nil {
		return nil, err
	}
	session.PostsScraped = c.PostsScraped
	session.UsersScraped = c.UsersScraped
	session.Errors = c.Errors
	session.Progress = c.Progress
	if err := json.Unmarshal([]byte(options), &session.Options); err != nil {
		return nil, err
	}
	session.StartTime = time.Unix(0, startTime)
	if endTime.Valid {
		t := time.Unix(0, endTime.Int64)
		session.EndTime = &t
	}
	if errorMessage.Valid {
		m := errorMessage.String
		session.ErrorMessage = &m
	}
	session.LastHeartbeat = time.Unix(0, heartbeat)
	return &session, nil
}

// QueryPosts returns matching posts plus the total match count, ordered
// by (created_utc desc, id desc) so pagination is stable.
func (s *Store) QueryPosts(ctx context.Context, filter types.PostFilter) ([]*types.Post, int, error) {
	var where []string
	var args []any
	if filter.Subreddit != "" {
		where = append(where, "subreddit = ?")
		args = append(args, filter.Subreddit)
	}
	if filter.MinScore > 0 {
		where = append(where, "score >= ?")
		args = append(args, filter.MinScore)
	}
	if filter.DaysBack > 0 {
		cutoff := time.Now().Add(-time.Duration(filter.DaysBack) * 24 * time.Hour).Unix()
		where = append(where, "created_utc >= ?")
		args = append(args, cutoff)
	}
	if filter.Search != "" {
		where = append(where, "title LIKE ?")
		args = append(args, "%"+filter.Search+"%")
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts"+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, title, author, subreddit, score, upvote_ratio,
			num_comments, created_utc, url, permalink, selftext, link_url,
			flair, is_nsfw, is_spoiler, is_self, domain, content_type,
			category, engagement_ratio, sentiment_score, viral_potential,
			extracted_content, scraped_at
		FROM posts` + clause + " ORDER BY created_utc DESC, id DESC"
	queryArgs := args
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		queryArgs = append(queryArgs, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var posts []*types.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, 0, err
		}
		posts = append(posts, post)
	}
	return posts, total, rows.Err()
}

// GetPost loads one post by id, or NotFoundError.
func (s *Store) GetPost(ctx context.Context, id string) (*types.Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, author, subreddit,
			score, upvote_ratio, num_comments, created_utc, url, permalink,
			selftext, link_url, flair, is_nsfw, is_spoiler, is_self, domain,
			content_type, category, engagement_ratio, sentiment_score,
			viral_potential, extracted_content, scraped_at
		FROM posts WHERE id = ?`, id)
	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, &pkgerrs.NotFoundError{Kind: "post", Key: id}
	}
	return post, err
}

func scanPost(row rowScanner) (*types.Post, error) {
	var (
		post        types.Post
		author      sql.NullString
		linkURL     sql.NullString
		flair       sql.NullString
		contentType string
		sentiment   sql.NullFloat64
		viral       sql.NullFloat64
		extracted   sql.NullString
		scrapedAt   int64
	)
	if err := row.Scan(&post.ID, &post.Title, &author, &post.Subreddit,
		&post.Score, &post.UpvoteRatio, &post.NumComments, &post.CreatedUTC,
		&post.URL, &post.Permalink, &post.SelfText, &linkURL, &flair,
		&post.IsNSFW, &post.IsSpoiler, &post.IsSelf, &post.Domain,
		&contentType, &post.Category, &post.EngagementRatio, &sentiment,
		&viral, &extracted, &scrapedAt); err != nil {
		return nil, err
	}
	post.ContentType = types.ContentType(contentType)
	if author.Valid {
		a := author.String
		post.Author = &a
	}
	if linkURL.Valid {
		l := linkURL.String
		post.LinkURL = &l
	}
	if flair.Valid {
		f := flair.String
		post.Flair = &f
	}
	if sentiment.Valid {
		v := sentiment.Float64
		post.SentimentScore = &v
	}
	if viral.Valid {
		v := viral.Float64
		post.ViralPotential = &v
	}
	if extracted.Valid && extracted.String != "" {
		var content types.ExtractedContent
		if err := json.Unmarshal([]byte(extracted.String), &content); err == nil {
			post.Extracted = &content
		}
	}
	post.ScrapedAt = time.Unix(0, scrapedAt)
	return &post, nil
}

// SessionPostIDs returns the ids associated with a session, for
// resumability audits.
func (s *Store) SessionPostIDs(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT post_id FROM post_by_session WHERE session_id = ? ORDER BY post_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertMetrics appends a batch of metric samples in one transaction.
func (s *Store) InsertMetrics(ctx context.Context, samples []types.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	return s.inTx(ctx, "record_metric", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics (ts, operation, duration_ms, ok, memory_delta, tags)
			 VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range samples {
			var tags *string
			if len(m.Tags) > 0 {
				raw, err := json.Marshal(m.Tags)
				if err != nil {
					return err
				}
				enc := string(raw)
				tags = &enc
			}
			if _, err := stmt.ExecContext(ctx, m.TSStart.UnixNano(), m.Operation,
				m.DurationMS, m.OK, m.MemoryDelta, tags); err != nil {
				return err
			}
		}
		return nil
	})
}

// GC removes posts, users, and metrics scraped or recorded before the
// cutoff. Sessions are kept; they are deleted only explicitly.
func (s *Store) GC(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixNano()
	var removed int64
	err := s.inTx(ctx, "gc", func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM posts WHERE scraped_at < ?`,
			`DELETE FROM users WHERE scraped_at < ?`,
			`DELETE FROM metrics WHERE ts < ?`,
		} {
			res, err := tx.ExecContext(ctx, stmt, cutoff)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil {
				removed += n
			}
		}
		return nil
	})
	return removed, err
}

// DeleteSession removes a session row and its post associations.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.inTx(ctx, "delete_session", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM post_by_session WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE session_id = ?`, sessionID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return &pkgerrs.NotFoundError{Kind: "session", Key: sessionID}
		}
		return nil
	})
}

// Stats summarizes table sizes and the store file size.
func (s *Store) Stats(ctx context.Context) (*types.StoreStats, error) {
	stats := &types.StoreStats{}
	for _, q := range []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM posts", &stats.Posts},
		{"SELECT COUNT(*) FROM users", &stats.Users},
		{"SELECT COUNT(*) FROM sessions", &stats.Sessions},
		{"SELECT COUNT(*) FROM metrics", &stats.Metrics},
	} {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, err
		}
	}
	if info, err := os.Stat(s.path); err == nil {
		stats.FileSizeBytes = info.Size()
	}
	return stats, nil
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
