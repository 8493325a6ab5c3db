// Package reddit wraps the Reddit JSON API behind a uniform
// fetch/retry/timeout contract. Every call composes admission control,
// the circuit breaker, HTTP, and canonicalization, in that order; the
// caller receives either canonical records or a classified error.
package reddit

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jamesprial/go-reddit-scraper/internal/breaker"
	"github.com/jamesprial/go-reddit-scraper/internal/ratelimit"
	pkgerrs "github.com/jamesprial/go-reddit-scraper/pkg/errors"
	"github.com/jamesprial/go-reddit-scraper/pkg/types"
)

const (
	// DefaultBaseURL is the default Reddit API base URL
	DefaultBaseURL = "https://oauth.reddit.com/"
	// DefaultAuthURL is the default Reddit OAuth base URL
	DefaultAuthURL = "https://www.reddit.com/"
	// DefaultUserAgent is the default user agent string
	DefaultUserAgent = "go-reddit-scraper/0.1"
	// DefaultTimeout is the default HTTP client timeout
	DefaultTimeout = 30 * time.Second

	// MaxPageSize is the largest page Reddit serves per listing request.
	MaxPageSize = 100

	// maxRetries bounds transient-error retries per call.
	maxRetries = 3
	// defaultRetryBase seeds the exponential backoff between retries.
	defaultRetryBase = time.Second
)

// Config holds the configuration for the Reddit client.
type Config struct {
	// ClientID and ClientSecret for OAuth2 authentication.
	ClientID     string
	ClientSecret string

	// Username and Password for the password grant flow. Leave empty for
	// app-only authentication.
	Username string
	Password string

	// UserAgent identifies the scraper to Reddit. Should follow the
	// format "platform:app-name:version by /u/username".
	UserAgent string

	// BaseURL for the Reddit API. Defaults to DefaultBaseURL.
	BaseURL string

	// AuthURL for Reddit OAuth. Defaults to DefaultAuthURL.
	AuthURL string

	// HTTPClient to use for requests. Defaults to a client with
	// DefaultTimeout.
	HTTPClient *http.Client

	// Limiter paces outbound requests. Required; the scheduler hands the
	// same limiter to every worker of a session.
	Limiter ratelimit.Limiter

	// Breaker short-circuits calls while Reddit is failing. Required.
	Breaker *breaker.Breaker

	// Logger for structured diagnostics. Optional.
	Logger *slog.Logger

	// RetryBaseDelay overrides the backoff base between retries.
	// Defaults to one second; tests shorten it.
	RetryBaseDelay time.Duration
}

// Client is the forum client. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	userAgent  string
	auth       *Authenticator
	limiter    ratelimit.Limiter
	breaker    *breaker.Breaker
	parser     *Parser
	logger     *slog.Logger
	retryBase  time.Duration
}

// ListPostsRequest names one page fetch against a subreddit listing.
type ListPostsRequest struct {
	Subreddit  string
	Sort       types.Sort
	TimeFilter types.TimeFilter
	Limit      int
	After      string
}

// ListPostsResult carries one canonicalized page.
type ListPostsResult struct {
	Posts []*types.Post
	// After is the opaque cursor for the next page; empty when exhausted.
	After string
	// Skipped counts children dropped for malformed data.
	Skipped int
}

// NewClient creates a forum client from config. An Authenticator is set
// up when ClientID is present; without credentials the client calls the
// public JSON endpoints unauthenticated.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, &pkgerrs.ConfigError{Message: "reddit client config cannot be nil"}
	}
	if cfg.Limiter == nil {
		return nil, &pkgerrs.ConfigError{Field: "Limiter", Message: "admission limiter is required"}
	}
	if cfg.Breaker == nil {
		return nil, &pkgerrs.ConfigError{Field: "Breaker", Message: "circuit breaker is required"}
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	retryBase := cfg.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, &pkgerrs.ConfigError{Field: "BaseURL", Message: err.Error()}
	}
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
	}

	c := &Client{
		httpClient: httpClient,
		baseURL:    parsedURL,
		userAgent:  userAgent,
		limiter:    cfg.Limiter,
		breaker:    cfg.Breaker,
		parser:     NewParser(),
		logger:     cfg.Logger,
		retryBase:  retryBase,
	}

	if cfg.ClientID != "" {
		auth, err := NewAuthenticator(httpClient, cfg.Username, cfg.Password, cfg.ClientID, cfg.ClientSecret, userAgent, authURL)
		if err != nil {
			return nil, err
		}
		c.auth = auth
	}

	return c, nil
}

// ListPosts fetches one page of a subreddit listing, at most MaxPageSize
// items, and returns canonical posts plus the next-page cursor.
func (c *Client) ListPosts(ctx context.Context, req *ListPostsRequest) (*ListPostsResult, error) {
	if req == nil || req.Subreddit == "" {
		return nil, &pkgerrs.ValidationError{Field: "subreddit", Message: "subreddit is required"}
	}

	sort := req.Sort
	if sort == "" {
		sort = types.SortHot
	}
	limit := req.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	path := fmt.Sprintf("r/%s/%s", req.Subreddit, sort)
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("raw_json", "1")
	if req.After != "" {
		query.Set("after", req.After)
	}
	if sort == types.SortTop && req.TimeFilter != "" {
		query.Set("t", string(req.TimeFilter))
	}

	body, err := c.fetch(ctx, "list_posts", path, query)
	if err != nil {
		return nil, err
	}

	posts, after, skipped, err := c.parser.ParseListing(body)
	if err != nil {
		return nil, err
	}
	if skipped > 0 && c.logger != nil {
		c.logger.Warn("skipped malformed listing children",
			"subreddit", req.Subreddit, "skipped", skipped)
	}
	return &ListPostsResult{Posts: posts, After: after, Skipped: skipped}, nil
}

// GetUser fetches one user profile. A 404 maps to NotFoundError and a
// deleted or suspended account to ErrGone.
func (c *Client) GetUser(ctx context.Context, username string) (*types.User, error) {
	if username == "" {
		return nil, &pkgerrs.ValidationError{Field: "username", Message: "username is required"}
	}

	path := fmt.Sprintf("user/%s/about", username)
	query := url.Values{}
	query.Set("raw_json", "1")

	body, err := c.fetch(ctx, "get_user", path, query)
	if err != nil {
		var reqErr *pkgerrs.RequestError
		if stderrors.As(err, &reqErr) {
			switch reqErr.StatusCode {
			case http.StatusNotFound:
				return nil, &pkgerrs.NotFoundError{Kind: "user", Key: username}
			case http.StatusGone:
				return nil, pkgerrs.ErrGone
			}
		}
		return nil, err
	}

	return c.parser.ParseUser(body)
}

// fetch runs the Admission -> Circuit -> HTTP pipeline with bounded
// retries. Transient statuses (timeout, 5xx, 429) back off exponentially
// with +/-25% jitter and retry up to maxRetries times before surfacing
// as Transient; other 4xx surface immediately as Permanent.
func (c *Client) fetch(ctx context.Context, operation, path string, query url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		// Fail fast while the circuit is open so no admission slot is
		// consumed.
		if err := c.breaker.Allow(); err != nil {
			return nil, err
		}
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		body, err := c.doRequest(ctx, operation, path, query)
		if err == nil {
			c.limiter.Record(ratelimit.OutcomeOK)
			c.breaker.RecordSuccess()
			return body, nil
		}

		lastErr = err
		switch pkgerrs.Classify(err) {
		case pkgerrs.ClassCancelled:
			return nil, err
		case pkgerrs.ClassPermanent:
			// A rejected request is not Reddit failing.
			c.limiter.Record(ratelimit.OutcomeOK)
			c.breaker.RecordSuccess()
			return nil, err
		default:
			var reqErr *pkgerrs.RequestError
			if stderrors.As(err, &reqErr) && reqErr.StatusCode == http.StatusTooManyRequests {
				c.limiter.Record(ratelimit.OutcomeRateLimited)
			} else {
				c.limiter.Record(ratelimit.OutcomeError)
			}
			c.breaker.RecordFailure()
		}

		if c.logger != nil {
			c.logger.Debug("transient request failure",
				"operation", operation, "attempt", attempt+1, "error", err)
		}
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, operation, path string, query url.Values) ([]byte, error) {
	u, err := c.baseURL.Parse(path)
	if err != nil {
		return nil, &pkgerrs.RequestError{Operation: operation, URL: path, Class: pkgerrs.ClassPermanent, Err: err}
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &pkgerrs.RequestError{Operation: operation, URL: u.String(), Class: pkgerrs.ClassPermanent, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)

	if c.auth != nil {
		token, err := c.auth.GetToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &pkgerrs.RequestError{Operation: operation, URL: u.String(), Class: pkgerrs.ClassTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		class := classifyStatus(resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			c.applyRetryAfter(resp)
		}
		if resp.StatusCode == http.StatusUnauthorized && c.auth != nil {
			c.auth.Invalidate()
		}
		return nil, &pkgerrs.RequestError{
			Operation:  operation,
			URL:        u.String(),
			StatusCode: resp.StatusCode,
			Class:      class,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &pkgerrs.RequestError{Operation: operation, URL: u.String(), Class: pkgerrs.ClassTransient, Err: err}
	}
	return body, nil
}

// applyRetryAfter pushes the server-requested delay into the limiter so
// every worker backs off together, matching Reddit's Retry-After header.
func (c *Client) applyRetryAfter(resp *http.Response) {
	deferrer, ok := c.limiter.(interface{ Defer(time.Duration) })
	if !ok {
		return
	}
	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.ParseFloat(retryAfter, 64); err == nil && seconds > 0 {
			deferrer.Defer(time.Duration(seconds * float64(time.Second)))
		}
	}
}

// sleepBackoff waits retryBase * 2^(attempt-1) with +/-25% jitter.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	d := c.retryBase * time.Duration(1<<(attempt-1))
	jitter := 0.75 + rand.Float64()*0.5
	d = time.Duration(float64(d) * jitter)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func classifyStatus(status int) pkgerrs.Class {
	switch {
	case status == http.StatusTooManyRequests:
		return pkgerrs.ClassTransient
	case status >= 500:
		return pkgerrs.ClassTransient
	case status >= 400:
		return pkgerrs.ClassPermanent
	default:
		return pkgerrs.ClassTransient
	}
}
