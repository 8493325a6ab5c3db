// Package extract follows posts' external links and pulls page metadata:
// title, description, author, a text snippet, and the published time.
// The external web is a separate failure domain from Reddit, so the
// extractor runs behind its own admission limiter and circuit breaker.
// Extraction failures are never fatal; the post is stored unenriched.
package extract

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/jamesprial/go-reddit-scraper/internal/breaker"
	"github.com/jamesprial/go-reddit-scraper/internal/ratelimit"
	pkgerrs "github.com/jamesprial/go-reddit-scraper/pkg/errors"
	"github.com/jamesprial/go-reddit-scraper/pkg/types"
)

const (
	// DefaultMaxInFlight bounds concurrent page fetches.
	DefaultMaxInFlight = 5
	// maxBodyBytes caps how much of a page is read.
	maxBodyBytes = 512 * 1024
	// snippetLength is how much paragraph text is kept.
	snippetLength = 300
	// defaultTimeout bounds one page fetch.
	defaultTimeout = 30 * time.Second
)

// Config tunes an Extractor.
type Config struct {
	// HTTPClient for page fetches. Defaults to a 30s-timeout client.
	HTTPClient *http.Client
	// Limiter paces page fetches. Defaults to 2/s.
	Limiter ratelimit.Limiter
	// Breaker guards the external web. Defaults to standard settings.
	Breaker *breaker.Breaker
	// MaxInFlight bounds concurrent fetches. Defaults to DefaultMaxInFlight.
	MaxInFlight int
	// UserAgent sent with page requests.
	UserAgent string
	// Logger for structured diagnostics. Optional.
	Logger *slog.Logger
}

// Extractor fetches and parses external pages. Safe for concurrent use.
type Extractor struct {
	httpClient *http.Client
	limiter    ratelimit.Limiter
	breaker    *breaker.Breaker
	sem        chan struct{}
	userAgent  string
	logger     *slog.Logger
}

// Run scopes URL dedupe to one scrape session: within a Run each URL is
// attempted at most once regardless of outcome, while the limiter,
// breaker, and in-flight bound stay shared across runs. Safe for
// concurrent use.
type Run struct {
	e    *Extractor
	mu   sync.Mutex
	seen map[string]bool
}

// New builds an Extractor from cfg.
func New(cfg Config) *Extractor {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLocal(ratelimit.Config{RequestsPerSecond: 2, MaxRequestsPerSecond: 2})
	}
	brk := cfg.Breaker
	if brk == nil {
		brk = breaker.New("external_content", breaker.Config{})
	}
	inFlight := cfg.MaxInFlight
	if inFlight <= 0 {
		inFlight = DefaultMaxInFlight
	}
	return &Extractor{
		httpClient: httpClient,
		limiter:    limiter,
		breaker:    brk,
		sem:        make(chan struct{}, inFlight),
		userAgent:  cfg.UserAgent,
		logger:     cfg.Logger,
	}
}

// NewRun starts a fresh dedupe scope. Each scrape session gets its own,
// so a URL that failed in an earlier session is eligible again.
func (e *Extractor) NewRun() *Run {
	return &Run{e: e, seen: make(map[string]bool)}
}

// Extract fetches the page behind url and parses its metadata. Repeats
// of a URL already attempted in this Run return nil without a fetch.
func (r *Run) Extract(ctx context.Context, pageURL string) (*types.ExtractedContent, error) {
	r.mu.Lock()
	if r.seen[pageURL] {
		r.mu.Unlock()
		return nil, nil
	}
	r.seen[pageURL] = true
	r.mu.Unlock()
	return r.e.extract(ctx, pageURL)
}

func (e *Extractor) extract(ctx context.Context, pageURL string) (*types.ExtractedContent, error) {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := e.breaker.Allow(); err != nil {
		return nil, err
	}
	if err := e.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	body, err := e.fetch(ctx, pageURL)
	if err != nil {
		e.limiter.Record(ratelimit.OutcomeError)
		e.breaker.RecordFailure()
		if e.logger != nil {
			e.logger.Debug("content extraction failed", "url", pageURL, "error", err)
		}
		return nil, err
	}
	e.limiter.Record(ratelimit.OutcomeOK)
	e.breaker.RecordSuccess()

	return parsePage(body), nil
}

func (e *Extractor) fetch(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &pkgerrs.RequestError{Operation: "extract_content", URL: pageURL, Class: pkgerrs.ClassPermanent, Err: err}
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &pkgerrs.RequestError{Operation: "extract_content", URL: pageURL, Class: pkgerrs.ClassTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		class := pkgerrs.ClassPermanent
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			class = pkgerrs.ClassTransient
		}
		return nil, &pkgerrs.RequestError{
			Operation:  "extract_content",
			URL:        pageURL,
			StatusCode: resp.StatusCode,
			Class:      class,
		}
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// parsePage walks the HTML tree collecting <title>, meta/og tags, and
// the first substantial paragraph.
func parsePage(body []byte) *types.ExtractedContent {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}

	content := &types.ExtractedContent{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if content.Title == "" && n.FirstChild != nil {
					content.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				applyMeta(content, n)
			case "p":
				if content.Snippet == "" {
					if text := strings.TrimSpace(nodeText(n)); len(text) >= 40 {
						content.Snippet = truncate(text, snippetLength)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if content.Title == "" && content.Description == "" && content.Snippet == "" {
		return nil
	}
	return content
}

func applyMeta(content *types.ExtractedContent, n *html.Node) {
	var name, property, value string
	for _, attr := range n.Attr {
		switch attr.Key {
		case "name":
			name = strings.ToLower(attr.Val)
		case "property":
			property = strings.ToLower(attr.Val)
		case "content":
			value = strings.TrimSpace(attr.Val)
		}
	}
	if value == "" {
		return
	}
	switch {
	case property == "og:title" && content.Title == "":
		content.Title = value
	case (name == "description" || property == "og:description") && content.Description == "":
		content.Description = value
	case (name == "author" || property == "article:author") && content.Author == "":
		content.Author = value
	case (property == "article:published_time" || name == "date") && content.PublishedAt == "":
		content.PublishedAt = value
	}
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(nodeText(c))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
