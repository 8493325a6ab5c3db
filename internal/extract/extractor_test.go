package extract

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jamesprial/go-reddit-scraper/pkg/errors"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
<title>Understanding WAL Mode</title>
<meta name="description" content="A walkthrough of write-ahead logging in SQLite.">
<meta name="author" content="Jane Example">
<meta property="article:published_time" content="2024-03-01T09:00:00Z">
</head>
<body>
<p>short</p>
<p>Write-ahead logging changes how readers and writers coordinate: readers keep working from the main database file while a writer appends to the log.</p>
</body>
</html>`

func TestExtractParsesPageMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	run := New(Config{}).NewRun()
	content, err := run.Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if content == nil {
		t.Fatal("expected extracted content")
	}
	if content.Title != "Understanding WAL Mode" {
		t.Errorf("Title = %q", content.Title)
	}
	if content.Description != "A walkthrough of write-ahead logging in SQLite." {
		t.Errorf("Description = %q", content.Description)
	}
	if content.Author != "Jane Example" {
		t.Errorf("Author = %q", content.Author)
	}
	if content.PublishedAt != "2024-03-01T09:00:00Z" {
		t.Errorf("PublishedAt = %q", content.PublishedAt)
	}
	// The first <p> is below the 40-char floor and is skipped.
	if !strings.HasPrefix(content.Snippet, "Write-ahead logging") {
		t.Errorf("Snippet = %q, want the substantial paragraph", content.Snippet)
	}
}

func TestExtractPrefersOpenGraphWhenTitleMissing(t *testing.T) {
	page := `<html><head>
<meta property="og:title" content="OG Title">
<meta property="og:description" content="OG description text.">
</head><body></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	}))
	defer srv.Close()

	run := New(Config{}).NewRun()
	content, err := run.Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if content == nil || content.Title != "OG Title" || content.Description != "OG description text." {
		t.Errorf("content = %+v, want og fallbacks", content)
	}
}

func TestExtractEachURLOnce(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	run := New(Config{}).NewRun()
	if _, err := run.Extract(context.Background(), srv.URL); err != nil {
		t.Fatalf("first Extract: %v", err)
	}
	content, err := run.Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("repeat Extract: %v", err)
	}
	if content != nil {
		t.Error("repeat Extract should return nil without fetching")
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server saw %d hits, want 1", got)
	}
}

func TestExtractFailedURLNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	run := New(Config{}).NewRun()
	if _, err := run.Extract(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 500")
	}
	if _, err := run.Extract(context.Background(), srv.URL); err != nil {
		t.Fatalf("repeat of a failed URL should be a silent no-op, got %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server saw %d hits, want 1: a URL is tried at most once", got)
	}
}

func TestExtractDedupeScopedPerRun(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	e := New(Config{})
	if _, err := e.NewRun().Extract(context.Background(), srv.URL); err != nil {
		t.Fatalf("first run Extract: %v", err)
	}

	// A later session gets its own dedupe scope, so the same URL is
	// fetched again instead of silently skipped.
	content, err := e.NewRun().Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("second run Extract: %v", err)
	}
	if content == nil {
		t.Error("second run should re-fetch and return content")
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server saw %d hits, want 2: dedupe must not leak across runs", got)
	}
}

func TestExtractStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   errors.Class
	}{
		{http.StatusNotFound, errors.ClassPermanent},
		{http.StatusForbidden, errors.ClassPermanent},
		{http.StatusTooManyRequests, errors.ClassTransient},
		{http.StatusBadGateway, errors.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			run := New(Config{}).NewRun()
			_, err := run.Extract(context.Background(), srv.URL)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Classify(err); got != tt.want {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractEmptyPageReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><head></head><body><div>x</div></body></html>")
	}))
	defer srv.Close()

	run := New(Config{}).NewRun()
	content, err := run.Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if content != nil {
		t.Errorf("content = %+v, want nil when no metadata found", content)
	}
}

func TestExtractSnippetTruncated(t *testing.T) {
	long := strings.Repeat("word ", 200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "<html><body><p>%s</p></body></html>", long)
	}))
	defer srv.Close()

	run := New(Config{}).NewRun()
	content, err := run.Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if content == nil {
		t.Fatal("expected content")
	}
	if len(content.Snippet) > snippetLength+3 {
		t.Errorf("snippet length = %d, want <= %d plus ellipsis", len(content.Snippet), snippetLength)
	}
	if !strings.HasSuffix(content.Snippet, "...") {
		t.Error("truncated snippet should end with ellipsis")
	}
}
