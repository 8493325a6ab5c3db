package validation

import (
	"testing"

	"github.com/jamesprial/go-reddit-scraper/pkg/types"
)

func TestIsValidSubreddit(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"valid simple", "golang", true},
		{"valid with underscore", "ask_science", true},
		{"valid with numbers", "gaming2", true},
		{"too short", "ab", false},
		{"too long", "a234567890123456789012", false},
		{"empty", "", false},
		{"hyphen not allowed", "go-lang", false},
		{"spaces not allowed", "go lang", false},
		{"path injection", "golang/hot", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidSubreddit(tt.input); got != tt.want {
				t.Errorf("IsValidSubreddit(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsValidUsername(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"valid", "test_user", true},
		{"valid with hyphen", "test-user", true},
		{"too short", "ab", false},
		{"too long", "a23456789012345678901", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidUsername(tt.input); got != tt.want {
				t.Errorf("IsValidUsername(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateScrapeRequest(t *testing.T) {
	valid := func() *types.ScrapeRequest {
		return &types.ScrapeRequest{
			Subreddits:        []string{"golang", "rust"},
			PostsPerSubreddit: 50,
			Sort:              types.SortHot,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*types.ScrapeRequest)
		wantErr bool
	}{
		{"valid request", func(r *types.ScrapeRequest) {}, false},
		{"zero posts per subreddit is allowed", func(r *types.ScrapeRequest) { r.PostsPerSubreddit = 0 }, false},
		{"empty subreddits", func(r *types.ScrapeRequest) { r.Subreddits = nil }, true},
		{"invalid subreddit", func(r *types.ScrapeRequest) { r.Subreddits = []string{"x"} }, true},
		{"duplicate subreddit", func(r *types.ScrapeRequest) { r.Subreddits = []string{"golang", "golang"} }, true},
		{"negative posts", func(r *types.ScrapeRequest) { r.PostsPerSubreddit = -1 }, true},
		{"unknown sort", func(r *types.ScrapeRequest) { r.Sort = "controversial" }, true},
		{"empty sort ok", func(r *types.ScrapeRequest) { r.Sort = "" }, false},
		{"unknown time filter", func(r *types.ScrapeRequest) { r.TimeFilter = "decade" }, true},
		{"valid time filter", func(r *types.ScrapeRequest) { r.TimeFilter = types.TimeWeek }, false},
		{"workers over ceiling", func(r *types.ScrapeRequest) { r.MaxWorkers = MaxWorkersCeiling + 1 }, true},
		{"negative min score", func(r *types.ScrapeRequest) { r.MinScore = -5 }, true},
		{"negative max age", func(r *types.ScrapeRequest) { r.MaxAgeDays = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			err := ValidateScrapeRequest(req)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateScrapeRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if err := ValidateScrapeRequest(nil); err == nil {
		t.Error("nil request should be rejected")
	}
}
