// Package validation checks Reddit identifiers and scrape requests before
// they reach the session engine.
package validation

import (
	"fmt"
	"regexp"

	"github.com/jamesprial/go-reddit-scraper/pkg/errors"
	"github.com/jamesprial/go-reddit-scraper/pkg/types"
)

// Regular expressions for validating Reddit data formats
var (
	// base36Regex matches base36 encoded IDs (0-9, a-z)
	base36Regex = regexp.MustCompile(`^[0-9a-z]+$`)

	// subredditRegex matches valid subreddit names (3-21 chars, alphanumeric + underscore)
	subredditRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{3,21}$`)

	// usernameRegex matches valid Reddit usernames (3-20 chars, alphanumeric + underscore + hyphen)
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,20}$`)
)

// MaxWorkersCeiling caps the worker count a request may ask for.
const MaxWorkersCeiling = 32

// IsValidBase36 checks if a string is a valid base36 encoded ID
func IsValidBase36(s string) bool {
	return s != "" && base36Regex.MatchString(s)
}

// IsValidSubreddit checks if a string is a valid subreddit name
func IsValidSubreddit(s string) bool {
	return subredditRegex.MatchString(s)
}

// IsValidUsername checks if a string is a valid Reddit username
func IsValidUsername(s string) bool {
	return usernameRegex.MatchString(s)
}

// IsValidSort reports whether s is a known listing sort.
func IsValidSort(s types.Sort) bool {
	switch s {
	case types.SortHot, types.SortNew, types.SortTop, types.SortRising:
		return true
	}
	return false
}

// IsValidTimeFilter reports whether t is a known time filter.
func IsValidTimeFilter(t types.TimeFilter) bool {
	switch t {
	case types.TimeHour, types.TimeDay, types.TimeWeek, types.TimeMonth, types.TimeYear, types.TimeAll:
		return true
	}
	return false
}

// ValidateScrapeRequest rejects requests the session engine must not
// accept: empty subreddit lists, malformed names, unknown sorts, and
// out-of-range worker counts. A zero PostsPerSubreddit is allowed; such
// a session completes immediately.
func ValidateScrapeRequest(req *types.ScrapeRequest) error {
	if req == nil {
		return &errors.ValidationError{Message: "request cannot be nil"}
	}
	if len(req.Subreddits) == 0 {
		return &errors.ValidationError{Field: "subreddits", Message: "at least one subreddit is required"}
	}
	seen := make(map[string]bool, len(req.Subreddits))
	for _, name := range req.Subreddits {
		if !IsValidSubreddit(name) {
			return &errors.ValidationError{Field: "subreddits", Message: fmt.Sprintf("invalid subreddit name %q", name)}
		}
		if seen[name] {
			return &errors.ValidationError{Field: "subreddits", Message: fmt.Sprintf("duplicate subreddit %q", name)}
		}
		seen[name] = true
	}
	if req.PostsPerSubreddit < 0 {
		return &errors.ValidationError{Field: "posts_per_subreddit", Message: "must be >= 0"}
	}
	if req.Sort != "" && !IsValidSort(req.Sort) {
		return &errors.ValidationError{Field: "sort", Message: fmt.Sprintf("unknown sort %q", req.Sort)}
	}
	if req.TimeFilter != "" && !IsValidTimeFilter(req.TimeFilter) {
		return &errors.ValidationError{Field: "time_filter", Message: fmt.Sprintf("unknown time filter %q", req.TimeFilter)}
	}
	if req.MaxWorkers < 0 || req.MaxWorkers > MaxWorkersCeiling {
		return &errors.ValidationError{Field: "max_workers", Message: fmt.Sprintf("must be between 0 and %d", MaxWorkersCeiling)}
	}
	if req.MinScore < 0 {
		return &errors.ValidationError{Field: "min_score", Message: "must be >= 0"}
	}
	if req.MaxAgeDays < 0 {
		return &errors.ValidationError{Field: "max_age_days", Message: "must be >= 0"}
	}
	return nil
}
