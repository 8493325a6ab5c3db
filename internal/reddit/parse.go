package reddit

import (
	"encoding/json"
	"strings"
	"time"

	pkgerrs "github.com/jamesprial/go-reddit-scraper/pkg/errors"
	"github.com/jamesprial/go-reddit-scraper/pkg/types"
)

// thing is the kind+data envelope Reddit wraps every object in.
type thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// listingData carries the children and the pagination cursor.
type listingData struct {
	After    string  `json:"after"`
	Children []thing `json:"children"`
}

// rawPost is the strict field mapping from Reddit's t3 JSON.
type rawPost struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Author        string  `json:"author"`
	Subreddit     string  `json:"subreddit"`
	Score         int     `json:"score"`
	UpvoteRatio   float64 `json:"upvote_ratio"`
	NumComments   int     `json:"num_comments"`
	CreatedUTC    float64 `json:"created_utc"`
	URL           string  `json:"url"`
	Permalink     string  `json:"permalink"`
	SelfText      string  `json:"selftext"`
	LinkFlairText *string `json:"link_flair_text"`
	Over18        bool    `json:"over_18"`
	Spoiler       bool    `json:"spoiler"`
	IsSelf        bool    `json:"is_self"`
	IsVideo       bool    `json:"is_video"`
	Domain        string  `json:"domain"`
	PostHint      string  `json:"post_hint"`
}

// rawAccount is the strict field mapping from Reddit's t2 JSON.
type rawAccount struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	CreatedUTC       float64 `json:"created_utc"`
	CommentKarma     int     `json:"comment_karma"`
	LinkKarma        int     `json:"link_karma"`
	HasVerifiedEmail *bool   `json:"has_verified_email"`
	IsGold           bool    `json:"is_gold"`
	IsSuspended      bool    `json:"is_suspended"`
	Subreddit        *struct {
		PublicDescription string `json:"public_description"`
	} `json:"subreddit"`
}

// Parser canonicalizes raw Reddit JSON into store-shaped records.
type Parser struct {
	now func() time.Time
}

// NewParser creates a parser stamping records with the real clock.
func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// ParseListing decodes a listing response into canonical posts plus the
// next-page cursor. Malformed children are skipped, not fatal: the count
// of skipped items is returned so the caller can record a metric.
func (p *Parser) ParseListing(body []byte) (posts []*types.Post, after string, skipped int, err error) {
	var envelope thing
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", 0, &pkgerrs.ParseError{Operation: "list_posts", Err: err}
	}
	if envelope.Kind != "Listing" {
		return nil, "", 0, &pkgerrs.ParseError{Operation: "list_posts", Message: "expected Listing, got " + envelope.Kind}
	}

	var listing listingData
	if err := json.Unmarshal(envelope.Data, &listing); err != nil {
		return nil, "", 0, &pkgerrs.ParseError{Operation: "list_posts", Err: err}
	}

	for _, child := range listing.Children {
		if child.Kind != "t3" {
			skipped++
			continue
		}
		var raw rawPost
		if err := json.Unmarshal(child.Data, &raw); err != nil || raw.ID == "" {
			skipped++
			continue
		}
		posts = append(posts, p.canonicalPost(&raw))
	}
	return posts, listing.After, skipped, nil
}

// ParseUser decodes a user-about response into a canonical user.
func (p *Parser) ParseUser(body []byte) (*types.User, error) {
	var envelope thing
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &pkgerrs.ParseError{Operation: "get_user", Err: err}
	}
	if envelope.Kind != "t2" {
		return nil, &pkgerrs.ParseError{Operation: "get_user", Message: "expected t2, got " + envelope.Kind}
	}

	var raw rawAccount
	if err := json.Unmarshal(envelope.Data, &raw); err != nil {
		return nil, &pkgerrs.ParseError{Operation: "get_user", Err: err}
	}
	if raw.IsSuspended {
		return nil, pkgerrs.ErrGone
	}

	user := &types.User{
		Username:     raw.Name,
		ID:           raw.ID,
		CreatedUTC:   int64(raw.CreatedUTC),
		CommentKarma: raw.CommentKarma,
		LinkKarma:    raw.LinkKarma,
		HasPremium:   raw.IsGold,
		ScrapedAt:    p.now().UTC(),
	}
	if raw.HasVerifiedEmail != nil {
		user.IsVerified = *raw.HasVerifiedEmail
	}
	if raw.Subreddit != nil {
		user.ProfileDescription = raw.Subreddit.PublicDescription
	}
	return user, nil
}

func (p *Parser) canonicalPost(raw *rawPost) *types.Post {
	post := &types.Post{
		ID:          raw.ID,
		Title:       raw.Title,
		Subreddit:   raw.Subreddit,
		Score:       raw.Score,
		UpvoteRatio: raw.UpvoteRatio,
		NumComments: raw.NumComments,
		CreatedUTC:  int64(raw.CreatedUTC),
		URL:         raw.URL,
		Permalink:   raw.Permalink,
		SelfText:    raw.SelfText,
		Flair:       raw.LinkFlairText,
		IsNSFW:      raw.Over18,
		IsSpoiler:   raw.Spoiler,
		IsSelf:      raw.IsSelf,
		Domain:      raw.Domain,
		ScrapedAt:   p.now().UTC(),
	}
	if raw.Author != "" && raw.Author != "[deleted]" {
		author := raw.Author
		post.Author = &author
	}
	if !raw.IsSelf && raw.URL != "" {
		link := raw.URL
		post.LinkURL = &link
	}
	post.ContentType = contentType(raw)
	post.Category = categorize(post)

	// Comments per point of score; score floors at 1 so dead posts with
	// active threads still register.
	score := raw.Score
	if score < 1 {
		score = 1
	}
	post.EngagementRatio = float64(raw.NumComments) / float64(score)

	return post
}

// imageDomains and imageExtensions decide image content when Reddit sends
// no post_hint.
var (
	imageDomains    = []string{"i.redd.it", "i.imgur.com"}
	imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}
	videoDomains    = []string{"v.redd.it", "youtube.com", "youtu.be"}
)

func contentType(raw *rawPost) types.ContentType {
	if raw.IsSelf {
		return types.ContentText
	}
	if raw.IsVideo || raw.PostHint == "hosted:video" || raw.PostHint == "rich:video" {
		return types.ContentVideo
	}
	for _, d := range videoDomains {
		if raw.Domain == d {
			return types.ContentVideo
		}
	}
	if raw.PostHint == "image" {
		return types.ContentImage
	}
	for _, d := range imageDomains {
		if raw.Domain == d {
			return types.ContentImage
		}
	}
	lower := strings.ToLower(raw.URL)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return types.ContentImage
		}
	}
	return types.ContentLink
}

var (
	questionWords  = []string{"how", "what", "why", "when", "where", "?"}
	discussWords   = []string{"discussion", "thoughts", "opinion", "what do you think"}
	newsDomains    = []string{"news", "article", "blog", "medium", "reuters", "bbc"}
	tutorialWords  = []string{"tutorial", "guide", "how to", "step by step"}
	showcaseWords  = []string{"show", "made", "built", "created", "my project"}
	memeFlairWords = []string{"meme", "humor", "funny", "joke"}
)

// categorize buckets a post by title, flair, and domain heuristics.
func categorize(post *types.Post) string {
	title := strings.ToLower(post.Title)

	if containsAny(title, questionWords) {
		return "question"
	}
	if containsAny(title, discussWords) {
		return "discussion"
	}
	if !post.IsSelf {
		for _, d := range newsDomains {
			if strings.Contains(post.Domain, d) {
				return "news"
			}
		}
	}
	if containsAny(title, tutorialWords) {
		return "tutorial"
	}
	if containsAny(title, showcaseWords) {
		return "showcase"
	}
	if post.Flair != nil && containsAny(strings.ToLower(*post.Flair), memeFlairWords) {
		return "meme"
	}
	if post.IsSelf {
		return "text"
	}
	return "link"
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
