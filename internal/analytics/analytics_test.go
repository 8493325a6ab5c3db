package analytics

import (
	"math"
	"testing"
	"time"

	"github.com/jamesprial/go-reddit-scraper/pkg/types"
)

func TestScoreTextLabels(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantLabel string
	}{
		{"positive words", "this is amazing, awesome work, love it", LabelPositive},
		{"negative words", "terrible article, the worst, I hate it", LabelNegative},
		{"mixed leans neutral", "amazing but terrible", LabelNeutral},
		{"hedging words", "meh, okay I guess, idk", LabelNeutral},
		{"no lexicon hits", "the quarterly report was filed on time", LabelNeutral},
		{"empty", "", LabelNeutral},
		{"emoticon positive", "just saw the demo :D", LabelPositive},
		{"laughter", "lol haha that ending", LabelPositive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScoreText(tt.text)
			if got.Label != tt.wantLabel {
				t.Errorf("ScoreText(%q).Label = %q (compound %v), want %q",
					tt.text, got.Label, got.Compound, tt.wantLabel)
			}
		})
	}
}

func TestScoreTextShares(t *testing.T) {
	// Two positive hits, one negative hit.
	got := ScoreText("amazing and awesome but stupid")
	if got.Positive <= got.Negative {
		t.Errorf("Positive = %v should exceed Negative = %v", got.Positive, got.Negative)
	}
	if math.Abs(got.Positive+got.Negative+got.Neutral-1) > 1e-9 {
		t.Errorf("shares should sum to 1, got %v", got.Positive+got.Negative+got.Neutral)
	}
	if got.Compound <= 0 {
		t.Errorf("Compound = %v, want positive", got.Compound)
	}
	if got.Confidence != got.Positive {
		t.Errorf("Confidence = %v, want the dominant share %v", got.Confidence, got.Positive)
	}
}

func TestScoreTextIgnoresMarkupAndLinks(t *testing.T) {
	// "awesome" appears only inside a URL; stripped before matching.
	got := ScoreText("see https://example.com/awesome-tool for details")
	if got.Label != LabelNeutral || got.Confidence != 0 {
		t.Errorf("URL content should not score: %+v", got)
	}

	// Markdown emphasis is stripped but its inner text still counts.
	bold := ScoreText("**amazing** release")
	if bold.Label != LabelPositive {
		t.Errorf("bolded praise should score positive, got %+v", bold)
	}

	// Mentions do not score even when the name contains lexicon words.
	mention := ScoreText("ask /u/amazing_dev about it")
	if mention.Confidence != 0 {
		t.Errorf("mention content should not score: %+v", mention)
	}
}

func TestScorePostCombinesTitleAndBody(t *testing.T) {
	post := &types.Post{Title: "release notes", SelfText: "this is fantastic"}
	if got := ScorePost(post); got.Label != LabelPositive {
		t.Errorf("ScorePost = %+v, want positive from selftext", got)
	}
}

func TestViralScoreBounds(t *testing.T) {
	now := time.Now()

	dead := &types.Post{Title: "quiet post", CreatedUTC: now.Add(-48 * time.Hour).Unix(), ContentType: types.ContentText}
	if got := ViralScore(dead, now); got < 0 || got > 100 {
		t.Errorf("score = %v out of [0, 100]", got)
	}

	hot := &types.Post{
		Title:       "BREAKING: you won't believe this trending video, must see",
		Score:       5000,
		NumComments: 2000,
		UpvoteRatio: 0.99,
		CreatedUTC:  now.Add(-30 * time.Minute).Unix(),
		ContentType: types.ContentVideo,
	}
	if got := ViralScore(hot, now); got != 100 {
		t.Errorf("score = %v, want clamp at 100", got)
	}
}

func TestViralScoreOrdersByFreshnessAndMedium(t *testing.T) {
	now := time.Now()
	base := types.Post{Title: "plain title", Score: 50, NumComments: 20, UpvoteRatio: 0.9}

	fresh := base
	fresh.CreatedUTC = now.Add(-time.Hour).Unix()
	fresh.ContentType = types.ContentLink
	stale := base
	stale.CreatedUTC = now.Add(-30 * 24 * time.Hour).Unix()
	stale.ContentType = types.ContentLink

	if f, s := ViralScore(&fresh, now), ViralScore(&stale, now); f <= s {
		t.Errorf("fresh %v should outscore stale %v", f, s)
	}

	video := fresh
	video.ContentType = types.ContentVideo
	text := fresh
	text.ContentType = types.ContentText
	if v, x := ViralScore(&video, now), ViralScore(&text, now); v <= x {
		t.Errorf("video %v should outscore text %v", v, x)
	}
}

func TestViralCategory(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{95, "very_high"}, {80, "very_high"}, {79.9, "high"}, {60, "high"},
		{59, "medium"}, {40, "medium"}, {39, "low"}, {20, "low"}, {5, "very_low"},
	}
	for _, tt := range tests {
		if got := ViralCategory(tt.score); got != tt.want {
			t.Errorf("ViralCategory(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestEnrichStampsEveryPost(t *testing.T) {
	now := time.Now()
	posts := []*types.Post{
		{Title: "amazing tool", CreatedUTC: now.Add(-time.Hour).Unix(), Score: 10, ContentType: types.ContentLink},
		{Title: "weekly thread", CreatedUTC: now.Add(-2 * time.Hour).Unix(), ContentType: types.ContentText},
	}
	Enrich(posts, now)
	for i, p := range posts {
		if p.SentimentScore == nil || p.ViralPotential == nil {
			t.Fatalf("post %d not enriched: %+v", i, p)
		}
	}
	if *posts[0].SentimentScore <= 0 {
		t.Errorf("sentiment = %v, want positive for praising title", *posts[0].SentimentScore)
	}
}

func TestDirection(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   string
	}{
		{"too few points", []float64{5}, "insufficient_data"},
		{"rising", []float64{1, 2, 3, 4, 5}, "increasing"},
		{"falling", []float64{10, 8, 6, 4, 2}, "decreasing"},
		{"flat", []float64{3, 3.01, 2.99, 3, 3}, "stable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Direction(tt.values)
			if got.Direction != tt.want {
				t.Errorf("Direction(%v) = %q (slope %v), want %q", tt.values, got.Direction, got.Slope, tt.want)
			}
		})
	}
}

func TestDirectionFitQuality(t *testing.T) {
	perfect := Direction([]float64{2, 4, 6, 8})
	if perfect.Slope != 2 {
		t.Errorf("slope = %v, want 2 for a perfect line", perfect.Slope)
	}
	if math.Abs(perfect.Confidence-1) > 1e-9 {
		t.Errorf("confidence = %v, want 1 for a perfect fit", perfect.Confidence)
	}
	if perfect.Strength != 2 {
		t.Errorf("strength = %v, want |slope|", perfect.Strength)
	}

	noisy := Direction([]float64{1, 9, 2, 8, 3})
	if noisy.Confidence >= perfect.Confidence {
		t.Errorf("noisy confidence %v should be below perfect fit's %v", noisy.Confidence, perfect.Confidence)
	}
}

func TestTrendingKeywords(t *testing.T) {
	posts := []*types.Post{
		{Title: "Rust rewrite of the scheduler"},
		{Title: "why I like the rust compiler"},
		{Title: "Scheduler deep dive"},
		{Title: "a rust CLI for it"},
	}
	keywords := TrendingKeywords(posts, 2)
	if len(keywords) != 2 {
		t.Fatalf("got %d keywords, want 2", len(keywords))
	}
	if keywords[0].Keyword != "rust" || keywords[0].Count != 3 {
		t.Errorf("top keyword = %+v, want rust x3", keywords[0])
	}
	if keywords[1].Keyword != "scheduler" || keywords[1].Count != 2 {
		t.Errorf("second keyword = %+v, want scheduler x2", keywords[1])
	}
	if keywords[0].Frequency != 0.75 {
		t.Errorf("frequency = %v, want 0.75 (3 of 4 posts)", keywords[0].Frequency)
	}
}

func TestTrendingKeywordsFiltersNoise(t *testing.T) {
	posts := []*types.Post{{Title: "the of and it is to go"}}
	if got := TrendingKeywords(posts, 10); len(got) != 0 {
		t.Errorf("keywords = %v, want stop words and short words dropped", got)
	}
	if got := TrendingKeywords(nil, 10); len(got) != 0 {
		t.Errorf("keywords = %v for no posts, want none", got)
	}
}

func TestPerformanceByContentType(t *testing.T) {
	posts := []*types.Post{
		{ContentType: types.ContentText, Score: 10, NumComments: 10},
		{ContentType: types.ContentText, Score: 30, NumComments: 10},
		{ContentType: types.ContentVideo, Score: 100, NumComments: 50},
	}
	perf := PerformanceByContentType(posts)

	text := perf[types.ContentText]
	if text.PostCount != 2 || text.AverageEngagement != 30 || text.MaxEngagement != 40 {
		t.Errorf("text perf = %+v, want count 2, avg 30, max 40", text)
	}
	video := perf[types.ContentVideo]
	if video.PostCount != 1 || video.MaxEngagement != 150 {
		t.Errorf("video perf = %+v", video)
	}
	if _, ok := perf[types.ContentImage]; ok {
		t.Error("absent content types should not appear")
	}
}
