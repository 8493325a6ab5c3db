// Package analytics derives scores and summaries from scraped posts:
// lexicon sentiment, viral potential, and trend aggregates. Everything
// here is a pure function over post slices; no I/O.
package analytics

import (
	"regexp"
	"strings"

	"github.com/jamesprial/go-reddit-scraper/pkg/types"
)

// Sentiment labels.
const (
	LabelPositive = "positive"
	LabelNegative = "negative"
	LabelNeutral  = "neutral"
)

// labelThreshold separates positive/negative from neutral compound
// scores.
const labelThreshold = 0.05

var (
	positivePatterns = compileAll(
		`\b(amazing|awesome|great|excellent|fantastic|wonderful|love|best)\b`,
		`\b(upvote|upvoted|this\s+is\s+gold|thanks|thank\s+you)\b`,
		`\b(lol|haha|lmao|rofl)\b`,
		`:\)|:-\)|:D|:-D|\^_\^`,
	)
	negativePatterns = compileAll(
		`\b(terrible|awful|horrible|worst|hate|sucks|stupid|dumb)\b`,
		`\b(downvote|downvoted|cringe|wtf|fml)\b`,
		`:\(|:-\(|:'\(|D:`,
	)
	neutralPatterns = compileAll(
		`\b(okay|ok|meh|whatever|idk|dunno)\b`,
	)

	urlPattern     = regexp.MustCompile(`https?://\S+`)
	mentionPattern = regexp.MustCompile(`/[ur]/\w+`)
	// markdownPatterns strip bold, italic, strikethrough, superscript.
	markdownPatterns = compileAll(
		`\*\*(.+?)\*\*`, `\*(.+?)\*`, `~~(.+?)~~`, `\^(.+?)\^`,
	)
	spacePattern = regexp.MustCompile(`\s+`)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile(`(?i)` + p)
	}
	return compiled
}

// SentimentResult is the outcome of scoring one text.
type SentimentResult struct {
	// Compound is the positive share minus the negative share, in [-1, 1].
	Compound   float64
	Positive   float64
	Negative   float64
	Neutral    float64
	Label      string
	Confidence float64
}

// ScoreText scores text with the lexicon. Text with no lexicon matches
// is neutral with zero confidence.
func ScoreText(text string) SentimentResult {
	neutral := SentimentResult{Neutral: 1, Label: LabelNeutral}
	if strings.TrimSpace(text) == "" {
		return neutral
	}
	cleaned := cleanText(text)

	pos := countMatches(positivePatterns, cleaned)
	neg := countMatches(negativePatterns, cleaned)
	neu := countMatches(neutralPatterns, cleaned)
	total := pos + neg + neu
	if total == 0 {
		return neutral
	}

	result := SentimentResult{
		Positive: float64(pos) / float64(total),
		Negative: float64(neg) / float64(total),
		Neutral:  float64(neu) / float64(total),
	}
	result.Compound = result.Positive - result.Negative
	switch {
	case result.Compound >= labelThreshold:
		result.Label = LabelPositive
	case result.Compound <= -labelThreshold:
		result.Label = LabelNegative
	default:
		result.Label = LabelNeutral
	}
	result.Confidence = max3(result.Positive, result.Negative, result.Neutral)
	return result
}

// ScorePost scores a post's title plus selftext.
func ScorePost(post *types.Post) SentimentResult {
	return ScoreText(strings.TrimSpace(post.Title + " " + post.SelfText))
}

// cleanText strips URLs, user/subreddit mentions, and Reddit markdown
// so formatting does not skew lexicon matches.
func cleanText(text string) string {
	text = urlPattern.ReplaceAllString(text, "")
	text = mentionPattern.ReplaceAllString(text, "")
	for _, p := range markdownPatterns {
		text = p.ReplaceAllString(text, "$1")
	}
	return strings.TrimSpace(spacePattern.ReplaceAllString(text, " "))
}

func countMatches(patterns []*regexp.Regexp, text string) int {
	n := 0
	for _, p := range patterns {
		n += len(p.FindAllStringIndex(text, -1))
	}
	return n
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}
