package analytics

import (
	"strings"
	"time"

	"github.com/jamesprial/go-reddit-scraper/pkg/types"
)

// viralTitleIndicators are title phrases that correlate with spread.
var viralTitleIndicators = []string{
	"breaking", "urgent", "amazing", "incredible", "shocking",
	"you won't believe", "this will", "everyone needs to",
	"viral", "trending", "must see", "watch this",
}

// contentMultipliers weight the score by how shareable the medium is.
var contentMultipliers = map[types.ContentType]float64{
	types.ContentImage: 1.2,
	types.ContentVideo: 1.5,
	types.ContentLink:  1.0,
	types.ContentText:  0.8,
}

// ViralScore estimates a post's viral potential on a 0-100 scale from
// its engagement, freshness, and title. now supplies the clock so tests
// can pin it.
func ViralScore(post *types.Post, now time.Time) float64 {
	var hoursOld, timeFactor, velocity float64
	if post.CreatedUTC > 0 {
		hoursOld = now.Sub(time.Unix(post.CreatedUTC, 0)).Hours()
		if hoursOld < 0 {
			hoursOld = 0
		}
		// Freshness bonus decays to zero over 24 hours.
		timeFactor = 1 - hoursOld/24
		if timeFactor < 0 {
			timeFactor = 0
		}
		if hoursOld > 0 {
			velocity = float64(post.Score+post.NumComments) / hoursOld
		}
	}

	title := strings.ToLower(post.Title)
	titleFactor := 0.0
	for _, indicator := range viralTitleIndicators {
		if strings.Contains(title, indicator) {
			titleFactor++
		}
	}

	multiplier, ok := contentMultipliers[post.ContentType]
	if !ok {
		multiplier = 1.0
	}

	score := (float64(post.Score)*0.3 +
		float64(post.NumComments)*0.2 +
		post.UpvoteRatio*20 +
		velocity*0.2 +
		timeFactor*10 +
		titleFactor*5) * multiplier

	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

// ViralCategory buckets a viral score into a coarse label.
func ViralCategory(score float64) string {
	switch {
	case score >= 80:
		return "very_high"
	case score >= 60:
		return "high"
	case score >= 40:
		return "medium"
	case score >= 20:
		return "low"
	default:
		return "very_low"
	}
}

// Enrich stamps sentiment and viral potential onto each post in place.
// The scheduler calls this on every batch before it commits.
func Enrich(posts []*types.Post, now time.Time) {
	for _, post := range posts {
		sentiment := ScorePost(post).Compound
		viral := ViralScore(post, now)
		post.SentimentScore = &sentiment
		post.ViralPotential = &viral
	}
}
