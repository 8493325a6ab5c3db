package analytics

import (
	"sort"
	"strings"

	"github.com/jamesprial/go-reddit-scraper/pkg/types"
)

// TrendDirection summarizes the slope of a time series.
type TrendDirection struct {
	Direction  string  `json:"direction"`
	Slope      float64 `json:"slope"`
	Strength   float64 `json:"strength"`
	Confidence float64 `json:"confidence"`
}

// slopeThreshold separates increasing/decreasing from stable.
const slopeThreshold = 0.1

// Direction fits a least-squares line through values and classifies its
// slope. Fewer than two points is reported as insufficient data.
func Direction(values []float64) TrendDirection {
	if len(values) < 2 {
		return TrendDirection{Direction: "insufficient_data"}
	}

	n := float64(len(values))
	var xMean, yMean float64
	for i, v := range values {
		xMean += float64(i)
		yMean += v
	}
	xMean /= n
	yMean /= n

	var num, den float64
	for i, v := range values {
		dx := float64(i) - xMean
		num += dx * (v - yMean)
		den += dx * dx
	}
	slope := 0.0
	if den != 0 {
		slope = num / den
	}

	var ssRes, ssTot float64
	for i, v := range values {
		pred := slope*(float64(i)-xMean) + yMean
		ssRes += (v - pred) * (v - pred)
		ssTot += (v - yMean) * (v - yMean)
	}
	r2 := 0.0
	if ssTot != 0 {
		r2 = 1 - ssRes/ssTot
	}

	direction := "stable"
	if slope > slopeThreshold {
		direction = "increasing"
	} else if slope < -slopeThreshold {
		direction = "decreasing"
	}
	return TrendDirection{
		Direction:  direction,
		Slope:      slope,
		Strength:   abs(slope),
		Confidence: r2,
	}
}

// Keyword is a trending title word with its occurrence count.
type Keyword struct {
	Keyword   string  `json:"keyword"`
	Count     int     `json:"count"`
	Frequency float64 `json:"frequency"`
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "is": true,
	"are": true, "was": true, "were": true, "be": true, "been": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true,
	"should": true, "this": true, "that": true, "these": true,
	"those": true, "i": true, "you": true, "he": true, "she": true,
	"it": true, "we": true, "they": true, "me": true, "him": true,
	"her": true, "us": true, "them": true, "my": true, "your": true,
	"his": true, "its": true, "our": true, "their": true,
}

// TrendingKeywords extracts the top title words across posts, excluding
// stop words and words shorter than three characters.
func TrendingKeywords(posts []*types.Post, limit int) []Keyword {
	counts := map[string]int{}
	for _, post := range posts {
		for _, word := range strings.Fields(strings.ToLower(post.Title)) {
			word = stripNonAlnum(word)
			if len(word) <= 2 || stopWords[word] {
				continue
			}
			counts[word]++
		}
	}

	keywords := make([]Keyword, 0, len(counts))
	for word, count := range counts {
		freq := 0.0
		if len(posts) > 0 {
			freq = float64(count) / float64(len(posts))
		}
		keywords = append(keywords, Keyword{Keyword: word, Count: count, Frequency: freq})
	}
	sort.Slice(keywords, func(i, j int) bool {
		if keywords[i].Count != keywords[j].Count {
			return keywords[i].Count > keywords[j].Count
		}
		return keywords[i].Keyword < keywords[j].Keyword
	})
	if limit > 0 && len(keywords) > limit {
		keywords = keywords[:limit]
	}
	return keywords
}

// ContentPerformance is per-content-type engagement aggregates.
type ContentPerformance struct {
	AverageEngagement float64 `json:"average_engagement"`
	MaxEngagement     int     `json:"max_engagement"`
	PostCount         int     `json:"post_count"`
}

// PerformanceByContentType aggregates engagement (score plus comments)
// per content type.
func PerformanceByContentType(posts []*types.Post) map[types.ContentType]ContentPerformance {
	sums := map[types.ContentType]*ContentPerformance{}
	for _, post := range posts {
		engagement := post.Score + post.NumComments
		perf := sums[post.ContentType]
		if perf == nil {
			perf = &ContentPerformance{}
			sums[post.ContentType] = perf
		}
		perf.PostCount++
		perf.AverageEngagement += float64(engagement)
		if engagement > perf.MaxEngagement {
			perf.MaxEngagement = engagement
		}
	}

	out := make(map[types.ContentType]ContentPerformance, len(sums))
	for ct, perf := range sums {
		perf.AverageEngagement /= float64(perf.PostCount)
		out[ct] = *perf
	}
	return out
}

func stripNonAlnum(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
