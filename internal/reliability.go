package internal

import (
	"math"
	"time"
)

// Weighting of the trust score components. The uptime term is computed from
// the feed's actual run history rather than assumed.
const (
	weightAccuracy = 0.5
	weightFPRate   = 0.3
	weightUptime   = 0.2

	// history older than this is pruned on every recompute
	reliabilityRetention = 30 * 24 * time.Hour
)

// ReliabilityScorer recomputes per-feed trust scores from cumulative feedback
// counts and fetch history. It holds no state of its own; the records it
// mutates are owned by the caller.
type ReliabilityScorer struct {
	now func() time.Time
}

func NewReliabilityScorer() *ReliabilityScorer {
	return &ReliabilityScorer{now: time.Now}
}

// Assess recomputes the score for one feed and appends a history sample.
// uptimeRatio is the recent successful-fetch ratio in [0,1], taken from the
// persisted run log. A feed with zero observations scores 0: unknown is not
// trusted, so untested feeds never outrank established ones.
func (rs *ReliabilityScorer) Assess(rel *FeedReliability, uptimeRatio float64) {
	now := rs.now()
	total := rel.ValidCount + rel.FalsePositives
	if total == 0 {
		rel.Score = 0
		rel.Accuracy = 0
		rel.FalsePositiveRate = 0
		rel.LastAssessed = now
		rs.appendSample(rel, now)
		return
	}

	rel.Accuracy = float64(rel.ValidCount) / float64(total) * 100
	rel.FalsePositiveRate = float64(rel.FalsePositives) / float64(total)

	if uptimeRatio < 0 {
		uptimeRatio = 0
	}
	if uptimeRatio > 1 {
		uptimeRatio = 1
	}

	score := weightAccuracy*rel.Accuracy +
		weightFPRate*(100*(1-rel.FalsePositiveRate)) +
		weightUptime*(100*uptimeRatio)
	rel.Score = clampScore(int(math.Round(score)))
	rel.LastAssessed = now
	rs.appendSample(rel, now)
}

// RecordFeedback applies one confirmed-valid or false-positive observation.
func (rs *ReliabilityScorer) RecordFeedback(rel *FeedReliability, valid bool) {
	if valid {
		rel.ValidCount++
	} else {
		rel.FalsePositives++
	}
}

func (rs *ReliabilityScorer) appendSample(rel *FeedReliability, now time.Time) {
	rel.History = append(rel.History, ReliabilitySample{
		At:             now,
		Score:          rel.Score,
		Accuracy:       rel.Accuracy,
		ValidCount:     rel.ValidCount,
		FalsePositives: rel.FalsePositives,
	})
	cutoff := now.Add(-reliabilityRetention)
	pruned := rel.History[:0]
	for _, s := range rel.History {
		if s.At.After(cutoff) {
			pruned = append(pruned, s)
		}
	}
	rel.History = pruned
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
