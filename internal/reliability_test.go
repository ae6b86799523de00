package internal

import (
	"testing"
	"time"
)

func TestReliabilityScoring(t *testing.T) {
	rs := NewReliabilityScorer()

	good := &FeedReliability{FeedID: "good", ValidCount: 90, FalsePositives: 10}
	rs.Assess(good, 1.0)

	if good.Accuracy != 90 {
		t.Errorf("accuracy = %.1f, want 90", good.Accuracy)
	}
	if good.FalsePositiveRate != 0.1 {
		t.Errorf("fp rate = %.2f, want 0.10", good.FalsePositiveRate)
	}
	// 0.5*90 + 0.3*90 + 0.2*100 = 92
	if good.Score != 92 {
		t.Errorf("score = %d, want 92", good.Score)
	}

	mediocre := &FeedReliability{FeedID: "mediocre", ValidCount: 50, FalsePositives: 50}
	rs.Assess(mediocre, 1.0)
	if mediocre.Score >= good.Score {
		t.Errorf("50/50 feed (%d) must score below 90/10 feed (%d)", mediocre.Score, good.Score)
	}
}

func TestReliabilityZeroObservationsFailClosed(t *testing.T) {
	rs := NewReliabilityScorer()
	rel := &FeedReliability{FeedID: "new"}
	rs.Assess(rel, 1.0)
	if rel.Score != 0 {
		t.Fatalf("untested feed must score 0, got %d", rel.Score)
	}
}

func TestReliabilityFeedback(t *testing.T) {
	rs := NewReliabilityScorer()
	rel := &FeedReliability{FeedID: "f"}
	rs.RecordFeedback(rel, true)
	rs.RecordFeedback(rel, true)
	rs.RecordFeedback(rel, false)
	if rel.ValidCount != 2 || rel.FalsePositives != 1 {
		t.Fatalf("feedback counts wrong: %+v", rel)
	}
}

func TestReliabilityHistoryPruned(t *testing.T) {
	rs := NewReliabilityScorer()
	rel := &FeedReliability{FeedID: "f", ValidCount: 10}

	// sample from beyond the retention window
	rel.History = append(rel.History, ReliabilitySample{
		At:    time.Now().Add(-31 * 24 * time.Hour),
		Score: 50,
	})
	rs.Assess(rel, 1.0)

	if len(rel.History) != 1 {
		t.Fatalf("expected stale sample pruned, history = %d entries", len(rel.History))
	}
	if rel.History[0].Score != rel.Score {
		t.Errorf("surviving sample should be the fresh one")
	}
}

func TestReliabilityScoreClamped(t *testing.T) {
	if clampScore(120) != 100 || clampScore(-5) != 0 {
		t.Fatal("clamp broken")
	}
}
