package internal

import (
	"testing"
	"time"
)

func ind(id, feed, value string, typ IndicatorType, score int, firstSeen time.Time) FeedIndicator {
	return FeedIndicator{
		ID:         id,
		FeedID:     feed,
		Value:      value,
		Normalized: value,
		Type:       typ,
		Score:      score,
		Confidence: LevelForScore(score),
		FirstSeen:  firstSeen,
		LastSeen:   firstSeen,
		Active:     true,
	}
}

func TestDeduplicateHighestConfidence(t *testing.T) {
	now := time.Now()
	a := ind("a", "feed1", "1.2.3.4", IndicatorIP, 50, now)
	b := ind("b", "feed2", "1.2.3.4", IndicatorIP, 90, now.Add(time.Minute))

	d := NewDeduplicator(MergeHighestConfidence, true)
	out := d.Deduplicate([]FeedIndicator{a, b})
	if len(out) != 2 {
		t.Fatalf("expected 2 records, got %d", len(out))
	}

	var keptRec, dup *FeedIndicator
	for i := range out {
		if out[i].IsDuplicate {
			dup = &out[i]
		} else {
			keptRec = &out[i]
		}
	}
	if keptRec == nil || dup == nil {
		t.Fatalf("expected one kept and one duplicate: %+v", out)
	}
	if keptRec.Score != 90 {
		t.Errorf("kept record should have confidence 90, got %d", keptRec.Score)
	}
	if dup.DuplicateOf != keptRec.ID {
		t.Errorf("duplicate should point at %s, got %s", keptRec.ID, dup.DuplicateOf)
	}
	if len(keptRec.Sources) != 2 {
		t.Errorf("kept record should carry both source feeds, got %v", keptRec.Sources)
	}
}

func TestDeduplicateCommutative(t *testing.T) {
	now := time.Now()
	a := ind("a", "f1", "1.2.3.4", IndicatorIP, 40, now)
	b := ind("b", "f2", "1.2.3.4", IndicatorIP, 80, now.Add(time.Hour))

	d := NewDeduplicator(MergeHighestConfidence, true)
	for _, order := range [][]FeedIndicator{{a, b}, {b, a}} {
		out := d.Deduplicate(order)
		for _, r := range out {
			if !r.IsDuplicate && r.Score != 80 {
				t.Fatalf("kept record must always have confidence 80, got %d", r.Score)
			}
		}
	}
}

func TestDeduplicateTieBreakEarliestFirstSeen(t *testing.T) {
	early := time.Now().Add(-time.Hour)
	late := time.Now()
	a := ind("early", "f1", "evil.com", IndicatorDomain, 70, early)
	b := ind("late", "f2", "evil.com", IndicatorDomain, 70, late)

	d := NewDeduplicator(MergeHighestConfidence, true)
	for _, order := range [][]FeedIndicator{{a, b}, {b, a}} {
		out := d.Deduplicate(order)
		for _, r := range out {
			if !r.IsDuplicate && r.ID != "early" {
				t.Fatalf("tie must keep earliest first-seen, kept %s", r.ID)
			}
		}
	}
}

func TestDeduplicateLatest(t *testing.T) {
	now := time.Now()
	a := ind("a", "f1", "evil.com", IndicatorDomain, 90, now)
	b := ind("b", "f1", "evil.com", IndicatorDomain, 10, now.Add(time.Minute))

	d := NewDeduplicator(MergeLatest, true)
	out := d.Deduplicate([]FeedIndicator{a, b})
	for _, r := range out {
		if !r.IsDuplicate && r.ID != "b" {
			t.Fatalf("latest strategy must keep the newer record, kept %s", r.ID)
		}
	}
}

func TestDeduplicateManualKeepsBoth(t *testing.T) {
	now := time.Now()
	a := ind("a", "f1", "evil.com", IndicatorDomain, 50, now)
	b := ind("b", "f2", "evil.com", IndicatorDomain, 80, now)

	d := NewDeduplicator(MergeManual, true)
	out := d.Deduplicate([]FeedIndicator{a, b})
	for _, r := range out {
		if r.IsDuplicate {
			t.Fatalf("manual strategy must not auto-mark duplicates: %+v", r)
		}
	}
	if len(out) != 2 {
		t.Fatalf("expected both records retained, got %d", len(out))
	}
}

func TestDeduplicateCrossFeedDisabled(t *testing.T) {
	now := time.Now()
	a := ind("a", "f1", "1.2.3.4", IndicatorIP, 50, now)
	b := ind("b", "f2", "1.2.3.4", IndicatorIP, 90, now)
	c := ind("c", "f1", "1.2.3.4", IndicatorIP, 70, now.Add(time.Minute))

	d := NewDeduplicator(MergeHighestConfidence, false)
	out := d.Deduplicate([]FeedIndicator{a, b, c})

	dups := 0
	for _, r := range out {
		if r.IsDuplicate {
			dups++
		}
	}
	// a and c share a feed and collapse; b stays independent
	if dups != 1 {
		t.Fatalf("expected exactly 1 in-feed duplicate, got %d", dups)
	}
}

func TestDeduplicateIdempotent(t *testing.T) {
	now := time.Now()
	batch := []FeedIndicator{
		ind("a", "f1", "1.2.3.4", IndicatorIP, 50, now),
		ind("b", "f2", "1.2.3.4", IndicatorIP, 90, now),
		ind("c", "f1", "evil.com", IndicatorDomain, 60, now),
	}
	d := NewDeduplicator(MergeHighestConfidence, true)
	once := d.Deduplicate(batch)
	twice := d.Deduplicate(once)

	if len(once) != len(twice) {
		t.Fatalf("second pass changed record count: %d != %d", len(once), len(twice))
	}
	countDups := func(in []FeedIndicator) int {
		n := 0
		for _, r := range in {
			if r.IsDuplicate {
				n++
			}
		}
		return n
	}
	if countDups(once) != countDups(twice) {
		t.Fatalf("second pass produced additional merges")
	}
}
