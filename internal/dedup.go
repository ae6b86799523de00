package internal

import "strings"

// MergeStrategy decides which record survives a key collision.
type MergeStrategy string

const (
	// MergeHighestConfidence keeps the greater confidence score, tie-broken by
	// earliest first-seen so the outcome is independent of input order.
	MergeHighestConfidence MergeStrategy = "highest_confidence"
	// MergeLatest always replaces the kept record with the newer arrival.
	MergeLatest MergeStrategy = "latest"
	// MergeManual never auto-replaces; both records are retained for review.
	MergeManual MergeStrategy = "manual"
)

// Deduplicator collapses records sharing a key. The default key is type +
// normalized value; disabling CrossFeed scopes the key per feed so in-feed
// duplicates still collapse while shared indicators across feeds stay apart.
type Deduplicator struct {
	Strategy  MergeStrategy
	CrossFeed bool
	KeyFields []string // subset of: type, normalized, feed; empty = default
}

// NewDeduplicator returns a deduplicator with the given strategy and
// cross-feed switch and the default key.
func NewDeduplicator(strategy MergeStrategy, crossFeed bool) *Deduplicator {
	if strategy == "" {
		strategy = MergeHighestConfidence
	}
	return &Deduplicator{Strategy: strategy, CrossFeed: crossFeed}
}

// Key computes the dedupe key for one indicator.
func (d *Deduplicator) Key(ind FeedIndicator) string {
	if len(d.KeyFields) > 0 {
		parts := make([]string, 0, len(d.KeyFields)+1)
		for _, f := range d.KeyFields {
			switch f {
			case "type":
				parts = append(parts, string(ind.Type))
			case "normalized":
				parts = append(parts, ind.Normalized)
			case "feed":
				parts = append(parts, ind.FeedID)
			}
		}
		if !d.CrossFeed {
			parts = append(parts, ind.FeedID)
		}
		return strings.Join(parts, "|")
	}
	key := string(ind.Type) + "|" + ind.Normalized
	if !d.CrossFeed {
		key += "|" + ind.FeedID
	}
	return key
}

// Deduplicate processes records in insertion order, marking collisions as
// duplicates of the kept record and applying the merge strategy to decide
// whether the kept record is replaced. Sources, tags and last-seen are folded
// into the survivor. Running it again over its own output is a no-op.
func (d *Deduplicator) Deduplicate(inds []FeedIndicator) []FeedIndicator {
	kept := make(map[string]int, len(inds)) // key -> index in out
	out := make([]FeedIndicator, 0, len(inds))

	for _, ind := range inds {
		if ind.IsDuplicate {
			// already resolved by an earlier pass
			out = append(out, ind)
			continue
		}
		key := d.Key(ind)
		ki, exists := kept[key]
		if !exists {
			kept[key] = len(out)
			out = append(out, ind)
			continue
		}

		switch d.Strategy {
		case MergeManual:
			// retain both untouched for operator review
			out = append(out, ind)
		case MergeLatest:
			old := out[ki]
			newer := merge(ind, old)
			old.IsDuplicate = true
			old.DuplicateOf = newer.ID
			out[ki] = newer
			out = append(out, old)
		case MergeHighestConfidence:
			fallthrough
		default:
			winner, loser := pickHighestConfidence(out[ki], ind)
			winner = merge(winner, loser)
			loser.IsDuplicate = true
			loser.DuplicateOf = winner.ID
			out[ki] = winner
			out = append(out, loser)
		}
	}
	return out
}

// pickHighestConfidence chooses the survivor deterministically: greater score
// wins; on a tie the earlier first-seen wins, so the outcome is commutative.
func pickHighestConfidence(a, b FeedIndicator) (winner, loser FeedIndicator) {
	if b.Score > a.Score {
		return b, a
	}
	if b.Score == a.Score && b.FirstSeen.Before(a.FirstSeen) {
		return b, a
	}
	return a, b
}

// merge folds the loser's observations into the winner.
func merge(winner, loser FeedIndicator) FeedIndicator {
	winner.Sources = unionStrings(winner.Sources, loser.Sources)
	if loser.FeedID != "" {
		winner.Sources = unionStrings(winner.Sources, []string{loser.FeedID})
	}
	if winner.FeedID != "" {
		winner.Sources = unionStrings(winner.Sources, []string{winner.FeedID})
	}
	winner.Tags = unionStrings(winner.Tags, loser.Tags)
	if loser.LastSeen.After(winner.LastSeen) {
		winner.LastSeen = loser.LastSeen
	}
	if !loser.FirstSeen.IsZero() && (winner.FirstSeen.IsZero() || loser.FirstSeen.Before(winner.FirstSeen)) {
		winner.FirstSeen = loser.FirstSeen
	}
	return winner
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
