package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/willf/bloom"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Store is the persistent state shared across concurrent feed runs: feed
// definitions, the canonical indicator set, reliability records, job audit
// log. BoltDB keeps deployment to a single pure-Go file; a bloom filter over
// dedupe keys answers "definitely new" without touching the index, and feed
// definitions stay in a warm cache.
type Store struct {
	db *bbolt.DB

	mu        sync.RWMutex
	feedCache map[string]FeedDefinition

	// seen holds every dedupe key ever written. Guarded by bloomMu: the
	// filter's bitset is not safe for concurrent use.
	bloomMu sync.Mutex
	seen    *bloom.BloomFilter

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	bloomSkips   metric.Int64Counter
}

var (
	bucketFeeds       = []byte("feeds")
	bucketIndicators  = []byte("indicators")
	bucketKeyIndex    = []byte("indicator_keys") // type|normalized -> indicator id
	bucketReliability = []byte("reliability")
	bucketRuns        = []byte("runs")
)

// NewStore opens (or creates) the aggregation database at path.
func NewStore(path string) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketFeeds, bucketIndicators, bucketKeyIndex, bucketReliability, bucketRuns} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	meter := otel.Meter("feedagg")
	readLatency, _ := meter.Float64Histogram("feedagg_db_read_ms")
	writeLatency, _ := meter.Float64Histogram("feedagg_db_write_ms")
	bloomSkips, _ := meter.Int64Counter("feedagg_dedup_bloom_skips_total")

	s := &Store{
		db:           db,
		feedCache:    make(map[string]FeedDefinition),
		seen:         bloom.New(1_000_000, 5), // ~1% false positive at capacity
		readLatency:  readLatency,
		writeLatency: writeLatency,
		bloomSkips:   bloomSkips,
	}
	if err := s.warm(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm caches: %w", err)
	}
	return s, nil
}

// warm loads feed definitions into the cache and existing dedupe keys into
// the bloom filter.
func (s *Store) warm() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketFeeds).ForEach(func(k, v []byte) error {
			var fd FeedDefinition
			if err := json.Unmarshal(v, &fd); err != nil {
				return nil // skip invalid entries
			}
			s.feedCache[fd.ID] = fd
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketKeyIndex).ForEach(func(k, v []byte) error {
			s.seen.Add(k)
			return nil
		})
	})
}

// Close flushes and closes the database.
func (s *Store) Close() error { return s.db.Close() }

// --- feed definitions ---

// PutFeed stores or replaces a feed definition.
func (s *Store) PutFeed(ctx context.Context, fd FeedDefinition) error {
	start := time.Now()
	defer s.recordWrite(ctx, "put_feed", start)

	data, err := json.Marshal(fd)
	if err != nil {
		return fmt.Errorf("marshal feed: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFeeds).Put([]byte(fd.ID), data)
	})
	if err != nil {
		return fmt.Errorf("write feed: %w", err)
	}
	s.mu.Lock()
	s.feedCache[fd.ID] = fd
	s.mu.Unlock()
	return nil
}

// GetFeed returns one feed definition from the warm cache.
func (s *Store) GetFeed(feedID string) (FeedDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fd, ok := s.feedCache[feedID]
	return fd, ok
}

// ListFeeds returns all feed definitions, deprecated ones included.
func (s *Store) ListFeeds() []FeedDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FeedDefinition, 0, len(s.feedCache))
	for _, fd := range s.feedCache {
		out = append(out, fd)
	}
	return out
}

// DeprecateFeed soft-deletes a feed. The definition and its indicators stay
// for audit history.
func (s *Store) DeprecateFeed(ctx context.Context, feedID string) error {
	s.mu.RLock()
	fd, ok := s.feedCache[feedID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("feed %s not found", feedID)
	}
	fd.Deprecated = true
	fd.Enabled = false
	return s.PutFeed(ctx, fd)
}

// --- indicators ---

// MergeBatch folds one run's deduplicated output into the persisted canonical
// set in a single transaction: the batch lands all-or-nothing, so a cancelled
// run can never leave partially-merged duplicate state. Key collisions against
// existing canonical records go through the same merge strategy as in-run
// dedup; the bbolt write transaction serializes concurrent runs touching the
// same keys, and the uniqueness invariant holds because the key index always
// points at exactly one canonical record.
func (s *Store) MergeBatch(ctx context.Context, dedup *Deduplicator, batch []FeedIndicator) (inserted []FeedIndicator, mergedCount int, err error) {
	start := time.Now()
	defer s.recordWrite(ctx, "merge_batch", start)

	err = s.db.Update(func(tx *bbolt.Tx) error {
		indBucket := tx.Bucket(bucketIndicators)
		keyBucket := tx.Bucket(bucketKeyIndex)

		for i := range batch {
			ind := batch[i]
			if ind.IsDuplicate {
				// in-run duplicate, persisted as-is for audit
				if err := putIndicator(indBucket, ind); err != nil {
					return err
				}
				continue
			}
			key := []byte(dedup.Key(ind))

			s.bloomMu.Lock()
			maybeSeen := s.seen.Test(key)
			s.bloomMu.Unlock()

			var existing *FeedIndicator
			if maybeSeen {
				if id := keyBucket.Get(key); id != nil {
					var e FeedIndicator
					if err := json.Unmarshal(indBucket.Get(id), &e); err == nil {
						existing = &e
					}
				}
			} else {
				s.bloomSkips.Add(ctx, 1)
			}

			if existing == nil {
				if err := putIndicator(indBucket, ind); err != nil {
					return err
				}
				if err := keyBucket.Put(key, []byte(ind.ID)); err != nil {
					return err
				}
				// the key must be in the filter before the write lock is
				// released, or the next run's Test can miss it and insert a
				// second canonical record. A rollback leaves the key in the
				// filter, which only costs an extra index read later.
				s.bloomMu.Lock()
				s.seen.Add(key)
				s.bloomMu.Unlock()
				inserted = append(inserted, ind)
				continue
			}

			winner, loser := resolveMerge(dedup.Strategy, *existing, ind)
			if dedup.Strategy == MergeManual {
				// keep both; the incoming record stays non-duplicate for review
				if err := putIndicator(indBucket, ind); err != nil {
					return err
				}
				mergedCount++
				continue
			}
			winner = merge(winner, loser)
			loser.IsDuplicate = true
			loser.DuplicateOf = winner.ID
			if err := putIndicator(indBucket, winner); err != nil {
				return err
			}
			if err := putIndicator(indBucket, loser); err != nil {
				return err
			}
			if err := keyBucket.Put(key, []byte(winner.ID)); err != nil {
				return err
			}
			mergedCount++
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("merge batch: %w", err)
	}
	return inserted, mergedCount, nil
}

// resolveMerge applies the merge strategy to an existing canonical record and
// an incoming one.
func resolveMerge(strategy MergeStrategy, existing, incoming FeedIndicator) (winner, loser FeedIndicator) {
	switch strategy {
	case MergeLatest:
		return incoming, existing
	case MergeManual:
		return existing, incoming
	default:
		return pickHighestConfidence(existing, incoming)
	}
}

func putIndicator(b *bbolt.Bucket, ind FeedIndicator) error {
	data, err := json.Marshal(ind)
	if err != nil {
		return fmt.Errorf("marshal indicator: %w", err)
	}
	return b.Put([]byte(ind.ID), data)
}

// GetIndicator returns one indicator by ID.
func (s *Store) GetIndicator(ctx context.Context, id string) (FeedIndicator, bool, error) {
	start := time.Now()
	defer s.recordRead(ctx, "get_indicator", start)

	var ind FeedIndicator
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketIndicators).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &ind)
	})
	if err != nil {
		return FeedIndicator{}, false, fmt.Errorf("read indicator: %w", err)
	}
	return ind, found, nil
}

// FindByNormalized scans for active canonical records carrying a normalized
// value, across types.
func (s *Store) FindByNormalized(ctx context.Context, value string) ([]FeedIndicator, error) {
	start := time.Now()
	defer s.recordRead(ctx, "find_by_normalized", start)

	var out []FeedIndicator
	err := s.db.View(func(tx *bbolt.Tx) error {
		indBucket := tx.Bucket(bucketIndicators)
		return tx.Bucket(bucketKeyIndex).ForEach(func(k, id []byte) error {
			// key layout: type|normalized[|feed]
			parts := bytes.SplitN(k, []byte("|"), 3)
			if len(parts) < 2 || string(parts[1]) != value {
				return nil
			}
			var ind FeedIndicator
			if err := json.Unmarshal(indBucket.Get(id), &ind); err != nil {
				return nil
			}
			out = append(out, ind)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("find indicator: %w", err)
	}
	return out, nil
}

// ExpireIndicators flags (not deletes) canonical records past their expiry.
func (s *Store) ExpireIndicators(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	defer s.recordWrite(ctx, "expire_indicators", start)

	expired := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIndicators)
		return b.ForEach(func(k, v []byte) error {
			var ind FeedIndicator
			if err := json.Unmarshal(v, &ind); err != nil {
				return nil
			}
			if !ind.Active || ind.ExpiresAt == nil || ind.ExpiresAt.After(now) {
				return nil
			}
			ind.Active = false
			data, err := json.Marshal(ind)
			if err != nil {
				return nil
			}
			expired++
			return b.Put(k, data)
		})
	})
	if err != nil {
		return 0, fmt.Errorf("expire indicators: %w", err)
	}
	return expired, nil
}

// --- reliability ---

// GetReliability loads a feed's reliability record, zero-valued when absent.
func (s *Store) GetReliability(ctx context.Context, feedID string) (FeedReliability, error) {
	start := time.Now()
	defer s.recordRead(ctx, "get_reliability", start)

	rel := FeedReliability{FeedID: feedID}
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketReliability).Get([]byte(feedID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &rel)
	})
	if err != nil {
		return rel, fmt.Errorf("read reliability: %w", err)
	}
	return rel, nil
}

// PutReliability stores a feed's reliability record.
func (s *Store) PutReliability(ctx context.Context, rel FeedReliability) error {
	start := time.Now()
	defer s.recordWrite(ctx, "put_reliability", start)

	data, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("marshal reliability: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReliability).Put([]byte(rel.FeedID), data)
	})
	if err != nil {
		return fmt.Errorf("write reliability: %w", err)
	}
	return nil
}

// --- run audit log ---

// AppendRun persists one run's audit summary, keyed for time-ordered scans.
func (s *Store) AppendRun(ctx context.Context, rec RunRecord) error {
	start := time.Now()
	defer s.recordWrite(ctx, "append_run", start)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	key := fmt.Sprintf("%s:%020d:%s", rec.FeedID, rec.Started.UnixNano(), rec.ID)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// RunsSince returns a feed's run records newer than cutoff, oldest first.
func (s *Store) RunsSince(ctx context.Context, feedID string, cutoff time.Time) ([]RunRecord, error) {
	start := time.Now()
	defer s.recordRead(ctx, "runs_since", start)

	var out []RunRecord
	prefix := []byte(feedID + ":")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Started.Before(cutoff) {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan runs: %w", err)
	}
	return out, nil
}

// UptimeRatio computes the successful-run ratio for a feed over the window.
// No runs at all yields 0: untested is not assumed healthy.
func (s *Store) UptimeRatio(ctx context.Context, feedID string, window time.Duration) (float64, error) {
	runs, err := s.RunsSince(ctx, feedID, time.Now().Add(-window))
	if err != nil {
		return 0, err
	}
	if len(runs) == 0 {
		return 0, nil
	}
	ok := 0
	for _, r := range runs {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(runs)), nil
}

// AggregateStats is the corpus-wide summary served to operators.
type AggregateStats struct {
	TotalIndicators  int            `json:"total_indicators"`
	ActiveIndicators int            `json:"active_indicators"`
	Duplicates       int            `json:"duplicates"`
	ByType           map[string]int `json:"by_type"`
	ByCategory       map[string]int `json:"by_category"`
	ByConfidence     map[string]int `json:"by_confidence"`
	BySource         map[string]int `json:"by_source"`
	Feeds            int            `json:"feeds"`
	EnabledFeeds     int            `json:"enabled_feeds"`
}

// Stats scans the indicator set and builds the breakdown counts. Duplicates
// count toward the total but not the breakdowns.
func (s *Store) Stats(ctx context.Context) (AggregateStats, error) {
	start := time.Now()
	defer s.recordRead(ctx, "stats", start)

	stats := AggregateStats{
		ByType:       make(map[string]int),
		ByCategory:   make(map[string]int),
		ByConfidence: make(map[string]int),
		BySource:     make(map[string]int),
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIndicators).ForEach(func(k, v []byte) error {
			var ind FeedIndicator
			if err := json.Unmarshal(v, &ind); err != nil {
				return nil
			}
			stats.TotalIndicators++
			if ind.IsDuplicate {
				stats.Duplicates++
				return nil
			}
			if ind.Active {
				stats.ActiveIndicators++
			}
			stats.ByType[string(ind.Type)]++
			if ind.ThreatCategory != "" {
				stats.ByCategory[ind.ThreatCategory]++
			}
			stats.ByConfidence[string(ind.Confidence)]++
			for _, src := range ind.Sources {
				stats.BySource[src]++
			}
			if len(ind.Sources) == 0 && ind.FeedID != "" {
				stats.BySource[ind.FeedID]++
			}
			return nil
		})
	})
	if err != nil {
		return stats, fmt.Errorf("scan indicators: %w", err)
	}

	s.mu.RLock()
	for _, fd := range s.feedCache {
		stats.Feeds++
		if fd.Enabled && !fd.Deprecated {
			stats.EnabledFeeds++
		}
	}
	s.mu.RUnlock()
	return stats, nil
}

func (s *Store) recordRead(ctx context.Context, op string, start time.Time) {
	s.readLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("operation", op)))
}

func (s *Store) recordWrite(ctx context.Context, op string, start time.Time) {
	s.writeLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("operation", op)))
}
