package internal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// stubFetcher returns canned bytes or an error per feed ID.
type stubFetcher struct {
	payloads map[string][]byte
	errs     map[string]error
	calls    int
}

func (f *stubFetcher) Fetch(_ context.Context, feed FeedDefinition) ([]byte, error) {
	f.calls++
	if err, ok := f.errs[feed.ID]; ok {
		return nil, &TransportError{FeedID: feed.ID, Err: err}
	}
	return f.payloads[feed.ID], nil
}

func newTestAggregator(t *testing.T, fetcher Fetcher) *Aggregator {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "agg.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAggregator(store, fetcher, nil, log, AggregatorOptions{
		Workers:       2,
		RunTimeout:    10 * time.Second,
		MaxRetries:    2,
		MergeStrategy: MergeHighestConfidence,
		CrossFeed:     true,
	})
}

func addJSONFeed(t *testing.T, a *Aggregator, id string) FeedDefinition {
	t.Helper()
	fd, err := a.AddFeed(context.Background(), FeedDefinition{
		ID:      id,
		Name:    "test feed " + id,
		URL:     "https://feeds.example.com/" + id,
		Format:  FormatJSON,
		Enabled: true,
		Schedule: SchedulePolicy{
			Frequency: FreqHourly,
		},
	})
	if err != nil {
		t.Fatalf("AddFeed: %v", err)
	}
	return fd
}

func TestAddFeedValidation(t *testing.T) {
	a := newTestAggregator(t, &stubFetcher{})
	ctx := context.Background()

	if _, err := a.AddFeed(ctx, FeedDefinition{Name: "x", Format: FormatJSON}); err == nil {
		t.Error("missing url should be rejected")
	}
	if _, err := a.AddFeed(ctx, FeedDefinition{URL: "https://x", Format: FormatJSON}); err == nil {
		t.Error("missing name should be rejected")
	}
	if _, err := a.AddFeed(ctx, FeedDefinition{Name: "x", URL: "https://x", Format: "avro"}); err == nil {
		t.Error("unknown format should be rejected")
	}

	fd, err := a.AddFeed(ctx, FeedDefinition{Name: "ok", URL: "https://x", Format: FormatTXT, Enabled: true})
	if err != nil {
		t.Fatalf("AddFeed: %v", err)
	}
	if fd.ID == "" {
		t.Error("feed should get a generated ID")
	}
	if fd.Schedule.Frequency != FreqDaily {
		t.Errorf("default frequency = %s, want daily", fd.Schedule.Frequency)
	}
	if _, ok := a.Scheduler().Job(fd.ID); !ok {
		t.Error("enabled feed should be scheduled")
	}
}

func TestRunFeedSuccess(t *testing.T) {
	fetcher := &stubFetcher{payloads: map[string][]byte{
		"f1": []byte(`[{"value":"1.2.3.4","confidence":80},{"value":"evil.com","confidence":60},{"value":"1.2.3.4","confidence":90}]`),
	}}
	a := newTestAggregator(t, fetcher)
	addJSONFeed(t, a, "f1")
	ctx := context.Background()

	rec, err := a.RunFeed(ctx, "f1")
	if err != nil {
		t.Fatalf("RunFeed: %v", err)
	}
	if !rec.Success {
		t.Fatalf("run failed: %+v", rec)
	}
	if rec.Total != 3 || rec.Valid != 2 || rec.Duplicates != 1 {
		t.Fatalf("counts = total %d valid %d dup %d", rec.Total, rec.Valid, rec.Duplicates)
	}

	found, err := a.store.FindByNormalized(ctx, "1.2.3.4")
	if err != nil || len(found) != 1 {
		t.Fatalf("FindByNormalized: %v (%d)", err, len(found))
	}
	if found[0].Score != 90 {
		t.Errorf("canonical score = %d, want the higher-confidence duplicate", found[0].Score)
	}

	fd, _ := a.store.GetFeed("f1")
	if fd.IndicatorCount != 2 {
		t.Errorf("feed indicator count = %d, want 2", fd.IndicatorCount)
	}
	if fd.LastSuccess == nil {
		t.Error("LastSuccess not set")
	}

	rel, err := a.store.GetReliability(ctx, "f1")
	if err != nil {
		t.Fatalf("GetReliability: %v", err)
	}
	if rel.ValidCount != 2 || rel.Score == 0 {
		t.Errorf("reliability = %+v, want counted run and non-zero score", rel)
	}
}

func TestRunFeedFetchFailure(t *testing.T) {
	fetcher := &stubFetcher{errs: map[string]error{"f1": errors.New("connection refused")}}
	a := newTestAggregator(t, fetcher)
	addJSONFeed(t, a, "f1")
	ctx := context.Background()

	rec, err := a.RunFeed(ctx, "f1")
	if err != nil {
		t.Fatalf("RunFeed: %v", err)
	}
	if rec.Success {
		t.Fatal("run should not succeed on fetch failure")
	}
	if !strings.Contains(rec.Error, "connection refused") {
		t.Errorf("run error = %q", rec.Error)
	}

	fd, _ := a.store.GetFeed("f1")
	if fd.LastError == nil || fd.LastErrorMsg == "" {
		t.Error("feed error bookkeeping not updated")
	}
	if fd.LastSuccess != nil {
		t.Error("LastSuccess should stay unset")
	}

	runs, err := a.store.RunsSince(ctx, "f1", time.Now().Add(-time.Hour))
	if err != nil || len(runs) != 1 {
		t.Fatalf("run log: %v (%d)", err, len(runs))
	}
	if runs[0].Success {
		t.Error("run log should record the failure")
	}
}

func TestRunFeedDisabled(t *testing.T) {
	a := newTestAggregator(t, &stubFetcher{})
	ctx := context.Background()
	fd := addJSONFeed(t, a, "f1")
	fd.Enabled = false
	if err := a.store.PutFeed(ctx, fd); err != nil {
		t.Fatalf("PutFeed: %v", err)
	}
	if _, err := a.RunFeed(ctx, "f1"); err == nil {
		t.Error("disabled feed should not run")
	}
	if _, err := a.RunFeed(ctx, "missing"); err == nil {
		t.Error("unknown feed should not run")
	}
}

func TestForceRunDrivesJobTable(t *testing.T) {
	fetcher := &stubFetcher{payloads: map[string][]byte{
		"f1": []byte(`[{"value":"10.0.0.1"}]`),
	}}
	a := newTestAggregator(t, fetcher)
	addJSONFeed(t, a, "f1")
	ctx := context.Background()

	rec, err := a.ForceRun(ctx, "f1")
	if err != nil {
		t.Fatalf("ForceRun: %v", err)
	}
	if !rec.Success {
		t.Fatalf("run failed: %+v", rec)
	}
	job, ok := a.Scheduler().Job("f1")
	if !ok {
		t.Fatal("job missing")
	}
	if job.Status != JobScheduled || job.RetryCount != 0 {
		t.Errorf("job after success = %+v", job)
	}

	fetcher.errs = map[string]error{"f1": errors.New("boom")}
	if _, err := a.ForceRun(ctx, "f1"); err != nil {
		t.Fatalf("ForceRun: %v", err)
	}
	job, _ = a.Scheduler().Job("f1")
	if job.RetryCount != 1 {
		t.Errorf("retry count after failure = %d, want 1", job.RetryCount)
	}
}

func TestTestFeedDoesNotPersist(t *testing.T) {
	fetcher := &stubFetcher{payloads: map[string][]byte{
		"f1": []byte(`[{"value":"1.1.1.1","confidence":95}]`),
	}}
	a := newTestAggregator(t, fetcher)
	addJSONFeed(t, a, "f1")
	ctx := context.Background()

	result, err := a.TestFeed(ctx, "f1")
	if err != nil {
		t.Fatalf("TestFeed: %v", err)
	}
	if !result.Success || result.ValidIndicators != 1 {
		t.Fatalf("result = %+v", result)
	}

	stats, err := a.store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalIndicators != 0 {
		t.Errorf("test run persisted %d indicators", stats.TotalIndicators)
	}

	runs, _ := a.store.RunsSince(ctx, "f1", time.Now().Add(-time.Hour))
	if len(runs) != 0 {
		t.Error("test run should not appear in the audit log")
	}
}

func TestRecordFeedback(t *testing.T) {
	fetcher := &stubFetcher{payloads: map[string][]byte{
		"f1": []byte(`[{"value":"3.3.3.3","confidence":70}]`),
	}}
	a := newTestAggregator(t, fetcher)
	addJSONFeed(t, a, "f1")
	ctx := context.Background()

	if _, err := a.RunFeed(ctx, "f1"); err != nil {
		t.Fatalf("RunFeed: %v", err)
	}
	found, err := a.store.FindByNormalized(ctx, "3.3.3.3")
	if err != nil || len(found) != 1 {
		t.Fatalf("FindByNormalized: %v (%d)", err, len(found))
	}

	if err := a.RecordFeedback(ctx, found[0].ID, false); err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	rel, _ := a.store.GetReliability(ctx, "f1")
	if rel.FalsePositives != 1 {
		t.Errorf("false positives = %d, want 1", rel.FalsePositives)
	}
	before := rel.Score

	if err := a.RecordFeedback(ctx, found[0].ID, true); err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	rel, _ = a.store.GetReliability(ctx, "f1")
	if rel.ValidCount != 2 {
		t.Errorf("valid count = %d, want 2", rel.ValidCount)
	}
	if rel.Score < before {
		t.Errorf("score dropped after positive feedback: %d -> %d", before, rel.Score)
	}

	if err := a.RecordFeedback(ctx, "no-such-indicator", true); err == nil {
		t.Error("feedback on unknown indicator should fail")
	}
}

func TestHealthStatusAndHints(t *testing.T) {
	a := newTestAggregator(t, &stubFetcher{})
	addJSONFeed(t, a, "f1")
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Hour)

	h, err := a.Health(ctx, "f1")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "unknown" || len(h.Hints) == 0 {
		t.Fatalf("no-run health = %+v", h)
	}

	runs := []RunRecord{
		{ID: "r1", FeedID: "f1", Started: base, Success: true, Duration: 100 * time.Millisecond},
		{ID: "r2", FeedID: "f1", Started: base.Add(30 * time.Minute), Success: true, Duration: 200 * time.Millisecond},
		{ID: "r3", FeedID: "f1", Started: base.Add(time.Hour), Success: false, Duration: 30 * time.Second, Error: "fetch feed: context deadline exceeded"},
	}
	for _, r := range runs {
		if err := a.store.AppendRun(ctx, r); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}

	h, err = a.Health(ctx, "f1")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "degraded" {
		t.Errorf("status = %s, want degraded at 1/3 failures", h.Status)
	}
	if h.Runs != 3 || h.ErrorRate < 0.33 || h.ErrorRate > 0.34 {
		t.Errorf("runs = %d, error rate = %v", h.Runs, h.ErrorRate)
	}
	hinted := false
	for _, hint := range h.Hints {
		if strings.Contains(hint, "timing out") {
			hinted = true
		}
	}
	if !hinted {
		t.Errorf("expected timeout hint, got %v", h.Hints)
	}

	if _, err := a.Health(ctx, "missing"); err == nil {
		t.Error("unknown feed should error")
	}
}
