package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultRunTimeout = 5 * time.Minute
	healthWindow      = 24 * time.Hour
	uptimeWindow      = 7 * 24 * time.Hour
)

// Aggregator drives the whole pipeline: it owns the scheduler, runs due feeds
// through fetch -> parse -> normalize -> dedupe -> persist, keeps reliability
// scores current and emits events downstream.
type Aggregator struct {
	store   *Store
	fetcher Fetcher
	scorer  *ReliabilityScorer
	sched   *Scheduler
	events  *EventPublisher
	dedup   *Deduplicator
	log     *slog.Logger

	sem        chan struct{} // bounds concurrent feed runs
	wg         sync.WaitGroup
	runTimeout time.Duration
	now        func() time.Time

	tracer      trace.Tracer
	runsTotal   metric.Int64Counter
	indicatorIn metric.Int64Counter
	runDuration metric.Float64Histogram
}

// AggregatorOptions tunes the pipeline. Zero values get defaults.
type AggregatorOptions struct {
	Workers       int
	RunTimeout    time.Duration
	MaxRetries    int
	MergeStrategy MergeStrategy
	CrossFeed     bool
}

// NewAggregator wires the pipeline. events may be nil when NATS is not
// configured.
func NewAggregator(store *Store, fetcher Fetcher, events *EventPublisher, log *slog.Logger, opts AggregatorOptions) *Aggregator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}
	meter := otel.Meter("feedagg")
	runsTotal, _ := meter.Int64Counter("feedagg_runs_total")
	indicatorIn, _ := meter.Int64Counter("feedagg_indicators_ingested_total")
	runDuration, _ := meter.Float64Histogram("feedagg_run_duration_ms")

	a := &Aggregator{
		store:       store,
		fetcher:     fetcher,
		scorer:      NewReliabilityScorer(),
		events:      events,
		dedup:       NewDeduplicator(opts.MergeStrategy, opts.CrossFeed),
		log:         log,
		sem:         make(chan struct{}, opts.Workers),
		runTimeout:  opts.RunTimeout,
		now:         time.Now,
		tracer:      otel.Tracer("feedagg-aggregator"),
		runsTotal:   runsTotal,
		indicatorIn: indicatorIn,
		runDuration: runDuration,
	}
	a.sched = NewScheduler(opts.MaxRetries, a.dispatch)
	return a
}

// Scheduler exposes the job table for the HTTP surface.
func (a *Aggregator) Scheduler() *Scheduler { return a.sched }

// Start registers every enabled feed with the scheduler and begins ticking.
func (a *Aggregator) Start(ctx context.Context) error {
	for _, fd := range a.store.ListFeeds() {
		if fd.Enabled && !fd.Deprecated {
			a.sched.Register(fd)
		}
	}
	return a.sched.Start(ctx)
}

// Stop halts the tick loop and waits for in-flight runs.
func (a *Aggregator) Stop(ctx context.Context) error {
	if err := a.sched.Stop(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runs still in flight: %w", ctx.Err())
	}
}

// AddFeed validates, persists and schedules a new feed definition.
func (a *Aggregator) AddFeed(ctx context.Context, fd FeedDefinition) (FeedDefinition, error) {
	if fd.URL == "" {
		return fd, errors.New("feed url is required")
	}
	if fd.Name == "" {
		return fd, errors.New("feed name is required")
	}
	switch fd.Format {
	case FormatJSON, FormatCSV, FormatTXT, FormatSTIX, FormatXML:
	default:
		return fd, fmt.Errorf("unsupported feed format %q", fd.Format)
	}
	if fd.ID == "" {
		fd.ID = uuid.NewString()
	}
	if fd.Schedule.Frequency == "" {
		fd.Schedule.Frequency = FreqDaily
	}
	if err := a.store.PutFeed(ctx, fd); err != nil {
		return fd, err
	}
	if fd.Enabled {
		a.sched.Register(fd)
	}
	a.log.Info("feed registered", "feed", fd.ID, "name", fd.Name, "format", fd.Format)
	return fd, nil
}

// RemoveFeed deprecates a feed and unschedules it. Indicators stay.
func (a *Aggregator) RemoveFeed(ctx context.Context, feedID string) error {
	if err := a.store.DeprecateFeed(ctx, feedID); err != nil {
		return err
	}
	a.sched.Remove(feedID)
	a.log.Info("feed deprecated", "feed", feedID)
	return nil
}

// dispatch is the scheduler callback: it claims a worker slot and runs the
// feed, reporting the outcome back to the job table.
func (a *Aggregator) dispatch(ctx context.Context, feedID string) {
	if err := a.sched.MarkRunning(feedID); err != nil {
		a.log.Debug("dispatch skipped", "feed", feedID, "reason", err)
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sem <- struct{}{}
		defer func() { <-a.sem }()

		rec, err := a.RunFeed(ctx, feedID)
		if err != nil || !rec.Success {
			a.sched.Fail(feedID)
			return
		}
		a.sched.Complete(feedID)
	}()
}

// ForceRun triggers an immediate run outside the schedule, for the HTTP
// surface. The job table is updated the same way a scheduled run would.
func (a *Aggregator) ForceRun(ctx context.Context, feedID string) (RunRecord, error) {
	if err := a.sched.MarkRunning(feedID); err != nil {
		return RunRecord{}, err
	}
	rec, err := a.RunFeed(ctx, feedID)
	if err != nil || !rec.Success {
		a.sched.Fail(feedID)
	} else {
		a.sched.Complete(feedID)
	}
	return rec, err
}

// RunFeed executes one aggregation run end to end and persists its outcome.
// The returned error covers infrastructure failures only; a run that fetched
// and found problems still returns a RunRecord with Success=false.
func (a *Aggregator) RunFeed(ctx context.Context, feedID string) (RunRecord, error) {
	feed, ok := a.store.GetFeed(feedID)
	if !ok {
		return RunRecord{}, fmt.Errorf("feed %s not found", feedID)
	}
	if !feed.Enabled || feed.Deprecated {
		return RunRecord{}, fmt.Errorf("feed %s is disabled", feedID)
	}

	ctx, cancel := context.WithTimeout(ctx, a.runTimeout)
	defer cancel()
	ctx, span := a.tracer.Start(ctx, "feed.run",
		trace.WithAttributes(attribute.String("feed.id", feedID)))
	defer span.End()

	started := a.now()
	result := a.collect(ctx, feed)
	rec := RunRecord{
		ID:         uuid.NewString(),
		FeedID:     feedID,
		Started:    started,
		Success:    result.Success,
		Total:      result.TotalItems,
		Valid:      result.ValidIndicators,
		Invalid:    result.InvalidIndicators,
		Duplicates: result.Duplicates,
	}

	newCount := 0
	if result.Success {
		inserted, merged, err := a.store.MergeBatch(ctx, a.dedup, result.Indicators)
		if err != nil {
			rec.Success = false
			rec.Error = err.Error()
		} else {
			newCount = len(inserted)
			rec.Duplicates += merged
			for _, ind := range inserted {
				a.events.PublishIndicatorNew(ctx, IndicatorNewEvent{
					ID: ind.ID, FeedID: feedID, Type: ind.Type,
					Normalized: ind.Normalized, Score: ind.Score, At: a.now(),
				})
			}
		}
	} else if len(result.Errors) > 0 {
		rec.Error = result.Errors[0].Message
	}
	rec.Duration = a.now().Sub(started)

	a.finishRun(ctx, feed, rec, newCount)

	a.runsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("feed", feedID),
		attribute.Bool("success", rec.Success)))
	a.indicatorIn.Add(ctx, int64(rec.Valid), metric.WithAttributes(attribute.String("feed", feedID)))
	a.runDuration.Record(ctx, float64(rec.Duration.Milliseconds()))

	a.log.Info("feed run finished",
		"feed", feedID, "run", rec.ID, "success", rec.Success,
		"total", rec.Total, "valid", rec.Valid, "invalid", rec.Invalid,
		"duplicates", rec.Duplicates, "new", newCount, "duration", rec.Duration)
	return rec, nil
}

// finishRun updates feed bookkeeping, reliability and the audit log after a
// run, successful or not.
func (a *Aggregator) finishRun(ctx context.Context, feed FeedDefinition, rec RunRecord, newCount int) {
	now := a.now()
	feed.LastFetch = &now
	if rec.Success {
		feed.LastSuccess = &now
		feed.IndicatorCount += int64(newCount)
	} else {
		feed.LastError = &now
		feed.LastErrorMsg = rec.Error
	}
	if err := a.store.PutFeed(ctx, feed); err != nil {
		a.log.Error("update feed after run", "feed", feed.ID, "error", err)
	}

	if err := a.store.AppendRun(ctx, rec); err != nil {
		a.log.Error("append run record", "feed", feed.ID, "error", err)
	}

	rel, err := a.store.GetReliability(ctx, feed.ID)
	if err != nil {
		a.log.Error("load reliability", "feed", feed.ID, "error", err)
		return
	}
	rel.ValidCount += int64(rec.Valid)
	uptime, err := a.store.UptimeRatio(ctx, feed.ID, uptimeWindow)
	if err != nil {
		a.log.Error("uptime ratio", "feed", feed.ID, "error", err)
		uptime = 0
	}
	a.scorer.Assess(&rel, uptime)
	if err := a.store.PutReliability(ctx, rel); err != nil {
		a.log.Error("store reliability", "feed", feed.ID, "error", err)
	}

	a.events.PublishRunCompleted(ctx, RunCompletedEvent{
		FeedID: feed.ID, RunID: rec.ID, Success: rec.Success,
		Valid: rec.Valid, Invalid: rec.Invalid, Duplicates: rec.Duplicates,
		NewCount: newCount, Duration: rec.Duration, At: now,
	})
}

// collect runs the stateless part of the pipeline: fetch, parse, normalize,
// dedupe. No state is written; both real runs and test runs go through here.
func (a *Aggregator) collect(ctx context.Context, feed FeedDefinition) ParsingResult {
	result := ParsingResult{FeedID: feed.ID, Started: a.now()}
	defer func() { result.Duration = a.now().Sub(result.Started) }()

	data, err := a.fetcher.Fetch(ctx, feed)
	if err != nil {
		result.Errors = append(result.Errors, ParseError{Severity: SeverityError, Message: err.Error()})
		return result
	}

	parse := ParserFor(feed.Format)
	drafts, parseErrs, err := parse(data, feed.Fields)
	result.Errors = append(result.Errors, parseErrs...)
	if err != nil {
		result.Errors = append(result.Errors, ParseError{Severity: SeverityError, Message: err.Error()})
		return result
	}
	result.TotalItems = len(drafts)

	now := a.now()
	for i := range drafts {
		drafts[i].ID = uuid.NewString()
		drafts[i].FeedID = feed.ID
		drafts[i].FirstSeen = now
		drafts[i].LastSeen = now
		drafts[i].Sources = []string{feed.ID}
	}

	kept, invalid, normErrs := NormalizeBatch(drafts, feed.KeepUnknown)
	result.Errors = append(result.Errors, normErrs...)
	result.InvalidIndicators = invalid

	deduped := a.dedup.Deduplicate(kept)
	for _, ind := range deduped {
		if ind.IsDuplicate {
			result.Duplicates++
		}
	}
	result.ValidIndicators = len(deduped) - result.Duplicates
	result.Indicators = deduped
	result.Success = true
	return result
}

// TestFeed fetches and parses a feed without persisting anything, so an
// operator can validate configuration before enabling it. Disabled and
// deprecated feeds are allowed here.
func (a *Aggregator) TestFeed(ctx context.Context, feedID string) (ParsingResult, error) {
	feed, ok := a.store.GetFeed(feedID)
	if !ok {
		return ParsingResult{}, fmt.Errorf("feed %s not found", feedID)
	}
	ctx, cancel := context.WithTimeout(ctx, a.runTimeout)
	defer cancel()
	result := a.collect(ctx, feed)
	if len(result.Indicators) > 25 {
		// a sample is enough for validation output
		result.Indicators = result.Indicators[:25]
	}
	return result, nil
}

// RecordFeedback applies analyst feedback on one indicator to its source
// feed's reliability record.
func (a *Aggregator) RecordFeedback(ctx context.Context, indicatorID string, valid bool) error {
	ind, ok, err := a.store.GetIndicator(ctx, indicatorID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("indicator %s not found", indicatorID)
	}
	rel, err := a.store.GetReliability(ctx, ind.FeedID)
	if err != nil {
		return err
	}
	a.scorer.RecordFeedback(&rel, valid)
	uptime, err := a.store.UptimeRatio(ctx, ind.FeedID, uptimeWindow)
	if err != nil {
		return err
	}
	a.scorer.Assess(&rel, uptime)
	return a.store.PutReliability(ctx, rel)
}

// FeedHealth is the operator-facing health assessment for one feed.
type FeedHealth struct {
	FeedID        string     `json:"feed_id"`
	Status        string     `json:"status"` // healthy|degraded|error|unknown
	UptimePercent float64    `json:"uptime_percent"`
	ErrorRate     float64    `json:"error_rate"`
	AvgDurationMS float64    `json:"avg_duration_ms"`
	Runs          int        `json:"runs"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	Reliability   int        `json:"reliability_score"`
	Hints         []string   `json:"hints,omitempty"`
}

// Health summarizes a feed's last day of runs into a status plus remediation
// hints drawn from observed failure modes.
func (a *Aggregator) Health(ctx context.Context, feedID string) (FeedHealth, error) {
	feed, ok := a.store.GetFeed(feedID)
	if !ok {
		return FeedHealth{}, fmt.Errorf("feed %s not found", feedID)
	}

	runs, err := a.store.RunsSince(ctx, feedID, a.now().Add(-healthWindow))
	if err != nil {
		return FeedHealth{}, err
	}
	rel, err := a.store.GetReliability(ctx, feedID)
	if err != nil {
		return FeedHealth{}, err
	}

	h := FeedHealth{FeedID: feedID, Runs: len(runs), Reliability: rel.Score}
	if len(runs) == 0 {
		h.Status = "unknown"
		h.Hints = append(h.Hints, "no runs in the last 24h; trigger a test run to verify connectivity")
		return h, nil
	}

	failures := 0
	var totalMS float64
	for _, r := range runs {
		if !r.Success {
			failures++
		}
		totalMS += float64(r.Duration.Milliseconds())
	}
	last := runs[len(runs)-1]
	h.LastRun = &last.Started
	h.ErrorRate = float64(failures) / float64(len(runs))
	h.UptimePercent = 100 * (1 - h.ErrorRate)
	h.AvgDurationMS = totalMS / float64(len(runs))

	switch {
	case h.ErrorRate == 0:
		h.Status = "healthy"
	case h.ErrorRate < 0.5:
		h.Status = "degraded"
	default:
		h.Status = "error"
	}

	if failures > 0 {
		h.Hints = append(h.Hints, healthHints(last.Error, feed)...)
	}
	return h, nil
}

// healthHints maps the last failure message onto remediation advice.
func healthHints(lastErr string, feed FeedDefinition) []string {
	msg := strings.ToLower(lastErr)
	var hints []string
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "unauthorized"):
		hints = append(hints, "upstream rejected credentials; rotate the feed's auth credential")
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		hints = append(hints, "fetches are timing out; check upstream latency or raise the run timeout")
	case strings.Contains(msg, "circuit"):
		hints = append(hints, "circuit breaker is open; upstream has been failing repeatedly")
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate"):
		hints = append(hints, "upstream is rate limiting; lower the feed's fetch frequency")
	case msg != "":
		hints = append(hints, "last run failed: "+lastErr)
	}
	if feed.Auth.Kind == "" || feed.Auth.Kind == "none" {
		if strings.Contains(msg, "401") || strings.Contains(msg, "403") {
			hints = append(hints, "feed has no auth configured but upstream requires it")
		}
	}
	return hints
}
