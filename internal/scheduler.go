package internal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DispatchFunc receives due feed IDs. The scheduler never fetches anything
// itself; scheduling policy stays decoupled from I/O.
type DispatchFunc func(ctx context.Context, feedID string)

// Scheduler owns the per-feed job table and emits due jobs on a cron tick.
// State machine per job: scheduled -> running -> {completed | failed}; a
// failed job with retries left goes back to scheduled at the feed's normal
// interval, and an exhausted one stays failed until an operator reset or the
// next natural schedule tick.
type Scheduler struct {
	mu         sync.RWMutex
	jobs       map[string]*ScheduledJob
	policies   map[string]SchedulePolicy
	cron       *cron.Cron
	dispatch   DispatchFunc
	maxRetries int
	now        func() time.Time

	tickRuns  metric.Int64Counter
	tickFails metric.Int64Counter
}

// NewScheduler creates a scheduler dispatching due feeds through fn.
func NewScheduler(maxRetries int, fn DispatchFunc) *Scheduler {
	meter := otel.Meter("feedagg")
	tickRuns, _ := meter.Int64Counter("feedagg_schedule_runs_total")
	tickFails, _ := meter.Int64Counter("feedagg_schedule_failures_total")
	return &Scheduler{
		jobs:       make(map[string]*ScheduledJob),
		policies:   make(map[string]SchedulePolicy),
		cron:       cron.New(cron.WithSeconds()),
		dispatch:   fn,
		maxRetries: maxRetries,
		now:        time.Now,
		tickRuns:   tickRuns,
		tickFails:  tickFails,
	}
}

// NextRunFrom computes the next run time for a frequency policy.
func NextRunFrom(policy SchedulePolicy, now time.Time) time.Time {
	switch policy.Frequency {
	case FreqRealtime:
		return now
	case FreqHourly:
		return now.Add(time.Hour)
	case FreqDaily:
		return now.Add(24 * time.Hour)
	case FreqWeekly:
		return now.Add(7 * 24 * time.Hour)
	case FreqCustom:
		if policy.IntervalMinutes > 0 {
			return now.Add(time.Duration(policy.IntervalMinutes) * time.Minute)
		}
		return now.Add(time.Hour)
	default:
		return now.Add(time.Hour)
	}
}

// Register creates (or re-creates) the job for a feed. A realtime feed is due
// immediately; everything else waits one interval.
func (s *Scheduler) Register(feed FeedDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.now()
	if feed.Schedule.Frequency != FreqRealtime {
		next = NextRunFrom(feed.Schedule, s.now())
	}
	s.jobs[feed.ID] = &ScheduledJob{
		FeedID:     feed.ID,
		NextRun:    next,
		Status:     JobScheduled,
		MaxRetries: s.maxRetries,
	}
	s.policies[feed.ID] = feed.Schedule
	slog.Info("feed scheduled", "feed", feed.ID, "frequency", feed.Schedule.Frequency, "next_run", next)
}

// Remove retires a feed's job (feed deprecated).
func (s *Scheduler) Remove(feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, feedID)
	delete(s.policies, feedID)
}

// Job returns a snapshot of one feed's job state.
func (s *Scheduler) Job(feedID string) (ScheduledJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[feedID]
	if !ok {
		return ScheduledJob{}, false
	}
	return *j, true
}

// Jobs returns a snapshot of the whole job table.
func (s *Scheduler) Jobs() []ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// Due returns feeds whose jobs are runnable at now. Exhausted failed jobs
// whose natural interval has passed are reset here: this is the "next natural
// schedule tick" recovery path.
func (s *Scheduler) Due(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []string
	for id, j := range s.jobs {
		if j.Status == JobFailed && j.RetryCount >= j.MaxRetries && !j.NextRun.After(now) {
			j.Status = JobScheduled
			j.RetryCount = 0
		}
		if j.Status == JobScheduled && !j.NextRun.After(now) {
			due = append(due, id)
		}
	}
	return due
}

// MarkRunning transitions a job to running; rejects double-starts.
func (s *Scheduler) MarkRunning(feedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[feedID]
	if !ok {
		return fmt.Errorf("no job for feed %s", feedID)
	}
	if j.Status == JobRunning {
		return fmt.Errorf("feed %s already running", feedID)
	}
	now := s.now()
	j.Status = JobRunning
	j.LastRun = &now
	return nil
}

// Complete records a successful run and schedules the next interval.
func (s *Scheduler) Complete(feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[feedID]
	if !ok {
		return
	}
	// completed collapses straight back into scheduled at the next interval
	j.Status = JobScheduled
	j.RetryCount = 0
	j.NextRun = NextRunFrom(s.policies[feedID], s.now())
	s.tickRuns.Add(context.Background(), 1, metric.WithAttributes(attribute.String("feed", feedID)))
}

// Fail records a failed run. With retries left the job re-enters scheduled at
// the feed's normal interval (no exponential backoff required); once retries
// are exhausted it stays failed.
func (s *Scheduler) Fail(feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[feedID]
	if !ok {
		return
	}
	j.NextRun = NextRunFrom(s.policies[feedID], s.now())
	if j.RetryCount < j.MaxRetries {
		j.RetryCount++
		j.Status = JobScheduled
	} else {
		j.Status = JobFailed
	}
	s.tickFails.Add(context.Background(), 1, metric.WithAttributes(attribute.String("feed", feedID)))
}

// Reset clears a failed job back to scheduled (operator action).
func (s *Scheduler) Reset(feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[feedID]
	if !ok {
		return
	}
	j.Status = JobScheduled
	j.RetryCount = 0
	j.NextRun = s.now()
}

// Start begins the cron tick loop scanning for due jobs every 10 seconds.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc("*/10 * * * * *", func() {
		for _, feedID := range s.Due(time.Now()) {
			s.dispatch(ctx, feedID)
		}
	})
	if err != nil {
		return fmt.Errorf("add tick schedule: %w", err)
	}
	s.cron.Start()
	slog.Info("scheduler started")
	return nil
}

// Stop gracefully stops the tick loop.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("scheduler stop timeout")
		return ctx.Err()
	}
}
