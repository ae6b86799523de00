package internal

import (
	"context"
	"testing"
	"time"
)

func testFeed(id string, freq Frequency, interval int) FeedDefinition {
	return FeedDefinition{
		ID:       id,
		Name:     id,
		Format:   FormatTXT,
		Enabled:  true,
		Schedule: SchedulePolicy{Frequency: freq, IntervalMinutes: interval},
	}
}

func TestNextRunFrom(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		policy SchedulePolicy
		want   time.Time
	}{
		{SchedulePolicy{Frequency: FreqRealtime}, now},
		{SchedulePolicy{Frequency: FreqHourly}, now.Add(time.Hour)},
		{SchedulePolicy{Frequency: FreqDaily}, now.Add(24 * time.Hour)},
		{SchedulePolicy{Frequency: FreqWeekly}, now.Add(7 * 24 * time.Hour)},
		{SchedulePolicy{Frequency: FreqCustom, IntervalMinutes: 15}, now.Add(15 * time.Minute)},
	}
	for _, c := range cases {
		if got := NextRunFrom(c.policy, now); !got.Equal(c.want) {
			t.Errorf("NextRunFrom(%s) = %v, want %v", c.policy.Frequency, got, c.want)
		}
	}
}

func TestSchedulerDueAndLifecycle(t *testing.T) {
	s := NewScheduler(2, func(context.Context, string) {})
	s.Register(testFeed("rt", FreqRealtime, 0))
	s.Register(testFeed("hourly", FreqHourly, 0))

	due := s.Due(time.Now())
	if len(due) != 1 || due[0] != "rt" {
		t.Fatalf("only realtime feed should be due, got %v", due)
	}

	if err := s.MarkRunning("rt"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := s.MarkRunning("rt"); err == nil {
		t.Fatal("double start must be rejected")
	}

	s.Complete("rt")
	j, _ := s.Job("rt")
	if j.Status != JobScheduled || j.RetryCount != 0 {
		t.Fatalf("completed job should be rescheduled: %+v", j)
	}
}

func TestSchedulerRetryThenExhaustion(t *testing.T) {
	s := NewScheduler(2, func(context.Context, string) {})
	s.Register(testFeed("f", FreqRealtime, 0))

	// two failures consume the retry budget but keep the job scheduled
	for i := 1; i <= 2; i++ {
		_ = s.MarkRunning("f")
		s.Fail("f")
		j, _ := s.Job("f")
		if j.Status != JobScheduled || j.RetryCount != i {
			t.Fatalf("failure %d: %+v", i, j)
		}
	}

	// third failure exhausts retries
	_ = s.MarkRunning("f")
	s.Fail("f")
	j, _ := s.Job("f")
	if j.Status != JobFailed {
		t.Fatalf("expected failed after exhaustion: %+v", j)
	}

	// not due while failed and interval not yet passed
	if due := s.Due(j.NextRun.Add(-time.Second)); len(due) != 0 {
		t.Fatalf("failed job must not be due early, got %v", due)
	}

	// natural tick past the interval resets it
	due := s.Due(j.NextRun.Add(time.Second))
	if len(due) != 1 || due[0] != "f" {
		t.Fatalf("natural tick should recover the job, got %v", due)
	}
	j, _ = s.Job("f")
	if j.RetryCount != 0 {
		t.Fatalf("recovery should clear the retry counter: %+v", j)
	}
}

func TestSchedulerOperatorReset(t *testing.T) {
	s := NewScheduler(0, func(context.Context, string) {})
	s.Register(testFeed("f", FreqDaily, 0))
	_ = s.MarkRunning("f")
	s.Fail("f")
	j, _ := s.Job("f")
	if j.Status != JobFailed {
		t.Fatalf("zero retries should fail immediately: %+v", j)
	}
	s.Reset("f")
	due := s.Due(time.Now())
	if len(due) != 1 {
		t.Fatalf("reset job should be due now, got %v", due)
	}
}

func TestSchedulerRemove(t *testing.T) {
	s := NewScheduler(1, func(context.Context, string) {})
	s.Register(testFeed("f", FreqRealtime, 0))
	s.Remove("f")
	if _, ok := s.Job("f"); ok {
		t.Fatal("removed job still present")
	}
}
