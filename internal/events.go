package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/feed-aggregator/natsctx"
)

// NATS subjects emitted by the aggregator. Downstream consumers (enrichment,
// blocklist distribution) subscribe to these.
const (
	SubjectRunCompleted = "feedagg.run.completed"
	SubjectIndicatorNew = "feedagg.indicator.new"

	// SubjectIndicatorFeedback is consumed, not produced: downstream analyst
	// tooling publishes verdicts here instead of calling the HTTP endpoint.
	SubjectIndicatorFeedback = "feedagg.indicator.feedback"
)

// RunCompletedEvent announces one finished aggregation run.
type RunCompletedEvent struct {
	FeedID     string        `json:"feed_id"`
	RunID      string        `json:"run_id"`
	Success    bool          `json:"success"`
	Valid      int           `json:"valid"`
	Invalid    int           `json:"invalid"`
	Duplicates int           `json:"duplicates"`
	NewCount   int           `json:"new_count"`
	Duration   time.Duration `json:"duration"`
	At         time.Time     `json:"at"`
}

// IndicatorNewEvent announces one indicator never seen before across feeds.
type IndicatorNewEvent struct {
	ID         string        `json:"id"`
	FeedID     string        `json:"feed_id"`
	Type       IndicatorType `json:"type"`
	Normalized string        `json:"normalized"`
	Score      int           `json:"score"`
	At         time.Time     `json:"at"`
}

// IndicatorFeedbackEvent is an analyst verdict arriving over NATS.
type IndicatorFeedbackEvent struct {
	IndicatorID string `json:"indicator_id"`
	Valid       bool   `json:"valid"`
}

// EventPublisher pushes aggregation events to NATS. A nil publisher (no NATS
// configured) is valid and drops everything, so callers never branch.
type EventPublisher struct {
	nc  *nats.Conn
	log *slog.Logger
}

// NewEventPublisher connects to NATS at url. Empty url disables publishing.
func NewEventPublisher(url string, log *slog.Logger) (*EventPublisher, error) {
	if url == "" {
		return nil, nil
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Name("feed-aggregator"),
	)
	if err != nil {
		return nil, err
	}
	return &EventPublisher{nc: nc, log: log}, nil
}

// Close drains the connection.
func (p *EventPublisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Drain()
}

// PublishRunCompleted emits a run summary. Publish failures are logged, never
// returned: event delivery must not fail a run that already committed.
func (p *EventPublisher) PublishRunCompleted(ctx context.Context, ev RunCompletedEvent) {
	p.publish(ctx, SubjectRunCompleted, ev)
}

// PublishIndicatorNew emits a first-seen indicator.
func (p *EventPublisher) PublishIndicatorNew(ctx context.Context, ev IndicatorNewEvent) {
	p.publish(ctx, SubjectIndicatorNew, ev)
}

// SubscribeFeedback consumes analyst verdicts from NATS and hands them to fn
// with the publisher's trace context extracted. No-op on a nil publisher.
func (p *EventPublisher) SubscribeFeedback(fn func(ctx context.Context, indicatorID string, valid bool)) error {
	if p == nil || p.nc == nil {
		return nil
	}
	_, err := natsctx.Subscribe(p.nc, SubjectIndicatorFeedback, func(ctx context.Context, m *nats.Msg) {
		p.consumeFeedback(ctx, m.Data, fn)
	})
	return err
}

func (p *EventPublisher) consumeFeedback(ctx context.Context, data []byte, fn func(ctx context.Context, indicatorID string, valid bool)) {
	var ev IndicatorFeedbackEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		p.log.Warn("malformed feedback event", "error", err)
		return
	}
	if ev.IndicatorID == "" {
		p.log.Warn("feedback event without indicator id")
		return
	}
	fn(ctx, ev.IndicatorID, ev.Valid)
}

func (p *EventPublisher) publish(ctx context.Context, subject string, v any) {
	if p == nil || p.nc == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("marshal event", "subject", subject, "error", err)
		return
	}
	if err := natsctx.Publish(ctx, p.nc, subject, data); err != nil {
		p.log.Warn("publish event", "subject", subject, "error", err)
	}
}
