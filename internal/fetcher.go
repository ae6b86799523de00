package internal

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/feed-aggregator/resilience"
)

// Fetcher is the transport collaborator: bytes in, TransportError out. The
// pipeline never cares how the bytes arrive.
type Fetcher interface {
	Fetch(ctx context.Context, feed FeedDefinition) ([]byte, error)
}

const maxFeedBody = 50 << 20 // 50MB cap per fetch

// HTTPFetcher pulls feed payloads over HTTP with a pooled transport, retries
// with jittered backoff, and a circuit breaker per feed so one dead upstream
// stops burning its retry budget quickly. A global rate limiter bounds
// outbound pressure when many feeds come due at once.
type HTTPFetcher struct {
	client  *http.Client
	limiter *resilience.RateLimiter
	tracer  trace.Tracer

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker

	attempts int
	backoff  time.Duration
}

// NewHTTPFetcher builds a fetcher. client may be nil for pooled defaults.
func NewHTTPFetcher(client *http.Client, attempts int, backoff time.Duration) *HTTPFetcher {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &HTTPFetcher{
		client:   client,
		limiter:  resilience.NewRateLimiter(20, 10, time.Minute, 200),
		tracer:   otel.Tracer("feedagg-fetcher"),
		breakers: make(map[string]*resilience.CircuitBreaker),
		attempts: attempts,
		backoff:  backoff,
	}
}

// Fetch retrieves one feed's raw payload. All failure modes come back as
// *TransportError so the caller can account them against feed health.
func (f *HTTPFetcher) Fetch(ctx context.Context, feed FeedDefinition) ([]byte, error) {
	ctx, span := f.tracer.Start(ctx, "feed.fetch",
		trace.WithAttributes(
			attribute.String("feed", feed.ID),
			attribute.String("url", feed.URL),
		),
	)
	defer span.End()

	if !f.limiter.Allow() {
		return nil, &TransportError{FeedID: feed.ID, Err: fmt.Errorf("outbound fetch rate exceeded")}
	}
	br := f.breakerFor(feed.ID)
	if !br.Allow() {
		return nil, &TransportError{FeedID: feed.ID, Err: fmt.Errorf("circuit open for feed endpoint")}
	}

	body, err := resilience.Retry(ctx, f.attempts, f.backoff, func() ([]byte, error) {
		return f.fetchOnce(ctx, feed)
	})
	br.RecordResult(err == nil)
	if err != nil {
		return nil, &TransportError{FeedID: feed.ID, Err: err}
	}
	return body, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, feed FeedDefinition) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", "feed-aggregator/1.0")
	applyAuth(req, feed.Auth)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", feed.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("auth failed: %d (check credential for %s)", resp.StatusCode, feed.ID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch failed: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxFeedBody {
		return nil, fmt.Errorf("payload exceeds %d byte cap", maxFeedBody)
	}
	return body, nil
}

func (f *HTTPFetcher) breakerFor(feedID string) *resilience.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	br, ok := f.breakers[feedID]
	if !ok {
		br = resilience.NewCircuitBreaker(2*time.Minute, 12, 4, 0.6, 30*time.Second, 2)
		f.breakers[feedID] = br
	}
	return br
}

func applyAuth(req *http.Request, auth AuthDescriptor) {
	switch auth.Kind {
	case "api_key":
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, auth.Credential)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Credential)
	case "basic":
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth.Credential)))
	}
}
