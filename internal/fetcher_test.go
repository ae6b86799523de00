package internal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPFetcherSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("evil.com\n"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), 1, time.Millisecond)
	feed := FeedDefinition{
		ID:   "f1",
		URL:  srv.URL,
		Auth: AuthDescriptor{Kind: "api_key", Credential: "secret"},
	}
	body, err := f.Fetch(context.Background(), feed)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if string(body) != "evil.com\n" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHTTPFetcherAuthFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), 1, time.Millisecond)
	_, err := f.Fetch(context.Background(), FeedDefinition{ID: "f1", URL: srv.URL})
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if terr.FeedID != "f1" {
		t.Errorf("error should carry feed id, got %q", terr.FeedID)
	}
}

func TestHTTPFetcherRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("1.2.3.4\n"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), 3, time.Millisecond)
	body, err := f.Fetch(context.Background(), FeedDefinition{ID: "f1", URL: srv.URL})
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if string(body) != "1.2.3.4\n" {
		t.Fatalf("unexpected body %q", body)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestHTTPFetcherBearerAuthHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("{}"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), 1, time.Millisecond)
	_, _ = f.Fetch(context.Background(), FeedDefinition{
		ID:   "f1",
		URL:  srv.URL,
		Auth: AuthDescriptor{Kind: "bearer", Credential: "tok"},
	})
	if got != "Bearer tok" {
		t.Fatalf("bearer credential not injected, got %q", got)
	}
}
