package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/swarmguard/feed-aggregator/internal"
	"github.com/swarmguard/feed-aggregator/logging"
	"github.com/swarmguard/feed-aggregator/otelinit"
)

func main() {
	service := "feed-aggregator"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics := otelinit.InitMetrics(ctx, service)

	cfg, err := internal.LoadConfig()
	if err != nil {
		slog.Error("configuration", "error", err)
		return
	}

	store, err := internal.NewStore(cfg.DBPath)
	if err != nil {
		slog.Error("open store", "path", cfg.DBPath, "error", err)
		return
	}
	defer store.Close()

	events, err := internal.NewEventPublisher(cfg.NATSURL, slog.Default())
	if err != nil {
		slog.Error("connect nats", "url", cfg.NATSURL, "error", err)
		return
	}
	defer events.Close()

	fetcher := internal.NewHTTPFetcher(nil, cfg.FetchAttempts, time.Second)
	agg := internal.NewAggregator(store, fetcher, events, slog.Default(), internal.AggregatorOptions{
		Workers:       cfg.Workers,
		RunTimeout:    cfg.RunTimeout,
		MaxRetries:    cfg.MaxRetries,
		MergeStrategy: cfg.MergeStrategy,
		CrossFeed:     cfg.CrossFeedDedup,
	})

	if cfg.FeedSeedPath != "" {
		seedFeeds(ctx, agg, cfg.FeedSeedPath)
	}

	err = events.SubscribeFeedback(func(ctx context.Context, indicatorID string, valid bool) {
		if err := agg.RecordFeedback(ctx, indicatorID, valid); err != nil {
			slog.Warn("feedback event rejected", "indicator", indicatorID, "error", err)
		}
	})
	if err != nil {
		slog.Warn("feedback subscription unavailable", "error", err)
	}

	if err := agg.Start(ctx); err != nil {
		slog.Error("start aggregator", "error", err)
		return
	}

	// expiry sweep
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := store.ExpireIndicators(context.Background(), time.Now()); err != nil {
					slog.Error("expire indicators", "error", err)
				} else if n > 0 {
					slog.Info("indicators expired", "count", n)
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/feeds", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var fd internal.FeedDefinition
			if err := json.NewDecoder(r.Body).Decode(&fd); err != nil {
				httpError(w, http.StatusBadRequest, err)
				return
			}
			created, err := agg.AddFeed(r.Context(), fd)
			if err != nil {
				httpError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusCreated, created)
		case http.MethodGet:
			writeJSON(w, http.StatusOK, store.ListFeeds())
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/v1/feeds/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v1/feeds/")
		feedID, action, _ := strings.Cut(rest, "/")
		if feedID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch {
		case action == "" && r.Method == http.MethodGet:
			fd, ok := store.GetFeed(feedID)
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, fd)
		case action == "" && r.Method == http.MethodPut:
			var fd internal.FeedDefinition
			if err := json.NewDecoder(r.Body).Decode(&fd); err != nil {
				httpError(w, http.StatusBadRequest, err)
				return
			}
			fd.ID = feedID
			updated, err := agg.AddFeed(r.Context(), fd)
			if err != nil {
				httpError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, updated)
		case action == "" && r.Method == http.MethodDelete:
			if err := agg.RemoveFeed(r.Context(), feedID); err != nil {
				httpError(w, http.StatusNotFound, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case action == "test" && r.Method == http.MethodPost:
			result, err := agg.TestFeed(r.Context(), feedID)
			if err != nil {
				httpError(w, http.StatusNotFound, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
		case action == "run" && r.Method == http.MethodPost:
			rec, err := agg.ForceRun(r.Context(), feedID)
			if err != nil {
				httpError(w, http.StatusConflict, err)
				return
			}
			writeJSON(w, http.StatusOK, rec)
		case action == "health" && r.Method == http.MethodGet:
			h, err := agg.Health(r.Context(), feedID)
			if err != nil {
				httpError(w, http.StatusNotFound, err)
				return
			}
			writeJSON(w, http.StatusOK, h)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		stats, err := store.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})
	mux.HandleFunc("/v1/indicators/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v1/indicators/")
		id, action, _ := strings.Cut(rest, "/")
		if id == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch {
		case action == "feedback" && r.Method == http.MethodPost:
			var body struct {
				Assessment string `json:"assessment"` // valid|false_positive
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				httpError(w, http.StatusBadRequest, err)
				return
			}
			var valid bool
			switch body.Assessment {
			case "valid":
				valid = true
			case "false_positive":
			default:
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if err := agg.RecordFeedback(r.Context(), id, valid); err != nil {
				httpError(w, http.StatusNotFound, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case action == "" && r.Method == http.MethodGet:
			// id is a normalized indicator value here
			found, err := store.FindByNormalized(r.Context(), id)
			if err != nil {
				httpError(w, http.StatusInternalServerError, err)
				return
			}
			if len(found) == 0 {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, found)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("service started", "addr", cfg.HTTPAddr, "feeds", len(store.ListFeeds()))
	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	if err := agg.Stop(ctxSd); err != nil {
		slog.Warn("aggregator stop", "error", err)
	}
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

// seedFeeds loads the feed seed file, registers its feeds, and keeps watching
// for edits.
func seedFeeds(ctx context.Context, agg *internal.Aggregator, path string) {
	apply := func(feeds []internal.FeedDefinition) {
		for _, fd := range feeds {
			if _, err := agg.AddFeed(ctx, fd); err != nil {
				slog.Warn("seed feed rejected", "feed", fd.ID, "error", err)
			}
		}
	}
	feeds, err := internal.LoadFeedSeed(path)
	if err != nil {
		slog.Error("load feed seed", "path", path, "error", err)
	} else {
		apply(feeds)
	}
	if err := internal.WatchFeedSeed(ctx, path, slog.Default(), apply); err != nil {
		slog.Warn("feed seed watch disabled", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
