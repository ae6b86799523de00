package internal

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":8084" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.RunTimeout != 5*time.Minute {
		t.Errorf("RunTimeout = %v", cfg.RunTimeout)
	}
	if cfg.MergeStrategy != MergeHighestConfidence {
		t.Errorf("MergeStrategy = %q", cfg.MergeStrategy)
	}
	if !cfg.CrossFeedDedup {
		t.Error("CrossFeedDedup should default on")
	}
}

func TestLoadConfigOverridesAndValidation(t *testing.T) {
	t.Setenv("FEEDAGG_MERGE_STRATEGY", "latest")
	t.Setenv("FEEDAGG_WORKERS", "8")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MergeStrategy != MergeLatest || cfg.Workers != 8 {
		t.Errorf("cfg = %+v", cfg)
	}

	t.Setenv("FEEDAGG_MERGE_STRATEGY", "bogus")
	if _, err := LoadConfig(); err == nil {
		t.Error("bogus merge strategy should be rejected")
	}
}

const seedDoc = `feeds:
  - id: abuse-ips
    name: Abuse IP blocklist
    category: open_source
    format: txt
    url: https://feeds.example.com/ips.txt
    enabled: true
    schedule:
      frequency: hourly
  - id: vendor-json
    name: Vendor indicators
    category: commercial
    format: json
    url: https://api.vendor.example.com/v1/indicators
    enabled: true
    auth:
      kind: api_key
      header: X-API-Key
      credential: secret
    fields:
      value_field: indicator
      confidence_field: score
    schedule:
      frequency: custom
      interval_minutes: 30
`

func TestLoadFeedSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeds.yaml")
	if err := os.WriteFile(path, []byte(seedDoc), 0o600); err != nil {
		t.Fatal(err)
	}

	feeds, err := LoadFeedSeed(path)
	if err != nil {
		t.Fatalf("LoadFeedSeed: %v", err)
	}
	if len(feeds) != 2 {
		t.Fatalf("feeds = %d, want 2", len(feeds))
	}
	if feeds[0].Format != FormatTXT || feeds[0].Schedule.Frequency != FreqHourly {
		t.Errorf("first feed = %+v", feeds[0])
	}
	if feeds[1].Auth.Kind != "api_key" || feeds[1].Fields.ValueField != "indicator" {
		t.Errorf("second feed = %+v", feeds[1])
	}
	if feeds[1].Schedule.IntervalMinutes != 30 {
		t.Errorf("interval = %d", feeds[1].Schedule.IntervalMinutes)
	}
}

func TestLoadFeedSeedRejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeds.yaml")
	doc := "feeds:\n  - name: anon\n    url: https://x\n    format: txt\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFeedSeed(path); err == nil {
		t.Error("seed feed without id should be rejected")
	}
}

func TestWatchFeedSeedReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feeds.yaml")
	if err := os.WriteFile(path, []byte(seedDoc), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	applied := make(chan []FeedDefinition, 1)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := WatchFeedSeed(ctx, path, log, func(feeds []FeedDefinition) {
		select {
		case applied <- feeds:
		default:
		}
	})
	if err != nil {
		t.Fatalf("WatchFeedSeed: %v", err)
	}

	updated := seedDoc + `  - id: extra
    name: Extra feed
    format: csv
    url: https://feeds.example.com/extra.csv
    enabled: false
    schedule:
      frequency: daily
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case feeds := <-applied:
		if len(feeds) != 3 {
			t.Errorf("reloaded feeds = %d, want 3", len(feeds))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload not observed")
	}
}
