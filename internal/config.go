package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration, environment-driven.
type Config struct {
	HTTPAddr     string `env:"FEEDAGG_HTTP_ADDR" envDefault:":8084"`
	DBPath       string `env:"FEEDAGG_DB_PATH" envDefault:"feedagg.db"`
	NATSURL      string `env:"FEEDAGG_NATS_URL"`
	FeedSeedPath string `env:"FEEDAGG_FEED_FILE"`

	Workers       int           `env:"FEEDAGG_WORKERS" envDefault:"4"`
	RunTimeout    time.Duration `env:"FEEDAGG_RUN_TIMEOUT" envDefault:"5m"`
	MaxRetries    int           `env:"FEEDAGG_MAX_RETRIES" envDefault:"3"`
	FetchAttempts int           `env:"FEEDAGG_FETCH_ATTEMPTS" envDefault:"3"`

	MergeStrategy  MergeStrategy `env:"FEEDAGG_MERGE_STRATEGY" envDefault:"highest_confidence"`
	CrossFeedDedup bool          `env:"FEEDAGG_CROSS_FEED_DEDUP" envDefault:"true"`
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	switch cfg.MergeStrategy {
	case MergeHighestConfidence, MergeLatest, MergeManual:
	default:
		return cfg, fmt.Errorf("unknown merge strategy %q", cfg.MergeStrategy)
	}
	return cfg, nil
}

// feedSeedFile is the on-disk shape of the feed seed document.
type feedSeedFile struct {
	Feeds []FeedDefinition `yaml:"feeds"`
}

// LoadFeedSeed reads feed definitions from a YAML file. Feeds without an ID
// are rejected: seeded feeds must have stable IDs so reloads update rather
// than duplicate them.
func LoadFeedSeed(path string) ([]FeedDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feed seed: %w", err)
	}
	var doc feedSeedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse feed seed: %w", err)
	}
	for i, fd := range doc.Feeds {
		if fd.ID == "" {
			return nil, fmt.Errorf("feed %d (%q): id is required in seed files", i, fd.Name)
		}
		if fd.URL == "" {
			return nil, fmt.Errorf("feed %s: url is required", fd.ID)
		}
	}
	return doc.Feeds, nil
}

// WatchFeedSeed reloads the seed file whenever it changes and hands the new
// definitions to apply. The watch runs until ctx is cancelled. A reload that
// fails to parse keeps the previous definitions and logs the problem.
func WatchFeedSeed(ctx context.Context, path string, log *slog.Logger, apply func([]FeedDefinition)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// watch the directory: editors replace files, which drops file watches
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				feeds, err := LoadFeedSeed(path)
				if err != nil {
					log.Warn("feed seed reload failed, keeping previous", "path", path, "error", err)
					continue
				}
				log.Info("feed seed reloaded", "path", path, "feeds", len(feeds))
				apply(feeds)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("feed seed watcher error", "error", err)
			}
		}
	}()
	return nil
}
