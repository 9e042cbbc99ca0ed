package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/feedspine/feedspine/pkg/adapter"
	"github.com/feedspine/feedspine/pkg/adapter/index"
	"github.com/feedspine/feedspine/pkg/adapter/rss"
	"github.com/feedspine/feedspine/pkg/config"
	"github.com/feedspine/feedspine/pkg/storage"
	"github.com/feedspine/feedspine/pkg/storage/badgerstore"
	"github.com/feedspine/feedspine/pkg/storage/gormstore"
	"github.com/feedspine/feedspine/pkg/storage/memory"
)

var (
	configPath string
	outputFmt  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "feed",
	Short: "Feed ingestion and deduplication pipeline",
	Long: `feed ingests external sources (RSS feeds, paginated index archives),
normalizes items into canonical records, detects changes against stored
state, and maintains an exactly-one-record-per-key silver layer with a
full append-only sighting trail.

Runs are resumable: per-source checkpoints advance only after a page is
fully reconciled, so an interrupted run continues where it stopped.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "sources.yaml", "Path to the sources config file")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(replayCmd)
}

// newLogger builds the process logger from --log-level.
func newLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads, validates, and env-overrides the sources file.
func loadConfig() (*config.Config, error) {
	store, err := config.NewFileStore(configPath)
	if err != nil {
		return nil, err
	}
	cfg, _, err := store.Load(context.Background())
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// newBackendRegistry wires the built-in storage backends.
func newBackendRegistry(logger *slog.Logger) *storage.Registry {
	r := storage.NewRegistry()
	r.Register("memory", func(_ context.Context, _ storage.Options) (storage.Backend, error) {
		return memory.New(), nil
	})
	r.Register("badger", func(_ context.Context, opts storage.Options) (storage.Backend, error) {
		return badgerstore.Open(badgerstore.Options{Path: opts.Path, SyncWrites: true, Logger: logger})
	})
	r.Register("gorm", func(_ context.Context, opts storage.Options) (storage.Backend, error) {
		return gormstore.Open(opts.DSN)
	})
	return r
}

// openBackend opens the backend the config selects.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, error) {
	reg := newBackendRegistry(logger)
	backend, err := reg.Open(ctx, cfg.Backend.Name, storage.Options{
		Path: cfg.Backend.Path,
		DSN:  cfg.Backend.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open backend %q: %w", cfg.Backend.Name, err)
	}
	return backend, nil
}

// newAdapterRegistry wires the built-in feed adapters.
func newAdapterRegistry() *adapter.Registry {
	r := adapter.NewRegistry()
	r.Register(rss.AdapterType, rss.Factory)
	r.Register(index.AdapterType, index.Factory)
	return r
}
