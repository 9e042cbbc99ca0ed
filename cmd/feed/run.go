package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/feedspine/feedspine/pkg/adapter"
	"github.com/feedspine/feedspine/pkg/bronze"
	"github.com/feedspine/feedspine/pkg/change"
	"github.com/feedspine/feedspine/pkg/config"
	"github.com/feedspine/feedspine/pkg/metrics"
	"github.com/feedspine/feedspine/pkg/pipeline"
	"github.com/feedspine/feedspine/pkg/server"
)

var (
	runSource  string
	runOnce    bool
	runBackend string
	runListen  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion pipeline",
	Long: `Run fetches every configured source (or one, with --source), reconciles
the items into the silver layer, and advances checkpoints page by page.

With --once each source runs a single time and the command exits; the exit
code is non-zero when any source failed on an adapter or storage error.
Without --once sources are re-run on their configured intervals until
interrupted, and edits to the sources file are picked up automatically.`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVar(&runSource, "source", "", "Run only the named source")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run each source once and exit")
	runCmd.Flags().StringVar(&runBackend, "backend", "", "Override the configured storage backend (memory, badger, gorm)")
	runCmd.Flags().StringVar(&runListen, "listen", "", "Serve ops endpoints (healthz, metrics, runs) on this address")
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runBackend != "" {
		cfg.Backend.Name = runBackend
	}
	if runListen != "" {
		cfg.Listen = runListen
	}

	sources, err := selectSources(cfg, runSource)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	var bronzeLog *bronze.Log
	if cfg.BronzeDir != "" {
		bronzeLog, err = bronze.NewLog(cfg.BronzeDir)
		if err != nil {
			return err
		}
		defer bronzeLog.Close()
	}

	m := metrics.New()
	history := pipeline.NewHistory(0)
	deps := pipeline.Deps{
		Backend:   backend,
		Adapters:  newAdapterRegistry(),
		Detectors: change.NewRegistry(),
		Client:    adapter.NewClient(adapter.ClientOptions{}),
		Bronze:    bronzeLog,
		Metrics:   m,
		History:   history,
		Logger:    logger,
	}

	if runOnce {
		summaries, err := pipeline.NewRunner(sources, deps).RunAll(ctx)
		printSummaries(summaries)
		return err
	}
	return runForever(ctx, cfg, sources, deps, m, history, logger)
}

// runForever schedules sources on their intervals, serves the ops endpoints
// when configured, and restarts the scheduler when the sources file changes.
func runForever(ctx context.Context, cfg *config.Config, sources []config.Source, deps pipeline.Deps, m *metrics.Metrics, history *pipeline.History, logger *slog.Logger) error {
	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Listen != "" {
		srv := server.New(m, history, logger)
		g.Go(func() error {
			return srv.Run(gCtx, cfg.Listen)
		})
	}

	reloadCh := make(chan *config.Config, 1)
	store, err := config.NewFileStore(configPath)
	if err != nil {
		return err
	}
	if _, _, err := store.Load(gCtx); err != nil {
		return err
	}
	watcher, err := config.NewWatcher(store, func(newCfg *config.Config, version string) {
		pushLatest(reloadCh, newCfg)
	}, logger)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return watcher.Run(gCtx)
	})

	g.Go(func() error {
		for {
			schedCtx, stopSched := context.WithCancel(gCtx)
			sched := pipeline.NewScheduler(sources, deps)
			done := make(chan error, 1)
			go func() { done <- sched.Run(schedCtx) }()

			select {
			case <-gCtx.Done():
				stopSched()
				<-done
				return gCtx.Err()
			case newCfg := <-reloadCh:
				logger.Info("sources changed, restarting scheduler")
				stopSched()
				<-done
				next, err := selectSources(newCfg, runSource)
				if err != nil {
					logger.Warn("reloaded config does not match --source, keeping previous sources", "error", err)
				} else {
					sources = next
				}
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

// pushLatest replaces any pending config on ch so the scheduler always
// restarts with the newest one. The watcher delivers callbacks one at a
// time and is the only sender, so the drain-then-send pair cannot block.
func pushLatest(ch chan *config.Config, cfg *config.Config) {
	select {
	case <-ch:
	default:
	}
	ch <- cfg
}

// selectSources narrows the configured sources to --source when set.
func selectSources(cfg *config.Config, sourceID string) ([]config.Source, error) {
	if sourceID == "" {
		return cfg.Sources, nil
	}
	for _, s := range cfg.Sources {
		if s.SourceID == sourceID {
			return []config.Source{s}, nil
		}
	}
	return nil, fmt.Errorf("source %q is not configured", sourceID)
}

func printSummaries(summaries []*pipeline.Summary) {
	if len(summaries) == 0 {
		return
	}
	if outputFmt != "table" {
		_ = printOutput(summaries)
		return
	}
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, []string{
			s.SourceID,
			string(s.State),
			strconv.Itoa(s.Pages),
			strconv.Itoa(s.Items),
			strconv.Itoa(s.New),
			strconv.Itoa(s.Changed),
			strconv.Itoa(s.Unchanged),
			strconv.Itoa(s.Invalid),
			strconv.Itoa(s.Failed),
			strconv.Itoa(s.Quarantined),
			truncate(s.Err, 60),
		})
	}
	printTable(stdout, []string{"source", "state", "pages", "items", "new", "changed", "unchanged", "invalid", "failed", "quarantined", "error"}, rows)
}
