package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feedspine/feedspine/pkg/adapter"
	"github.com/feedspine/feedspine/pkg/bronze"
	"github.com/feedspine/feedspine/pkg/change"
	"github.com/feedspine/feedspine/pkg/config"
	"github.com/feedspine/feedspine/pkg/dedup"
	"github.com/feedspine/feedspine/pkg/metrics"
	"github.com/feedspine/feedspine/pkg/storage"
)

// Deps is the shared infrastructure orchestrators are assembled from.
type Deps struct {
	Backend   storage.Backend
	Adapters  *adapter.Registry
	Detectors *change.Registry
	Client    *adapter.Client
	Bronze    *bronze.Log
	Metrics   *metrics.Metrics
	History   *History
	Logger    *slog.Logger
}

// BuildOrchestrator wires one configured source against the shared deps.
func BuildOrchestrator(src config.Source, deps Deps) (*Orchestrator, error) {
	a, err := deps.Adapters.Open(src.AdapterType, adapter.Config{
		SourceID:   src.SourceID,
		URL:        src.URL,
		PageSize:   src.PageSize,
		Properties: src.Properties,
	}, deps.Client)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", src.SourceID, err)
	}
	det, err := deps.Detectors.New(src.Strategy, change.Params{
		CompareFields:  src.CompareFields,
		FuzzyThreshold: src.FuzzyThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", src.SourceID, err)
	}
	d := dedup.New(deps.Backend, det, deps.Logger)
	return NewOrchestrator(src, a, deps.Backend, d, deps.Bronze, deps.Metrics, deps.Logger), nil
}

// Runner drives a set of sources, one goroutine per source. Sources are
// independent; one source failing never stops the others.
type Runner struct {
	sources []config.Source
	deps    Deps
	logger  *slog.Logger
}

func NewRunner(sources []config.Source, deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{sources: sources, deps: deps, logger: logger}
}

// RunAll executes one run per source and returns every summary, in config
// order. The error is non-nil when any run failed.
func (r *Runner) RunAll(ctx context.Context) ([]*Summary, error) {
	summaries := make([]*Summary, len(r.sources))
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	for i, src := range r.sources {
		g.Go(func() error {
			o, err := BuildOrchestrator(src, r.deps)
			if err != nil {
				mu.Lock()
				summaries[i] = &Summary{SourceID: src.SourceID, State: StateFailed, Err: err.Error()}
				mu.Unlock()
				return nil
			}
			sum, err := o.Run(gCtx)
			if err != nil {
				r.logger.Error("run failed", "sourceID", src.SourceID, "error", err)
			}
			if r.deps.History != nil {
				r.deps.History.Add(sum)
			}
			mu.Lock()
			summaries[i] = sum
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, sum := range summaries {
		if sum.State == StateFailed {
			return summaries, fmt.Errorf("source %q failed: %s", sum.SourceID, sum.Err)
		}
	}
	return summaries, nil
}

// Scheduler re-runs every source on its configured interval until the context
// is cancelled. Each source ticks independently.
type Scheduler struct {
	sources []config.Source
	deps    Deps
	logger  *slog.Logger
}

func NewScheduler(sources []config.Source, deps Deps) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{sources: sources, deps: deps, logger: logger}
}

// Run blocks until ctx is cancelled. Every source runs once immediately, then
// on its interval. A failed run is logged and retried at the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, src := range s.sources {
		g.Go(func() error {
			return s.runSource(gCtx, src)
		})
	}
	return g.Wait()
}

func (s *Scheduler) runSource(ctx context.Context, src config.Source) error {
	o, err := BuildOrchestrator(src, s.deps)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(src.Interval.Std())
	defer ticker.Stop()

	for {
		sum, err := o.Run(ctx)
		if err != nil {
			s.logger.Error("scheduled run failed, retrying next interval",
				"sourceID", src.SourceID, "error", err)
		}
		if s.deps.History != nil {
			s.deps.History.Add(sum)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
