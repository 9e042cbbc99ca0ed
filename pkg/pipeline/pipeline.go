// Package pipeline drives ingestion end to end: fetch pages from an adapter,
// log raw payloads, normalize, reconcile through the deduplicator, and
// advance the source checkpoint once a page is fully durable.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/feedspine/feedspine/pkg/adapter"
	"github.com/feedspine/feedspine/pkg/bronze"
	"github.com/feedspine/feedspine/pkg/config"
	"github.com/feedspine/feedspine/pkg/dedup"
	"github.com/feedspine/feedspine/pkg/feed"
	"github.com/feedspine/feedspine/pkg/metrics"
	"github.com/feedspine/feedspine/pkg/storage"
)

// State is the orchestrator's phase within one run.
type State string

const (
	StateIdle                State = "IDLE"
	StateFetching            State = "FETCHING"
	StateNormalizing         State = "NORMALIZING"
	StateReconciling         State = "RECONCILING"
	StateCheckpointAdvancing State = "CHECKPOINT_ADVANCING"
	StateFailed              State = "FAILED"
)

// Summary is the outcome of one run of one source.
type Summary struct {
	RunID      string    `json:"runId"`
	SourceID   string    `json:"sourceId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	Pages       int `json:"pages"`
	Items       int `json:"items"`
	New         int `json:"new"`
	Changed     int `json:"changed"`
	Unchanged   int `json:"unchanged"`
	Invalid     int `json:"invalid"`
	Failed      int `json:"failed"`
	Quarantined int `json:"quarantined"`

	State State  `json:"state"`
	Err   string `json:"error,omitempty"`
}

// Orchestrator runs the pipeline for one configured source.
type Orchestrator struct {
	src     config.Source
	adapter adapter.Adapter
	backend storage.Backend
	dedup   *dedup.Deduplicator
	bronze  *bronze.Log
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewOrchestrator wires one source. bronzeLog and m may be nil to disable
// raw-payload logging and instrumentation.
func NewOrchestrator(src config.Source, a adapter.Adapter, backend storage.Backend, d *dedup.Deduplicator, bronzeLog *bronze.Log, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		src:     src,
		adapter: a,
		backend: backend,
		dedup:   d,
		bronze:  bronzeLog,
		metrics: m,
		logger:  logger.With("sourceID", src.SourceID),
		now:     time.Now,
	}
}

// Run executes one full run: pages are processed until the adapter reports no
// more, a budget is reached, or the context is cancelled. The returned
// summary is always non-nil; a non-nil error means the run failed and the
// checkpoint was not advanced past the last durable page.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{
		RunID:     uuid.New().String(),
		SourceID:  o.src.SourceID,
		StartedAt: o.now().UTC(),
		State:     StateIdle,
	}

	err := o.run(ctx, sum)
	sum.FinishedAt = o.now().UTC()
	if err != nil {
		sum.State = StateFailed
		sum.Err = err.Error()
	} else {
		sum.State = StateIdle
	}

	if o.metrics != nil {
		outcome := "succeeded"
		if err != nil {
			outcome = "failed"
		}
		o.metrics.Runs.WithLabelValues(o.src.SourceID, outcome).Inc()
		o.metrics.RunDuration.WithLabelValues(o.src.SourceID).Observe(sum.FinishedAt.Sub(sum.StartedAt).Seconds())
	}

	o.logger.Info("run finished",
		"runID", sum.RunID, "state", string(sum.State),
		"pages", sum.Pages, "items", sum.Items,
		"new", sum.New, "changed", sum.Changed, "unchanged", sum.Unchanged,
		"invalid", sum.Invalid, "failed", sum.Failed, "quarantined", sum.Quarantined)
	return sum, err
}

func (o *Orchestrator) run(ctx context.Context, sum *Summary) error {
	cp, err := o.backend.GetCheckpoint(ctx, o.src.SourceID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	for {
		// Cancellation between pages: already-advanced checkpoints stay
		// durable, the next run resumes from them.
		if err := ctx.Err(); err != nil {
			return err
		}
		if sum.Pages >= o.src.PageBudget || sum.Items >= o.src.ItemBudget {
			o.logger.Info("run budget reached", "pages", sum.Pages, "items", sum.Items)
			return nil
		}

		sum.State = StateFetching
		res, err := o.adapter.Fetch(ctx, cp)
		if err != nil {
			return fmt.Errorf("fetch page: %w", err)
		}
		sum.Pages++
		sum.Items += len(res.Items)
		if o.metrics != nil {
			o.metrics.Pages.WithLabelValues(o.src.SourceID).Inc()
		}

		if o.bronze != nil {
			for _, raw := range res.Items {
				if err := o.bronze.Append(ctx, raw); err != nil {
					o.logger.Warn("bronze append failed", "itemID", raw.ItemID, "error", err)
				}
			}
		}

		if err := o.processPage(ctx, res.Items, sum); err != nil {
			return err
		}

		sum.State = StateCheckpointAdvancing
		next := res.Checkpoint
		next.UpdatedAt = o.now().UTC()
		if err := o.backend.PutCheckpoint(ctx, next); err != nil {
			return fmt.Errorf("advance checkpoint: %w", err)
		}
		cp = &next
		if o.metrics != nil {
			o.metrics.CheckpointAge.WithLabelValues(o.src.SourceID).Set(0)
		}

		if !res.HasMore {
			return nil
		}
	}
}

// processPage normalizes and reconciles one page. Reconciliation runs on a
// bounded worker pool; item-level failures (invalid, quarantined) are counted
// and never abort the page, storage failures do.
func (o *Orchestrator) processPage(ctx context.Context, items []feed.RawItem, sum *Summary) error {
	sum.State = StateNormalizing

	var newCount, changed, unchanged, invalid, failed, quarantined atomic.Int64

	candCh := make(chan *feed.RecordCandidate, o.src.InFlight)
	g, gCtx := errgroup.WithContext(ctx)

	for i := 0; i < o.src.InFlight; i++ {
		g.Go(func() error {
			for cand := range candCh {
				_, sighting, err := o.dedup.Reconcile(gCtx, cand, o.src.SourceID)
				if err != nil {
					var qerr *dedup.QuarantineError
					if errors.As(err, &qerr) {
						quarantined.Add(1)
						o.logger.Warn("item quarantined", "naturalKey", cand.NaturalKey, "error", err)
						continue
					}
					// Storage outage; the item is counted as failed and the
					// run aborts without advancing past the current page.
					failed.Add(1)
					return err
				}
				switch sighting.Classification {
				case feed.ClassificationNew:
					newCount.Add(1)
				case feed.ClassificationChanged:
					changed.Add(1)
				case feed.ClassificationUnchanged:
					unchanged.Add(1)
				}
				if o.metrics != nil {
					o.metrics.Items.WithLabelValues(o.src.SourceID, string(sighting.Classification)).Inc()
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(candCh)
		for _, raw := range items {
			cand, err := Normalize(raw, o.src)
			if err != nil {
				return fmt.Errorf("normalize item %s: %w", raw.ItemID, err)
			}
			if cand == nil {
				invalid.Add(1)
				o.logger.Warn("dropping invalid item", "itemID", raw.ItemID)
				continue
			}
			select {
			case candCh <- cand:
			case <-gCtx.Done():
				return gCtx.Err()
			}
		}
		return nil
	})

	sum.State = StateReconciling
	err := g.Wait()

	sum.New += int(newCount.Load())
	sum.Changed += int(changed.Load())
	sum.Unchanged += int(unchanged.Load())
	sum.Invalid += int(invalid.Load())
	sum.Failed += int(failed.Load())
	sum.Quarantined += int(quarantined.Load())
	if o.metrics != nil {
		if n := invalid.Load(); n > 0 {
			o.metrics.Invalid.WithLabelValues(o.src.SourceID).Add(float64(n))
		}
		if n := quarantined.Load(); n > 0 {
			o.metrics.Quarantined.WithLabelValues(o.src.SourceID).Add(float64(n))
		}
	}
	return err
}
