package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedspine/feedspine/pkg/adapter"
	"github.com/feedspine/feedspine/pkg/change"
	"github.com/feedspine/feedspine/pkg/config"
	"github.com/feedspine/feedspine/pkg/dedup"
	"github.com/feedspine/feedspine/pkg/feed"
	"github.com/feedspine/feedspine/pkg/storage"
	"github.com/feedspine/feedspine/pkg/storage/memory"
)

// fakeAdapter serves canned pages keyed by a numeric cursor, like the index
// adapter does.
type fakeAdapter struct {
	sourceID string
	pages    [][]feed.RawItem
	failAt   int             // 1-based page number whose fetch fails; 0 = never
	onFetch  func(page int)  // called before serving each page
	fetches  int
}

func (f *fakeAdapter) Fetch(ctx context.Context, cp *feed.Checkpoint) (*adapter.FetchResult, error) {
	page := 1
	if cp != nil && cp.Cursor != "" {
		n, err := strconv.Atoi(cp.Cursor)
		if err == nil {
			page = n
		}
	}
	f.fetches++
	if f.onFetch != nil {
		f.onFetch(page)
	}
	if f.failAt != 0 && page == f.failAt {
		return nil, fmt.Errorf("page %d: upstream unavailable", page)
	}
	if page > len(f.pages) {
		return &adapter.FetchResult{
			Checkpoint: feed.Checkpoint{SourceID: f.sourceID, Cursor: strconv.Itoa(page)},
		}, nil
	}
	return &adapter.FetchResult{
		Items:      f.pages[page-1],
		Checkpoint: feed.Checkpoint{SourceID: f.sourceID, Cursor: strconv.Itoa(page + 1)},
		HasMore:    page < len(f.pages),
	}, nil
}

func rawItem(id, title string) feed.RawItem {
	return feed.RawItem{SourceID: "src-1", ItemID: id, Fields: map[string]any{"title": title}}
}

func pipelineSource() config.Source {
	return config.Source{
		SourceID:   "src-1",
		Region:     "US",
		RecordType: "article",
		Strategy:   "hash",
		PageBudget: 10,
		ItemBudget: 1000,
		InFlight:   4,
	}
}

func newTestOrchestrator(src config.Source, a adapter.Adapter, backend storage.Backend) *Orchestrator {
	d := dedup.New(backend, change.NewHashDetector(), nil)
	return NewOrchestrator(src, a, backend, d, nil, nil, nil)
}

func TestRunProcessesAllPages(t *testing.T) {
	backend := memory.New()
	fa := &fakeAdapter{sourceID: "src-1", pages: [][]feed.RawItem{
		{rawItem("a", "A"), rawItem("b", "B")},
		{rawItem("c", "C")},
	}}
	o := newTestOrchestrator(pipelineSource(), fa, backend)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, sum.State)
	assert.Equal(t, 2, sum.Pages)
	assert.Equal(t, 3, sum.Items)
	assert.Equal(t, 3, sum.New)
	assert.Zero(t, sum.Invalid)
	assert.NotEmpty(t, sum.RunID)

	cp, err := backend.GetCheckpoint(context.Background(), "src-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "3", cp.Cursor)
}

func TestRunClassifiesAgainstPriorState(t *testing.T) {
	backend := memory.New()
	first := &fakeAdapter{sourceID: "src-1", pages: [][]feed.RawItem{
		{rawItem("a", "A"), rawItem("b", "B")},
	}}
	src := pipelineSource()
	_, err := newTestOrchestrator(src, first, backend).Run(context.Background())
	require.NoError(t, err)

	// Second run from a fresh feed snapshot: a unchanged, b changed, d new.
	second := &fakeAdapter{sourceID: "src-1", pages: [][]feed.RawItem{
		{rawItem("a", "A"), rawItem("b", "B2"), rawItem("d", "D")},
	}}
	sum, err := newTestOrchestrator(src, second, backend).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.New)
	assert.Equal(t, 1, sum.Changed)
	assert.Equal(t, 1, sum.Unchanged)
}

func TestRunFetchFailureLeavesCheckpointAtLastDurablePage(t *testing.T) {
	backend := memory.New()
	fa := &fakeAdapter{
		sourceID: "src-1",
		pages: [][]feed.RawItem{
			{rawItem("a", "A")},
			{rawItem("b", "B")},
		},
		failAt: 2,
	}
	o := newTestOrchestrator(pipelineSource(), fa, backend)

	sum, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, sum.State)
	assert.Contains(t, sum.Err, "upstream unavailable")

	// Page 1 is durable: records persisted, checkpoint advanced past it.
	cp, err := backend.GetCheckpoint(context.Background(), "src-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "2", cp.Cursor)

	rec, err := backend.GetRecord(context.Background(), "US", "article", "a")
	require.NoError(t, err)
	require.NotNil(t, rec)

	// A resumed run continues at page 2 and never re-fetches page 1.
	fa.failAt = 0
	var pagesSeen []int
	fa.onFetch = func(page int) { pagesSeen = append(pagesSeen, page) }
	sum, err = o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2}, pagesSeen)
	assert.Equal(t, 1, sum.New)

	recA, err := backend.GetRecord(context.Background(), "US", "article", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), recA.Version, "page 1 records not re-reconciled")
}

func TestRunHonorsPageBudget(t *testing.T) {
	backend := memory.New()
	fa := &fakeAdapter{sourceID: "src-1", pages: [][]feed.RawItem{
		{rawItem("a", "A")},
		{rawItem("b", "B")},
		{rawItem("c", "C")},
	}}
	src := pipelineSource()
	src.PageBudget = 2
	sum, err := newTestOrchestrator(src, fa, backend).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Pages)
	assert.Equal(t, 2, fa.fetches)

	// The checkpoint points at page 3; the next run picks up there.
	cp, err := backend.GetCheckpoint(context.Background(), "src-1")
	require.NoError(t, err)
	assert.Equal(t, "3", cp.Cursor)
}

func TestRunHonorsItemBudget(t *testing.T) {
	backend := memory.New()
	fa := &fakeAdapter{sourceID: "src-1", pages: [][]feed.RawItem{
		{rawItem("a", "A"), rawItem("b", "B")},
		{rawItem("c", "C")},
	}}
	src := pipelineSource()
	src.ItemBudget = 2
	sum, err := newTestOrchestrator(src, fa, backend).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Pages, "budget reached after the first page")
	assert.Equal(t, 2, sum.Items)
}

func TestRunCancellationBetweenPages(t *testing.T) {
	backend := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	fa := &fakeAdapter{
		sourceID: "src-1",
		pages: [][]feed.RawItem{
			{rawItem("a", "A")},
			{rawItem("b", "B")},
		},
	}
	fa.onFetch = func(page int) {
		if page == 1 {
			cancel() // cancel while the first page is in flight
		}
	}
	o := newTestOrchestrator(pipelineSource(), fa, backend)

	sum, err := o.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || sum.State == StateFailed)

	// Whatever was made durable before cancellation stays durable.
	cp, err := backend.GetCheckpoint(context.Background(), "src-1")
	require.NoError(t, err)
	if cp != nil {
		assert.Equal(t, "2", cp.Cursor)
	}
}

func TestRunCountsInvalidItems(t *testing.T) {
	backend := memory.New()
	fa := &fakeAdapter{sourceID: "src-1", pages: [][]feed.RawItem{
		{rawItem("a", "A"), {SourceID: "src-1", ItemID: "", Fields: map[string]any{"title": "no id"}}},
	}}
	sum, err := newTestOrchestrator(pipelineSource(), fa, backend).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.New)
	assert.Equal(t, 1, sum.Invalid)
}

// conflictingBackend forces every upsert into a version conflict.
type conflictingBackend struct {
	storage.Backend
}

func (c *conflictingBackend) UpsertRecord(ctx context.Context, rec feed.Record, prevVersion int64) (*feed.Record, error) {
	return nil, storage.ErrVersionConflict
}

func TestRunQuarantineDoesNotFailRun(t *testing.T) {
	backend := &conflictingBackend{Backend: memory.New()}
	fa := &fakeAdapter{sourceID: "src-1", pages: [][]feed.RawItem{
		{rawItem("a", "A")},
	}}
	sum, err := newTestOrchestrator(pipelineSource(), fa, backend).Run(context.Background())
	require.NoError(t, err, "quarantine is item-level")
	assert.Equal(t, 1, sum.Quarantined)
	assert.Equal(t, StateIdle, sum.State)
}

// outageBackend fails every record write with a non-conflict error.
type outageBackend struct {
	storage.Backend
}

func (b *outageBackend) UpsertRecord(ctx context.Context, rec feed.Record, prevVersion int64) (*feed.Record, error) {
	return nil, errors.New("connection refused")
}

func TestRunReconcileOutageCountsFailedAndFailsRun(t *testing.T) {
	backend := &outageBackend{Backend: memory.New()}
	fa := &fakeAdapter{sourceID: "src-1", pages: [][]feed.RawItem{
		{rawItem("a", "A")},
	}}
	sum, err := newTestOrchestrator(pipelineSource(), fa, backend).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, sum.State)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, sum.Quarantined)

	cp, err := backend.GetCheckpoint(context.Background(), "src-1")
	require.NoError(t, err)
	assert.Nil(t, cp, "checkpoint must not advance past the failed page")
}

// brokenBackend fails checkpoint writes.
type brokenBackend struct {
	storage.Backend
}

func (b *brokenBackend) PutCheckpoint(ctx context.Context, cp feed.Checkpoint) error {
	return errors.New("disk full")
}

func TestRunStorageOutageFailsRun(t *testing.T) {
	backend := &brokenBackend{Backend: memory.New()}
	fa := &fakeAdapter{sourceID: "src-1", pages: [][]feed.RawItem{
		{rawItem("a", "A")},
	}}
	sum, err := newTestOrchestrator(pipelineSource(), fa, backend).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, sum.State)
	assert.Contains(t, sum.Err, "disk full")
}

func registryWith(fa adapter.Adapter) *adapter.Registry {
	reg := adapter.NewRegistry()
	reg.Register("fake", func(cfg adapter.Config, _ *adapter.Client) (adapter.Adapter, error) {
		return fa, nil
	})
	return reg
}

func TestRunnerRunsAllSourcesIndependently(t *testing.T) {
	backend := memory.New()
	good := &fakeAdapter{sourceID: "s-good", pages: [][]feed.RawItem{{rawItem("a", "A")}}}
	bad := &fakeAdapter{sourceID: "s-bad", failAt: 1, pages: [][]feed.RawItem{{rawItem("b", "B")}}}

	reg := adapter.NewRegistry()
	reg.Register("fake", func(cfg adapter.Config, _ *adapter.Client) (adapter.Adapter, error) {
		if cfg.SourceID == "s-good" {
			return good, nil
		}
		return bad, nil
	})

	mk := func(id string) config.Source {
		s := pipelineSource()
		s.SourceID = id
		s.AdapterType = "fake"
		s.URL = "https://example.com"
		return s
	}
	history := NewHistory(10)
	runner := NewRunner([]config.Source{mk("s-good"), mk("s-bad")}, Deps{
		Backend:   backend,
		Adapters:  reg,
		Detectors: change.NewRegistry(),
		History:   history,
	})

	summaries, err := runner.RunAll(context.Background())
	require.Error(t, err, "one failed source surfaces an error")
	require.Len(t, summaries, 2)
	assert.Equal(t, StateIdle, summaries[0].State, "healthy source unaffected")
	assert.Equal(t, StateFailed, summaries[1].State)
	assert.Len(t, history.Recent(0), 2)
}

func TestRunnerUnknownAdapterTypeFailsThatSource(t *testing.T) {
	src := pipelineSource()
	src.AdapterType = "nope"
	src.URL = "https://example.com"
	runner := NewRunner([]config.Source{src}, Deps{
		Backend:   memory.New(),
		Adapters:  adapter.NewRegistry(),
		Detectors: change.NewRegistry(),
	})
	summaries, err := runner.RunAll(context.Background())
	require.Error(t, err)
	require.Len(t, summaries, 1)
	assert.Contains(t, summaries[0].Err, "unknown adapter type")
}

func TestHistoryNewestFirstAndBounded(t *testing.T) {
	h := NewHistory(2)
	h.Add(&Summary{RunID: "1"})
	h.Add(&Summary{RunID: "2"})
	h.Add(&Summary{RunID: "3"})

	recent := h.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "3", recent[0].RunID)
	assert.Equal(t, "2", recent[1].RunID)

	assert.Len(t, h.Recent(1), 1)
}
