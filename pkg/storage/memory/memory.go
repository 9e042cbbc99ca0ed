// Package memory provides the in-memory reference storage backend. It is the
// default backend for tests and single-shot runs; all state dies with the
// process.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/feedspine/feedspine/pkg/feed"
	"github.com/feedspine/feedspine/pkg/storage"
)

// Backend is a map-backed storage.Backend guarded by a single RWMutex.
type Backend struct {
	mu          sync.RWMutex
	records     map[feed.RecordKey]feed.Record
	sightings   map[feed.RecordKey][]feed.Sighting
	checkpoints map[string]feed.Checkpoint
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{
		records:     make(map[feed.RecordKey]feed.Record),
		sightings:   make(map[feed.RecordKey][]feed.Sighting),
		checkpoints: make(map[string]feed.Checkpoint),
	}
}

// Factory adapts New to the registry signature.
func Factory(_ context.Context, _ storage.Options) (storage.Backend, error) {
	return New(), nil
}

// GetRecord returns the stored record for the key, or (nil, nil).
func (b *Backend) GetRecord(ctx context.Context, region, recordType, naturalKey string) (*feed.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.records[feed.RecordKey{Region: region, RecordType: recordType, NaturalKey: naturalKey}]
	if !ok {
		return nil, nil
	}
	out := cloneRecord(rec)
	return &out, nil
}

// UpsertRecord stores rec if the current version matches prevVersion
// (0 meaning "no record yet"), returning storage.ErrVersionConflict otherwise.
func (b *Backend) UpsertRecord(ctx context.Context, rec feed.Record, prevVersion int64) (*feed.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	key := rec.Key()
	existing, ok := b.records[key]
	switch {
	case !ok && prevVersion != 0:
		return nil, storage.ErrVersionConflict
	case ok && existing.Version != prevVersion:
		return nil, storage.ErrVersionConflict
	}

	stored := cloneRecord(rec)
	b.records[key] = stored
	out := cloneRecord(stored)
	return &out, nil
}

// AppendSighting appends s to the key's sighting log.
func (b *Backend) AppendSighting(ctx context.Context, s feed.Sighting) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	key := feed.RecordKey{Region: s.Region, RecordType: s.RecordType, NaturalKey: s.NaturalKey}
	b.sightings[key] = append(b.sightings[key], s)
	return nil
}

// GetCheckpoint returns the checkpoint for sourceID, or (nil, nil).
func (b *Backend) GetCheckpoint(ctx context.Context, sourceID string) (*feed.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	cp, ok := b.checkpoints[sourceID]
	if !ok {
		return nil, nil
	}
	out := cp
	return &out, nil
}

// PutCheckpoint overwrites the checkpoint for cp.SourceID.
func (b *Backend) PutCheckpoint(ctx context.Context, cp feed.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkpoints[cp.SourceID] = cp
	return nil
}

// ListRecords scans the (region, record_type) namespace in natural-key order.
func (b *Backend) ListRecords(ctx context.Context, q storage.RecordQuery, fn func(feed.Record) error) error {
	b.mu.RLock()
	var matched []feed.Record
	for key, rec := range b.records {
		if key.Region != q.Region || key.RecordType != q.RecordType {
			continue
		}
		if !q.SeenSince.IsZero() && rec.LastSeenAt.Before(q.SeenSince) {
			continue
		}
		matched = append(matched, cloneRecord(rec))
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].NaturalKey < matched[j].NaturalKey })
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	for _, rec := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			if errors.Is(err, storage.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

// ListSightings returns the sighting log for a natural key in append order.
func (b *Backend) ListSightings(ctx context.Context, region, recordType, naturalKey string) ([]feed.Sighting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	key := feed.RecordKey{Region: region, RecordType: recordType, NaturalKey: naturalKey}
	out := make([]feed.Sighting, len(b.sightings[key]))
	copy(out, b.sightings[key])
	return out, nil
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error { return nil }

// cloneRecord copies rec including its content map so callers never share
// mutable state with the store.
func cloneRecord(rec feed.Record) feed.Record {
	out := rec
	if rec.Content != nil {
		out.Content = cloneMap(rec.Content)
	}
	if rec.PublishedAt != nil {
		t := *rec.PublishedAt
		out.PublishedAt = &t
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
