// Package dedup owns the silver-layer invariant: at most one record exists
// per (region, record_type, natural_key). It reconciles candidates against
// storage through a configured change detector and emits exactly one sighting
// per reconciliation.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/feedspine/feedspine/pkg/change"
	"github.com/feedspine/feedspine/pkg/feed"
	"github.com/feedspine/feedspine/pkg/storage"
)

// maxConflictRetries bounds how often a reconciliation is replayed after a
// version conflict before the item is quarantined.
const maxConflictRetries = 3

// QuarantineError marks an item that could not be reconciled and was excluded
// from the run's success count. Item-level, never fatal for the batch.
type QuarantineError struct {
	Key   feed.RecordKey
	Cause error
}

func (e *QuarantineError) Error() string {
	return fmt.Sprintf("quarantined %s/%s/%s: %v", e.Key.Region, e.Key.RecordType, e.Key.NaturalKey, e.Cause)
}

func (e *QuarantineError) Unwrap() error { return e.Cause }

// Deduplicator reconciles candidates for one source configuration.
type Deduplicator struct {
	backend  storage.Backend
	detector change.Detector
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(d *Deduplicator) { d.now = now }
}

// New creates a Deduplicator using the given backend and detector.
func New(backend storage.Backend, detector change.Detector, logger *slog.Logger, opts ...Option) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Deduplicator{
		backend:  backend,
		detector: detector,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Reconcile looks up the existing record for the candidate's key, classifies
// the candidate, applies the resulting mutation, and appends one sighting.
// Version conflicts are retried with a fresh read up to maxConflictRetries
// times; a persistent conflict returns a *QuarantineError. Any other storage
// error is surfaced as-is (fatal for the run).
func (d *Deduplicator) Reconcile(ctx context.Context, cand *feed.RecordCandidate, sourceID string) (*feed.Record, *feed.Sighting, error) {
	var lastErr error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		rec, sighting, err := d.reconcileOnce(ctx, cand, sourceID)
		if err == nil {
			return rec, sighting, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return nil, nil, err
		}
		lastErr = err
		d.logger.Debug("reconcile conflict, retrying with fresh read",
			"naturalKey", cand.NaturalKey, "attempt", attempt+1)
	}
	return nil, nil, &QuarantineError{Key: cand.Key(), Cause: lastErr}
}

func (d *Deduplicator) reconcileOnce(ctx context.Context, cand *feed.RecordCandidate, sourceID string) (*feed.Record, *feed.Sighting, error) {
	existing, err := d.backend.GetRecord(ctx, cand.Region, cand.RecordType, cand.NaturalKey)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup record: %w", err)
	}

	// An uncertain natural key may still refer to a known record under a
	// different key; strategies with the Matcher capability resolve that.
	if existing == nil {
		if matcher, ok := d.detector.(change.Matcher); ok {
			existing, err = d.resolveFuzzy(ctx, cand, matcher)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	ev := d.detector.Classify(cand, existing)
	now := d.now().UTC()

	var rec *feed.Record
	switch ev.Classification {
	case feed.ClassificationNew:
		rec, err = d.insertNew(ctx, cand, now)
	case feed.ClassificationChanged:
		rec, err = d.applyChange(ctx, cand, existing, now)
	case feed.ClassificationUnchanged:
		rec, err = d.touch(ctx, existing, now)
	default:
		return nil, nil, fmt.Errorf("unexpected classification %q", ev.Classification)
	}
	if err != nil {
		return nil, nil, err
	}

	sighting := feed.Sighting{
		ID:                    uuid.New().String(),
		Region:                rec.Region,
		RecordType:            rec.RecordType,
		NaturalKey:            rec.NaturalKey,
		SourceID:              sourceID,
		ObservedAt:            now,
		Classification:        ev.Classification,
		RecordVersionObserved: rec.Version,
	}
	if err := d.backend.AppendSighting(ctx, sighting); err != nil {
		return nil, nil, fmt.Errorf("append sighting: %w", err)
	}
	return rec, &sighting, nil
}

// resolveFuzzy scans the candidate's namespace and asks the matcher for the
// best existing record. No match means the candidate is genuinely new.
func (d *Deduplicator) resolveFuzzy(ctx context.Context, cand *feed.RecordCandidate, matcher change.Matcher) (*feed.Record, error) {
	var candidates []feed.Record
	err := d.backend.ListRecords(ctx, storage.RecordQuery{Region: cand.Region, RecordType: cand.RecordType}, func(r feed.Record) error {
		candidates = append(candidates, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan namespace for fuzzy match: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	best, score, ok := matcher.Match(cand, candidates)
	if !ok {
		return nil, nil
	}
	d.logger.Debug("fuzzy match resolved",
		"candidateKey", cand.NaturalKey, "matchedKey", best.NaturalKey, "score", score)
	return best, nil
}

func (d *Deduplicator) insertNew(ctx context.Context, cand *feed.RecordCandidate, now time.Time) (*feed.Record, error) {
	rec := feed.Record{
		Region:      cand.Region,
		RecordType:  cand.RecordType,
		NaturalKey:  cand.NaturalKey,
		Content:     cand.Content,
		ContentHash: cand.ContentHash,
		PublishedAt: cand.PublishedAt,
		FirstSeenAt: now,
		LastSeenAt:  now,
		Version:     1,
	}
	stored, err := d.backend.UpsertRecord(ctx, rec, 0)
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return stored, nil
}

// applyChange replaces content on the matched record in place. FirstSeenAt is
// immutable; the version bumps by exactly one.
func (d *Deduplicator) applyChange(ctx context.Context, cand *feed.RecordCandidate, existing *feed.Record, now time.Time) (*feed.Record, error) {
	rec := *existing
	rec.Content = cand.Content
	rec.ContentHash = cand.ContentHash
	if cand.PublishedAt != nil {
		rec.PublishedAt = cand.PublishedAt
	}
	rec.LastSeenAt = now
	rec.Version = existing.Version + 1

	stored, err := d.backend.UpsertRecord(ctx, rec, existing.Version)
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("update record: %w", err)
	}
	return stored, nil
}

// touch refreshes LastSeenAt only; version and content stay untouched.
func (d *Deduplicator) touch(ctx context.Context, existing *feed.Record, now time.Time) (*feed.Record, error) {
	rec := *existing
	rec.LastSeenAt = now

	stored, err := d.backend.UpsertRecord(ctx, rec, existing.Version)
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("touch record: %w", err)
	}
	return stored, nil
}
