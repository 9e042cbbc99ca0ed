// Package feed defines the canonical data model shared by the ingestion
// pipeline: records, candidates, sightings, checkpoints, and change events.
package feed

import (
	"time"
)

// Classification is the outcome of comparing a candidate against stored state.
type Classification string

const (
	ClassificationNew       Classification = "NEW"
	ClassificationUnchanged Classification = "UNCHANGED"
	ClassificationChanged   Classification = "CHANGED"
)

// Record is the durable, canonical silver-layer entity. Exactly one Record
// exists per (region, record_type, natural_key); updates are in-place version
// bumps, never duplicate rows.
type Record struct {
	Region      string         `json:"region"`
	RecordType  string         `json:"recordType"`
	NaturalKey  string         `json:"naturalKey"`
	Content     map[string]any `json:"content"`
	ContentHash string         `json:"contentHash"`
	PublishedAt *time.Time     `json:"publishedAt,omitempty"`
	FirstSeenAt time.Time      `json:"firstSeenAt"`
	LastSeenAt  time.Time      `json:"lastSeenAt"`
	Version     int64          `json:"version"`
}

// Key returns the namespaced identity of the record.
func (r *Record) Key() RecordKey {
	return RecordKey{Region: r.Region, RecordType: r.RecordType, NaturalKey: r.NaturalKey}
}

// RecordKey identifies a record within its (region, record_type) namespace.
type RecordKey struct {
	Region     string `json:"region"`
	RecordType string `json:"recordType"`
	NaturalKey string `json:"naturalKey"`
}

// RecordCandidate is a provisional record produced by the normalizer for one
// raw item during one pipeline run. It is never persisted directly; the
// deduplicator reconciles it into a new Record, an updated Record, or discards
// it as unchanged.
type RecordCandidate struct {
	Region      string         `json:"region"`
	RecordType  string         `json:"recordType"`
	NaturalKey  string         `json:"naturalKey"`
	Content     map[string]any `json:"content"`
	ContentHash string         `json:"contentHash"`
	PublishedAt *time.Time     `json:"publishedAt,omitempty"`
}

// Key returns the namespaced identity the candidate claims.
func (c *RecordCandidate) Key() RecordKey {
	return RecordKey{Region: c.Region, RecordType: c.RecordType, NaturalKey: c.NaturalKey}
}

// Sighting is an append-only observation fact: a record (by natural key) was
// observed via a source, at a time, with a classification. Sightings are never
// mutated or deleted and provide the provenance trail independent of the
// mutable Record.
type Sighting struct {
	ID                    string         `json:"id"`
	Region                string         `json:"region"`
	RecordType            string         `json:"recordType"`
	NaturalKey            string         `json:"naturalKey"`
	SourceID              string         `json:"sourceId"`
	ObservedAt            time.Time      `json:"observedAt"`
	Classification        Classification `json:"classification"`
	RecordVersionObserved int64          `json:"recordVersionObserved"`
}

// Checkpoint is per-source cursor state. The cursor is an opaque,
// source-defined token (page number, timestamp, ETag, ...). One checkpoint
// exists per source; it is overwritten atomically after each successfully
// reconciled page and read once at the start of a run.
type Checkpoint struct {
	SourceID  string    `json:"sourceId"`
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChangeEvent is a change detector's classification of a candidate against an
// existing record, consumed immediately by the deduplicator.
type ChangeEvent struct {
	Classification Classification `json:"classification"`
	// ChangedFields lists differing field names (field strategy only).
	ChangedFields []string `json:"changedFields,omitempty"`
	// Score is the similarity score that produced the match (fuzzy strategy only).
	Score float64 `json:"score,omitempty"`
	// MatchedKey is the natural key of the existing record the candidate was
	// matched to when it differs from the candidate's own key (fuzzy strategy).
	MatchedKey string `json:"matchedKey,omitempty"`
}

// RawItem is one item as delivered by a feed adapter, before normalization.
// Fields carries the adapter's parsed view of the item; the bronze layer
// persists it verbatim.
type RawItem struct {
	SourceID  string         `json:"sourceId"`
	ItemID    string         `json:"itemId"`
	Fields    map[string]any `json:"fields"`
	FetchedAt time.Time      `json:"fetchedAt"`
}
