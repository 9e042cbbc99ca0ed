// Package storage defines the backend protocol for the silver layer (records,
// sightings, checkpoints) and the registry through which backends are
// selected by configuration. A backend must be implementable by an in-memory
// map, an embedded file-backed store, or a relational database without
// changing callers.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/feedspine/feedspine/pkg/feed"
)

// ErrVersionConflict is returned by UpsertRecord when the stored record's
// version no longer matches the expected previous version. Callers re-read
// and retry; this is what makes concurrent reconciliations of the same
// natural key safe without a separate lock.
var ErrVersionConflict = errors.New("record version conflict")

// ErrStopIteration ends a ListRecords scan early without error.
var ErrStopIteration = errors.New("stop iteration")

// ErrUnknownBackend is returned by the registry for an unregistered name.
var ErrUnknownBackend = errors.New("unknown storage backend")

// RecordQuery scopes a ListRecords scan. Region and RecordType are the
// mandatory namespace; the remaining fields are optional filters.
type RecordQuery struct {
	Region     string
	RecordType string
	// SeenSince, when non-zero, restricts the scan to records whose
	// LastSeenAt is at or after the given time.
	SeenSince time.Time
	// Limit, when positive, caps the number of records visited.
	Limit int
}

// Backend is the storage protocol behind the silver layer.
//
// Lookup methods return (nil, nil) when the entity does not exist.
// UpsertRecord performs a compare-and-swap: prevVersion 0 asserts that no
// record exists yet (insert), any other value asserts the stored version;
// a mismatch returns ErrVersionConflict. ListRecords is a lazy, restartable
// scan: a fresh call re-scans from the start, and fn may return
// ErrStopIteration to end early.
type Backend interface {
	GetRecord(ctx context.Context, region, recordType, naturalKey string) (*feed.Record, error)
	UpsertRecord(ctx context.Context, rec feed.Record, prevVersion int64) (*feed.Record, error)
	AppendSighting(ctx context.Context, s feed.Sighting) error
	GetCheckpoint(ctx context.Context, sourceID string) (*feed.Checkpoint, error)
	PutCheckpoint(ctx context.Context, cp feed.Checkpoint) error
	ListRecords(ctx context.Context, q RecordQuery, fn func(feed.Record) error) error
	ListSightings(ctx context.Context, region, recordType, naturalKey string) ([]feed.Sighting, error)
	Close() error
}

// GoldReader is the narrow, read-only surface exposed to gold-layer
// consumers. Gold derives aggregates from silver records and never writes
// back; handing consumers this interface instead of Backend enforces that.
type GoldReader interface {
	ListRecords(ctx context.Context, q RecordQuery, fn func(feed.Record) error) error
}

// Options carries backend construction parameters. Fields are interpreted
// per backend: Path is a directory for embedded stores, DSN a database URL
// for relational ones.
type Options struct {
	Path string
	DSN  string
}

// Factory constructs a backend from options.
type Factory func(ctx context.Context, opts Options) (Backend, error)

// Registry maps backend names to factories. It is an explicit value built
// and owned by application start-up and injected where needed; registration
// order is explicit and testable.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a backend name, replacing any previous entry.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Open constructs the named backend.
func (r *Registry) Open(ctx context.Context, name string, opts Options) (Backend, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, ErrUnknownBackend
	}
	return f(ctx, opts)
}

// Names returns the registered backend names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
