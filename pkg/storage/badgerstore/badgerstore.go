// Package badgerstore provides an embedded, file-backed storage backend on
// BadgerDB. It serves deployments that need durable local state without an
// external database; record upserts are compare-and-swap inside a Badger
// read-write transaction.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/feedspine/feedspine/pkg/feed"
	"github.com/feedspine/feedspine/pkg/storage"
)

const (
	recordPrefix     = "rec"
	sightingPrefix   = "sgt"
	checkpointPrefix = "ckp"

	// keySep separates composite key segments. Natural keys are free-form
	// strings, so the separator is a byte that cannot appear in UTF-8 text.
	keySep = "\x00"
)

// Backend is a storage.Backend on an embedded BadgerDB instance.
type Backend struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger
}

// Options configures Open.
type Options struct {
	// Path is the directory for the database files. Empty runs in-memory
	// (tests only).
	Path string
	// SyncWrites forces fsync on every commit. Recommended outside tests.
	SyncWrites bool
	// Logger receives Badger's internal log output. Nil disables it.
	Logger *slog.Logger
}

// Open creates or opens the database at opts.Path.
func Open(opts Options) (*Backend, error) {
	bopts := badger.DefaultOptions(opts.Path).
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1)
	if opts.Path == "" {
		bopts = bopts.WithInMemory(true)
	}
	if opts.Logger != nil {
		bopts = bopts.WithLogger(&badgerLogger{logger: opts.Logger})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}

	seq, err := db.GetSequence([]byte("seq"+keySep+"sighting"), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sighting sequence: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{db: db, seq: seq, logger: logger}, nil
}

// Factory adapts Open to the registry signature.
func Factory(_ context.Context, opts storage.Options) (storage.Backend, error) {
	return Open(Options{Path: opts.Path, SyncWrites: true})
}

func recordKey(region, recordType, naturalKey string) []byte {
	return []byte(recordPrefix + keySep + region + keySep + recordType + keySep + naturalKey)
}

func sightingKey(region, recordType, naturalKey string, seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	key := []byte(sightingPrefix + keySep + region + keySep + recordType + keySep + naturalKey + keySep)
	return append(key, buf[:]...)
}

func checkpointKey(sourceID string) []byte {
	return []byte(checkpointPrefix + keySep + sourceID)
}

// GetRecord returns the stored record for the key, or (nil, nil).
func (b *Backend) GetRecord(ctx context.Context, region, recordType, naturalKey string) (*feed.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec feed.Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(region, recordType, naturalKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return &rec, nil
}

// UpsertRecord stores rec if the current version matches prevVersion
// (0 meaning "no record yet"). The read-check-write runs inside one Badger
// read-write transaction, so concurrent upserts to the same key serialize.
func (b *Backend) UpsertRecord(ctx context.Context, rec feed.Record, prevVersion int64) (*feed.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := rec.Key()
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(key.Region, key.RecordType, key.NaturalKey))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if prevVersion != 0 {
				return storage.ErrVersionConflict
			}
		case err != nil:
			return err
		default:
			var existing feed.Record
			if verr := item.Value(func(val []byte) error { return json.Unmarshal(val, &existing) }); verr != nil {
				return verr
			}
			if existing.Version != prevVersion {
				return storage.ErrVersionConflict
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(recordKey(key.Region, key.RecordType, key.NaturalKey), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent transaction touched the same key; surface it as the
		// protocol-level conflict so the deduplicator retries with a fresh read.
		return nil, storage.ErrVersionConflict
	}
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, storage.ErrVersionConflict
		}
		return nil, fmt.Errorf("upsert record: %w", err)
	}
	return &rec, nil
}

// AppendSighting appends s under a monotonically increasing sequence key.
func (b *Backend) AppendSighting(ctx context.Context, s feed.Sighting) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	seq, err := b.seq.Next()
	if err != nil {
		return fmt.Errorf("next sighting sequence: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal sighting: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sightingKey(s.Region, s.RecordType, s.NaturalKey, seq), data)
	})
	if err != nil {
		return fmt.Errorf("append sighting: %w", err)
	}
	return nil
}

// GetCheckpoint returns the checkpoint for sourceID, or (nil, nil).
func (b *Backend) GetCheckpoint(ctx context.Context, sourceID string) (*feed.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var cp feed.Checkpoint
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(sourceID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &cp, nil
}

// PutCheckpoint overwrites the checkpoint for cp.SourceID.
func (b *Backend) PutCheckpoint(ctx context.Context, cp feed.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(cp.SourceID), data)
	})
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

// ListRecords scans the (region, record_type) namespace in key order.
func (b *Backend) ListRecords(ctx context.Context, q storage.RecordQuery, fn func(feed.Record) error) error {
	prefix := []byte(recordPrefix + keySep + q.Region + keySep + q.RecordType + keySep)

	var visited int
	err := b.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if q.Limit > 0 && visited >= q.Limit {
				return nil
			}

			var rec feed.Record
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			if !q.SeenSince.IsZero() && rec.LastSeenAt.Before(q.SeenSince) {
				continue
			}
			visited++
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, storage.ErrStopIteration) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	return nil
}

// ListSightings returns the sighting log for a natural key in append order.
func (b *Backend) ListSightings(ctx context.Context, region, recordType, naturalKey string) ([]feed.Sighting, error) {
	prefix := []byte(sightingPrefix + keySep + region + keySep + recordType + keySep + naturalKey + keySep)

	var out []feed.Sighting
	err := b.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !bytes.HasPrefix(it.Item().Key(), prefix) {
				return nil
			}
			var s feed.Sighting
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &s) }); err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sightings: %w", err)
	}
	return out, nil
}

// Close releases the sighting sequence and closes the database.
func (b *Backend) Close() error {
	if err := b.seq.Release(); err != nil {
		b.logger.Warn("release sighting sequence", "error", err)
	}
	return b.db.Close()
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
