// Package gormstore provides the relational storage backend. It speaks GORM
// and opens SQLite (pure Go), MySQL, or PostgreSQL from a DSN; the upsert path
// uses an optimistic version check (UPDATE ... WHERE version = ?) so multiple
// pipeline instances can share one database without coordination.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/feedspine/feedspine/pkg/feed"
	"github.com/feedspine/feedspine/pkg/storage"
)

// Backend is a storage.Backend on a GORM database handle.
type Backend struct {
	db *gorm.DB
}

// Open connects to the database described by dsn and migrates the schema.
// DSN schemes: "sqlite://<path>" (or ":memory:"), "mysql://<dsn>",
// "postgres://..." (passed through verbatim).
func Open(dsn string) (*Backend, error) {
	dialector, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&recordRow{}, &sightingRow{}, &checkpointRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Backend{db: db}, nil
}

// NewWithDB wraps an existing GORM handle (tests) and migrates the schema.
func NewWithDB(db *gorm.DB) (*Backend, error) {
	if err := db.AutoMigrate(&recordRow{}, &sightingRow{}, &checkpointRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Backend{db: db}, nil
}

// Factory adapts Open to the registry signature.
func Factory(_ context.Context, opts storage.Options) (storage.Backend, error) {
	return Open(opts.DSN)
}

func dialectorFor(dsn string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), nil
	case strings.HasPrefix(dsn, "mysql://"):
		return mysql.Open(strings.TrimPrefix(dsn, "mysql://")), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported dsn %q (supported schemes: sqlite, mysql, postgres)", dsn)
	}
}

// GetRecord returns the stored record for the key, or (nil, nil).
func (b *Backend) GetRecord(ctx context.Context, region, recordType, naturalKey string) (*feed.Record, error) {
	var row recordRow
	err := b.db.WithContext(ctx).
		Where("region = ? AND record_type = ? AND natural_key = ?", region, recordType, naturalKey).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rowToRecord(row)
}

// UpsertRecord stores rec if the current version matches prevVersion
// (0 meaning "no record yet"). The version check rides on the UPDATE's WHERE
// clause; zero rows affected means a concurrent writer won.
func (b *Backend) UpsertRecord(ctx context.Context, rec feed.Record, prevVersion int64) (*feed.Record, error) {
	content, err := json.Marshal(rec.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	if prevVersion == 0 {
		row := recordRow{
			Region:      rec.Region,
			RecordType:  rec.RecordType,
			NaturalKey:  rec.NaturalKey,
			Content:     string(content),
			ContentHash: rec.ContentHash,
			PublishedAt: rec.PublishedAt,
			FirstSeenAt: rec.FirstSeenAt,
			LastSeenAt:  rec.LastSeenAt,
			Version:     rec.Version,
		}
		if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
			// The unique index rejects a second insert for the same key;
			// report it as a version conflict so the caller re-reads.
			if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
				return nil, storage.ErrVersionConflict
			}
			return nil, fmt.Errorf("insert record: %w", err)
		}
		return rowToRecord(row)
	}

	result := b.db.WithContext(ctx).Model(&recordRow{}).
		Where("region = ? AND record_type = ? AND natural_key = ? AND version = ?",
			rec.Region, rec.RecordType, rec.NaturalKey, prevVersion).
		Updates(map[string]any{
			"content":      string(content),
			"content_hash": rec.ContentHash,
			"published_at": rec.PublishedAt,
			"last_seen_at": rec.LastSeenAt,
			"version":      rec.Version,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("update record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, storage.ErrVersionConflict
	}
	return b.GetRecord(ctx, rec.Region, rec.RecordType, rec.NaturalKey)
}

// isUniqueViolation matches driver-specific unique constraint errors that
// GORM does not translate for every dialect.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// AppendSighting inserts s into the append-only sightings table.
func (b *Backend) AppendSighting(ctx context.Context, s feed.Sighting) error {
	row := sightingRow{
		SightingID:            s.ID,
		Region:                s.Region,
		RecordType:            s.RecordType,
		NaturalKey:            s.NaturalKey,
		SourceID:              s.SourceID,
		ObservedAt:            s.ObservedAt,
		Classification:        string(s.Classification),
		RecordVersionObserved: s.RecordVersionObserved,
	}
	if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append sighting: %w", err)
	}
	return nil
}

// GetCheckpoint returns the checkpoint for sourceID, or (nil, nil).
func (b *Backend) GetCheckpoint(ctx context.Context, sourceID string) (*feed.Checkpoint, error) {
	var row checkpointRow
	err := b.db.WithContext(ctx).First(&row, "source_id = ?", sourceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &feed.Checkpoint{SourceID: row.SourceID, Cursor: row.Cursor, UpdatedAt: row.UpdatedAt}, nil
}

// PutCheckpoint upserts the checkpoint row for cp.SourceID.
func (b *Backend) PutCheckpoint(ctx context.Context, cp feed.Checkpoint) error {
	row := checkpointRow{SourceID: cp.SourceID, Cursor: cp.Cursor, UpdatedAt: cp.UpdatedAt}
	if err := b.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

// listBatchSize is how many rows one ListRecords page loads at a time.
const listBatchSize = 200

// ListRecords scans the (region, record_type) namespace in natural-key order.
// Pagination is keyset on natural_key (unique within the namespace), so the
// scan stays correct when natural-key order diverges from insertion order.
func (b *Backend) ListRecords(ctx context.Context, q storage.RecordQuery, fn func(feed.Record) error) error {
	var lastKey string
	first := true
	delivered := 0

	for {
		query := b.db.WithContext(ctx).
			Where("region = ? AND record_type = ?", q.Region, q.RecordType).
			Order("natural_key ASC").
			Limit(listBatchSize)
		if !first {
			query = query.Where("natural_key > ?", lastKey)
		}
		if !q.SeenSince.IsZero() {
			query = query.Where("last_seen_at >= ?", q.SeenSince)
		}

		var rows []recordRow
		if err := query.Find(&rows).Error; err != nil {
			return fmt.Errorf("list records: %w", err)
		}

		for _, row := range rows {
			rec, err := rowToRecord(row)
			if err != nil {
				return err
			}
			if err := fn(*rec); err != nil {
				if errors.Is(err, storage.ErrStopIteration) {
					return nil
				}
				return err
			}
			delivered++
			if q.Limit > 0 && delivered >= q.Limit {
				return nil
			}
		}

		if len(rows) < listBatchSize {
			return nil
		}
		first = false
		lastKey = rows[len(rows)-1].NaturalKey
	}
}

// ListSightings returns the sighting log for a natural key in append order.
func (b *Backend) ListSightings(ctx context.Context, region, recordType, naturalKey string) ([]feed.Sighting, error) {
	var rows []sightingRow
	err := b.db.WithContext(ctx).
		Where("region = ? AND record_type = ? AND natural_key = ?", region, recordType, naturalKey).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list sightings: %w", err)
	}

	out := make([]feed.Sighting, 0, len(rows))
	for _, row := range rows {
		out = append(out, feed.Sighting{
			ID:                    row.SightingID,
			Region:                row.Region,
			RecordType:            row.RecordType,
			NaturalKey:            row.NaturalKey,
			SourceID:              row.SourceID,
			ObservedAt:            row.ObservedAt,
			Classification:        feed.Classification(row.Classification),
			RecordVersionObserved: row.RecordVersionObserved,
		})
	}
	return out, nil
}

// Close closes the underlying sql.DB.
func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func rowToRecord(row recordRow) (*feed.Record, error) {
	var content map[string]any
	if err := json.Unmarshal([]byte(row.Content), &content); err != nil {
		return nil, fmt.Errorf("unmarshal content for %s/%s/%s: %w", row.Region, row.RecordType, row.NaturalKey, err)
	}
	return &feed.Record{
		Region:      row.Region,
		RecordType:  row.RecordType,
		NaturalKey:  row.NaturalKey,
		Content:     content,
		ContentHash: row.ContentHash,
		PublishedAt: row.PublishedAt,
		FirstSeenAt: row.FirstSeenAt,
		LastSeenAt:  row.LastSeenAt,
		Version:     row.Version,
	}, nil
}

