package gormstore

import (
	"time"
)

// recordRow is the GORM model for a silver-layer record. The unique index on
// (region, record_type, natural_key) enforces the one-record-per-key
// invariant at the database level.
type recordRow struct {
	ID          uint       `gorm:"primaryKey;autoIncrement"`
	Region      string     `gorm:"column:region;uniqueIndex:idx_record_identity,priority:1;not null"`
	RecordType  string     `gorm:"column:record_type;uniqueIndex:idx_record_identity,priority:2;not null"`
	NaturalKey  string     `gorm:"column:natural_key;uniqueIndex:idx_record_identity,priority:3;not null"`
	Content     string     `gorm:"column:content;type:text;not null"`
	ContentHash string     `gorm:"column:content_hash;not null"`
	PublishedAt *time.Time `gorm:"column:published_at"`
	FirstSeenAt time.Time  `gorm:"column:first_seen_at;not null"`
	LastSeenAt  time.Time  `gorm:"column:last_seen_at;index;not null"`
	Version     int64      `gorm:"column:version;not null"`
}

// TableName returns the GORM table name.
func (recordRow) TableName() string { return "silver_records" }

// sightingRow is the GORM model for an append-only sighting.
type sightingRow struct {
	ID                    uint      `gorm:"primaryKey;autoIncrement"`
	SightingID            string    `gorm:"column:sighting_id;type:varchar(36)"`
	Region                string    `gorm:"column:region;index:idx_sighting_key,priority:1;not null"`
	RecordType            string    `gorm:"column:record_type;index:idx_sighting_key,priority:2;not null"`
	NaturalKey            string    `gorm:"column:natural_key;index:idx_sighting_key,priority:3;not null"`
	SourceID              string    `gorm:"column:source_id;index;not null"`
	ObservedAt            time.Time `gorm:"column:observed_at;not null"`
	Classification        string    `gorm:"column:classification;not null"`
	RecordVersionObserved int64     `gorm:"column:record_version_observed;not null"`
}

// TableName returns the GORM table name.
func (sightingRow) TableName() string { return "silver_sightings" }

// checkpointRow is the GORM model for a per-source checkpoint.
type checkpointRow struct {
	SourceID  string    `gorm:"primaryKey;column:source_id;type:varchar(128)"`
	Cursor    string    `gorm:"column:cursor;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName returns the GORM table name.
func (checkpointRow) TableName() string { return "source_checkpoints" }
