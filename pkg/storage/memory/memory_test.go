package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedspine/feedspine/pkg/feed"
	"github.com/feedspine/feedspine/pkg/storage"
)

func newTestRecord(region, recordType, key string, version int64) feed.Record {
	now := time.Now().UTC()
	content := map[string]any{"title": "A"}
	return feed.Record{
		Region:      region,
		RecordType:  recordType,
		NaturalKey:  key,
		Content:     content,
		ContentHash: feed.HashContent(content),
		FirstSeenAt: now,
		LastSeenAt:  now,
		Version:     version,
	}
}

func TestGetRecordReturnsNilForMissing(t *testing.T) {
	b := New()

	rec, err := b.GetRecord(context.Background(), "US", "article", "k1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUpsertInsertThenGet(t *testing.T) {
	b := New()

	stored, err := b.UpsertRecord(context.Background(), newTestRecord("US", "article", "k1", 1), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)

	got, err := b.GetRecord(context.Background(), "US", "article", "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "k1", got.NaturalKey)
}

func TestUpsertInsertConflictsWhenRecordExists(t *testing.T) {
	b := New()

	_, err := b.UpsertRecord(context.Background(), newTestRecord("US", "article", "k1", 1), 0)
	require.NoError(t, err)

	_, err = b.UpsertRecord(context.Background(), newTestRecord("US", "article", "k1", 1), 0)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)
}

func TestUpsertUpdateRequiresMatchingVersion(t *testing.T) {
	b := New()

	_, err := b.UpsertRecord(context.Background(), newTestRecord("US", "article", "k1", 1), 0)
	require.NoError(t, err)

	// Stale expected version is rejected.
	_, err = b.UpsertRecord(context.Background(), newTestRecord("US", "article", "k1", 3), 2)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	// Correct expected version succeeds.
	updated, err := b.UpsertRecord(context.Background(), newTestRecord("US", "article", "k1", 2), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
}

func TestNamespacingIsolatesIdenticalNaturalKeys(t *testing.T) {
	b := New()

	_, err := b.UpsertRecord(context.Background(), newTestRecord("US", "article", "k1", 1), 0)
	require.NoError(t, err)
	_, err = b.UpsertRecord(context.Background(), newTestRecord("EU", "article", "k1", 1), 0)
	require.NoError(t, err)
	_, err = b.UpsertRecord(context.Background(), newTestRecord("US", "filing", "k1", 1), 0)
	require.NoError(t, err)

	var count int
	err = b.ListRecords(context.Background(), storage.RecordQuery{Region: "US", RecordType: "article"}, func(feed.Record) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestListRecordsOrderedAndRestartable(t *testing.T) {
	b := New()
	for _, key := range []string{"c", "a", "b"} {
		_, err := b.UpsertRecord(context.Background(), newTestRecord("US", "article", key, 1), 0)
		require.NoError(t, err)
	}

	collect := func() []string {
		var keys []string
		err := b.ListRecords(context.Background(), storage.RecordQuery{Region: "US", RecordType: "article"}, func(r feed.Record) error {
			keys = append(keys, r.NaturalKey)
			return nil
		})
		require.NoError(t, err)
		return keys
	}

	// A fresh call re-scans from the start in the same order.
	assert.Equal(t, []string{"a", "b", "c"}, collect())
	assert.Equal(t, []string{"a", "b", "c"}, collect())
}

func TestListRecordsStopIteration(t *testing.T) {
	b := New()
	for _, key := range []string{"a", "b", "c"} {
		_, err := b.UpsertRecord(context.Background(), newTestRecord("US", "article", key, 1), 0)
		require.NoError(t, err)
	}

	var seen int
	err := b.ListRecords(context.Background(), storage.RecordQuery{Region: "US", RecordType: "article"}, func(feed.Record) error {
		seen++
		return storage.ErrStopIteration
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestSightingsAppendOnly(t *testing.T) {
	b := New()
	for i, cls := range []feed.Classification{feed.ClassificationNew, feed.ClassificationUnchanged} {
		err := b.AppendSighting(context.Background(), feed.Sighting{
			ID:                    uuid.New().String(),
			Region:                "US",
			RecordType:            "article",
			NaturalKey:            "k1",
			SourceID:              "rss-a",
			ObservedAt:            time.Now().Add(time.Duration(i) * time.Second),
			Classification:        cls,
			RecordVersionObserved: 1,
		})
		require.NoError(t, err)
	}

	sightings, err := b.ListSightings(context.Background(), "US", "article", "k1")
	require.NoError(t, err)
	require.Len(t, sightings, 2)
	assert.Equal(t, feed.ClassificationNew, sightings[0].Classification)
	assert.Equal(t, feed.ClassificationUnchanged, sightings[1].Classification)
}

func TestCheckpointRoundTrip(t *testing.T) {
	b := New()

	cp, err := b.GetCheckpoint(context.Background(), "rss-a")
	require.NoError(t, err)
	assert.Nil(t, cp)

	err = b.PutCheckpoint(context.Background(), feed.Checkpoint{SourceID: "rss-a", Cursor: "3", UpdatedAt: time.Now()})
	require.NoError(t, err)

	cp, err = b.GetCheckpoint(context.Background(), "rss-a")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "3", cp.Cursor)

	// Overwrite.
	err = b.PutCheckpoint(context.Background(), feed.Checkpoint{SourceID: "rss-a", Cursor: "4", UpdatedAt: time.Now()})
	require.NoError(t, err)
	cp, err = b.GetCheckpoint(context.Background(), "rss-a")
	require.NoError(t, err)
	assert.Equal(t, "4", cp.Cursor)
}

func TestRecordsAreCopiedNotAliased(t *testing.T) {
	b := New()
	rec := newTestRecord("US", "article", "k1", 1)
	_, err := b.UpsertRecord(context.Background(), rec, 0)
	require.NoError(t, err)

	// Mutating the caller's map must not leak into the store.
	rec.Content["title"] = "mutated"

	got, err := b.GetRecord(context.Background(), "US", "article", "k1")
	require.NoError(t, err)
	assert.Equal(t, "A", got.Content["title"])
}
