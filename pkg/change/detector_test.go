package change

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedspine/feedspine/pkg/feed"
)

func newCandidate(key string, content map[string]any) *feed.RecordCandidate {
	return &feed.RecordCandidate{
		Region:      "US",
		RecordType:  "article",
		NaturalKey:  key,
		Content:     content,
		ContentHash: feed.HashContent(content),
	}
}

func newRecord(key string, content map[string]any, lastSeen time.Time) feed.Record {
	return feed.Record{
		Region:      "US",
		RecordType:  "article",
		NaturalKey:  key,
		Content:     content,
		ContentHash: feed.HashContent(content),
		FirstSeenAt: lastSeen,
		LastSeenAt:  lastSeen,
		Version:     1,
	}
}

func TestHashDetectorNilExistingIsNew(t *testing.T) {
	d := NewHashDetector()

	ev := d.Classify(newCandidate("k1", map[string]any{"title": "A"}), nil)
	assert.Equal(t, feed.ClassificationNew, ev.Classification)
}

func TestHashDetectorUnchangedAndChanged(t *testing.T) {
	d := NewHashDetector()
	existing := newRecord("k1", map[string]any{"title": "A"}, time.Now())

	ev := d.Classify(newCandidate("k1", map[string]any{"title": "A"}), &existing)
	assert.Equal(t, feed.ClassificationUnchanged, ev.Classification)

	ev = d.Classify(newCandidate("k1", map[string]any{"title": "A2"}), &existing)
	assert.Equal(t, feed.ClassificationChanged, ev.Classification)
	assert.Empty(t, ev.ChangedFields, "hash strategy carries no field detail")
}

func TestFieldDetectorReportsChangedFields(t *testing.T) {
	d := NewFieldDetector(nil)
	existing := newRecord("k1", map[string]any{"title": "A", "body": "x", "author": "bob"}, time.Now())

	ev := d.Classify(newCandidate("k1", map[string]any{"title": "A2", "body": "x", "author": "alice"}), &existing)
	assert.Equal(t, feed.ClassificationChanged, ev.Classification)
	assert.Equal(t, []string{"author", "title"}, ev.ChangedFields)
}

func TestFieldDetectorAddedAndRemovedFieldsAreChanges(t *testing.T) {
	d := NewFieldDetector(nil)
	existing := newRecord("k1", map[string]any{"title": "A"}, time.Now())

	ev := d.Classify(newCandidate("k1", map[string]any{"title": "A", "body": "new"}), &existing)
	assert.Equal(t, feed.ClassificationChanged, ev.Classification)
	assert.Equal(t, []string{"body"}, ev.ChangedFields)
}

func TestFieldDetectorRestrictedFields(t *testing.T) {
	d := NewFieldDetector([]string{"title"})
	existing := newRecord("k1", map[string]any{"title": "A", "body": "x"}, time.Now())

	// body differs but is outside the compared set.
	ev := d.Classify(newCandidate("k1", map[string]any{"title": "A", "body": "y"}), &existing)
	assert.Equal(t, feed.ClassificationUnchanged, ev.Classification)
}

func TestFieldDetectorUnchanged(t *testing.T) {
	d := NewFieldDetector(nil)
	existing := newRecord("k1", map[string]any{"title": "A", "n": 3}, time.Now())

	ev := d.Classify(newCandidate("k1", map[string]any{"n": 3, "title": "A"}), &existing)
	assert.Equal(t, feed.ClassificationUnchanged, ev.Classification)
}

func TestFuzzyDetectorThresholdValidation(t *testing.T) {
	_, err := NewFuzzyDetector(0)
	assert.Error(t, err)
	_, err = NewFuzzyDetector(1.5)
	assert.Error(t, err)
	_, err = NewFuzzyDetector(0.85)
	assert.NoError(t, err)
}

func TestFuzzyMatchPicksHighestScore(t *testing.T) {
	d, err := NewFuzzyDetector(0.85)
	require.NoError(t, err)

	// Nearly identical content for k1, unrelated for k2.
	cand := newCandidate("k1-renamed", map[string]any{"title": "quarterly earnings report acme corp", "body": "net revenue rose four percent"})
	near := newRecord("k1", map[string]any{"title": "quarterly earnings report acme corp", "body": "net revenue rose four percent."}, time.Now())
	far := newRecord("k2", map[string]any{"title": "weather advisory", "body": "heavy rain expected tuesday"}, time.Now())

	best, score, ok := d.Match(cand, []feed.Record{far, near})
	require.True(t, ok)
	assert.Equal(t, "k1", best.NaturalKey)
	assert.GreaterOrEqual(t, score, 0.85)
}

func TestFuzzyMatchBelowThresholdIsNoMatch(t *testing.T) {
	d, err := NewFuzzyDetector(0.85)
	require.NoError(t, err)

	cand := newCandidate("k3", map[string]any{"title": "entirely different topic"})
	far := newRecord("k2", map[string]any{"title": "weather advisory"}, time.Now())

	_, _, ok := d.Match(cand, []feed.Record{far})
	assert.False(t, ok)
}

func TestFuzzyMatchTieBreaksOnLastSeenAt(t *testing.T) {
	d, err := NewFuzzyDetector(0.5)
	require.NoError(t, err)

	content := map[string]any{"title": "same content"}
	cand := newCandidate("kx", map[string]any{"title": "same content"})
	older := newRecord("k-old", content, time.Now().Add(-time.Hour))
	newer := newRecord("k-new", content, time.Now())

	best, _, ok := d.Match(cand, []feed.Record{older, newer})
	require.True(t, ok)
	assert.Equal(t, "k-new", best.NaturalKey)
}

func TestFuzzyClassifyAnnotatesMatchedKey(t *testing.T) {
	d, err := NewFuzzyDetector(0.85)
	require.NoError(t, err)

	existing := newRecord("k1", map[string]any{"title": "A"}, time.Now())
	ev := d.Classify(newCandidate("k1-renamed", map[string]any{"title": "A2"}), &existing)
	assert.Equal(t, feed.ClassificationChanged, ev.Classification)
	assert.Equal(t, "k1", ev.MatchedKey)
	assert.Greater(t, ev.Score, 0.0)
}

func TestLevenshteinRatio(t *testing.T) {
	assert.Equal(t, 1.0, levenshteinRatio("abc", "abc"))
	assert.Equal(t, 0.0, levenshteinRatio("", "abc"))
	assert.InDelta(t, 0.75, levenshteinRatio("abcd", "abcx"), 0.001)
}

func TestRegistryBuildsStrategies(t *testing.T) {
	r := NewRegistry()

	d, err := r.New(StrategyHash, Params{})
	require.NoError(t, err)
	assert.IsType(t, &HashDetector{}, d)

	d, err = r.New(StrategyField, Params{CompareFields: []string{"title"}})
	require.NoError(t, err)
	assert.IsType(t, &FieldDetector{}, d)

	d, err = r.New(StrategyFuzzy, Params{FuzzyThreshold: 0.85})
	require.NoError(t, err)
	assert.IsType(t, &FuzzyDetector{}, d)

	_, err = r.New("semantic", Params{})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
