package change

import (
	"github.com/feedspine/feedspine/pkg/feed"
)

// HashDetector classifies by comparing content hashes. O(1), no field-level
// detail; the default strategy.
type HashDetector struct{}

// NewHashDetector returns the hash strategy.
func NewHashDetector() *HashDetector { return &HashDetector{} }

// Classify compares candidate and existing content hashes.
func (d *HashDetector) Classify(cand *feed.RecordCandidate, existing *feed.Record) feed.ChangeEvent {
	if existing == nil {
		return feed.ChangeEvent{Classification: feed.ClassificationNew}
	}
	if cand.ContentHash == existing.ContentHash {
		return feed.ChangeEvent{Classification: feed.ClassificationUnchanged}
	}
	return feed.ChangeEvent{Classification: feed.ClassificationChanged}
}
