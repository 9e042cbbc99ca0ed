package change

import (
	"sort"

	"github.com/feedspine/feedspine/pkg/feed"
)

// FieldDetector classifies by comparing content field-by-field. CHANGED
// events carry the sorted list of differing field names, which makes this the
// strategy of choice when field-level audit is required.
type FieldDetector struct {
	compareFields []string
}

// NewFieldDetector returns the field strategy. With no fields given, every
// field present on either side is compared.
func NewFieldDetector(compareFields []string) *FieldDetector {
	return &FieldDetector{compareFields: compareFields}
}

// Classify diffs candidate content against existing content.
func (d *FieldDetector) Classify(cand *feed.RecordCandidate, existing *feed.Record) feed.ChangeEvent {
	if existing == nil {
		return feed.ChangeEvent{Classification: feed.ClassificationNew}
	}

	fields := d.compareFields
	if len(fields) == 0 {
		fields = unionKeys(cand.Content, existing.Content)
	}

	var changed []string
	for _, name := range fields {
		cv, cok := cand.Content[name]
		ev, eok := existing.Content[name]
		if cok != eok || !valuesEqual(cv, ev) {
			changed = append(changed, name)
		}
	}

	if len(changed) == 0 {
		return feed.ChangeEvent{Classification: feed.ClassificationUnchanged}
	}
	sort.Strings(changed)
	return feed.ChangeEvent{Classification: feed.ClassificationChanged, ChangedFields: changed}
}

// valuesEqual compares two content values through their canonical
// serialization, so nested structures and numeric representations compare the
// same way the content hash sees them.
func valuesEqual(a, b any) bool {
	return feed.CanonicalString(map[string]any{"v": a}) == feed.CanonicalString(map[string]any{"v": b})
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for k := range a {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
