// Package change implements the pluggable change-detection strategies used to
// classify a record candidate against previously stored state: hash (cheap
// digest compare, the default), field (field-level diff for audit), and fuzzy
// (similarity scoring for uncertain natural keys).
package change

import (
	"errors"
	"fmt"

	"github.com/feedspine/feedspine/pkg/feed"
)

// Strategy names accepted by the registry.
const (
	StrategyHash  = "hash"
	StrategyField = "field"
	StrategyFuzzy = "fuzzy"
)

// ErrUnknownStrategy is returned by the registry for an unregistered name.
var ErrUnknownStrategy = errors.New("unknown change-detection strategy")

// Detector classifies a candidate against the existing record for the same
// natural key. A nil existing record always classifies as NEW.
type Detector interface {
	Classify(cand *feed.RecordCandidate, existing *feed.Record) feed.ChangeEvent
}

// Matcher is the optional capability for strategies that can resolve an
// uncertain natural key against a set of existing records (fuzzy matching).
// The deduplicator consults it only when the exact-key lookup misses.
type Matcher interface {
	// Match returns the best-scoring existing record and its score, or
	// ok=false when no record clears the strategy's threshold.
	Match(cand *feed.RecordCandidate, existing []feed.Record) (best *feed.Record, score float64, ok bool)
}

// Params carries per-source strategy configuration.
type Params struct {
	// CompareFields restricts the field strategy to the named fields.
	// Empty means every field of either side is compared.
	CompareFields []string
	// FuzzyThreshold is the minimum similarity score for the fuzzy strategy
	// to treat a candidate as a match against an existing record.
	FuzzyThreshold float64
}

// Factory constructs a detector from per-source parameters.
type Factory func(p Params) (Detector, error)

// Registry maps strategy names to factories. Like the adapter and backend
// registries it is an explicit value assembled at start-up.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry pre-populated with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(StrategyHash, func(Params) (Detector, error) { return NewHashDetector(), nil })
	r.Register(StrategyField, func(p Params) (Detector, error) { return NewFieldDetector(p.CompareFields), nil })
	r.Register(StrategyFuzzy, func(p Params) (Detector, error) { return NewFuzzyDetector(p.FuzzyThreshold) })
	return r
}

// Register adds a factory under a strategy name, replacing any previous entry.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// New constructs the named strategy.
func (r *Registry) New(name string, p Params) (Detector, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return f(p)
}
