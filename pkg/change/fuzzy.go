package change

import (
	"fmt"
	"strings"

	"github.com/feedspine/feedspine/pkg/feed"
)

// FuzzyDetector handles sources whose natural keys are themselves uncertain
// (renames, re-issued identifiers). When the exact-key lookup misses, Match
// scores the candidate against existing records in the same namespace; the
// top score at or above the threshold wins, ties broken by the most recently
// seen record. Below the threshold the candidate is NEW.
type FuzzyDetector struct {
	threshold float64
}

// NewFuzzyDetector returns the fuzzy strategy. The threshold must be in (0, 1].
func NewFuzzyDetector(threshold float64) (*FuzzyDetector, error) {
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("fuzzy threshold must be in (0, 1], got %v", threshold)
	}
	return &FuzzyDetector{threshold: threshold}, nil
}

// Classify behaves like the hash strategy once a concrete existing record has
// been resolved, but annotates CHANGED events with the similarity score.
func (d *FuzzyDetector) Classify(cand *feed.RecordCandidate, existing *feed.Record) feed.ChangeEvent {
	if existing == nil {
		return feed.ChangeEvent{Classification: feed.ClassificationNew}
	}
	if cand.ContentHash == existing.ContentHash {
		return feed.ChangeEvent{Classification: feed.ClassificationUnchanged}
	}
	ev := feed.ChangeEvent{
		Classification: feed.ClassificationChanged,
		Score:          d.Similarity(cand, existing),
	}
	if existing.NaturalKey != cand.NaturalKey {
		ev.MatchedKey = existing.NaturalKey
	}
	return ev
}

// Match scores cand against every record in existing and returns the best
// match clearing the threshold.
func (d *FuzzyDetector) Match(cand *feed.RecordCandidate, existing []feed.Record) (*feed.Record, float64, bool) {
	var best *feed.Record
	var bestScore float64

	for i := range existing {
		rec := &existing[i]
		score := d.Similarity(cand, rec)
		switch {
		case best == nil || score > bestScore:
			best, bestScore = rec, score
		case score == bestScore && rec.LastSeenAt.After(best.LastSeenAt):
			// Exact tie: prefer the most recently seen record.
			best = rec
		}
	}

	if best == nil || bestScore < d.threshold {
		return nil, bestScore, false
	}
	return best, bestScore, true
}

// Similarity returns a score in [0, 1] blending edit distance over the
// canonical content serialization with token overlap of string field values.
func (d *FuzzyDetector) Similarity(cand *feed.RecordCandidate, rec *feed.Record) float64 {
	a := feed.CanonicalString(cand.Content)
	b := feed.CanonicalString(rec.Content)
	lev := levenshteinRatio(a, b)
	jac := tokenJaccard(contentTokens(cand.Content), contentTokens(rec.Content))
	return 0.6*lev + 0.4*jac
}

// levenshteinRatio is 1 - dist/maxLen, computed with a two-row matrix.
func levenshteinRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	return 1 - float64(prev[len(rb)])/float64(maxLen)
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// contentTokens lower-cases and splits every string value in content.
func contentTokens(content map[string]any) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, v := range content {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, tok := range strings.Fields(strings.ToLower(s)) {
			tokens[tok] = struct{}{}
		}
	}
	return tokens
}

func tokenJaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var inter int
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
