package pipeline

import "sync"

// defaultHistorySize bounds the in-memory run history served by /runs.
const defaultHistorySize = 100

// History is a fixed-size, newest-first buffer of run summaries.
type History struct {
	mu   sync.RWMutex
	max  int
	runs []*Summary
}

func NewHistory(max int) *History {
	if max <= 0 {
		max = defaultHistorySize
	}
	return &History{max: max}
}

// Add records a finished run, evicting the oldest entry when full.
func (h *History) Add(sum *Summary) {
	if sum == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append([]*Summary{sum}, h.runs...)
	if len(h.runs) > h.max {
		h.runs = h.runs[:h.max]
	}
}

// Recent returns up to n summaries, newest first. n <= 0 returns all.
func (h *History) Recent(n int) []*Summary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.runs) {
		n = len(h.runs)
	}
	out := make([]*Summary, n)
	copy(out, h.runs[:n])
	return out
}
