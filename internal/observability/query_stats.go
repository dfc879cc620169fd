package observability

import (
	"sort"
	"sync"
	"time"
)

// QueryStats tracks how often each read path and filter is used, so that
// operators can see which event types are queried hot.
type QueryStats struct {
	mu     sync.RWMutex
	freq   map[string]*FilterStats
	window time.Duration
	now    func() time.Time
}

// FilterStats holds statistics for one filter value (an event type, or the
// empty string for unfiltered reads).
type FilterStats struct {
	Filter    string         `json:"filter"`
	Frequency int64          `json:"frequency"`
	LastSeen  time.Time      `json:"last_seen"`
	Kinds     map[string]int `json:"kinds"` // query kind → count (e.g., "by_type" → 5)
}

// NewQueryStats creates a new query statistics tracker.
// window: entries unseen for longer are dropped by Prune.
func NewQueryStats(window time.Duration) *QueryStats {
	return &QueryStats{
		freq:   make(map[string]*FilterStats),
		window: window,
		now:    time.Now,
	}
}

// Record records one query of the given kind with the given filter.
// This method is O(1) and thread-safe.
func (q *QueryStats) Record(kind, filter string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats, exists := q.freq[filter]
	if !exists {
		stats = &FilterStats{
			Filter: filter,
			Kinds:  make(map[string]int),
		}
		q.freq[filter] = stats
	}

	stats.Frequency++
	stats.LastSeen = q.now()
	stats.Kinds[kind]++
}

// Top returns the top n filters by frequency, most used first.
// The result is a copy.
func (q *QueryStats) Top(n int) []FilterStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if n <= 0 || len(q.freq) == 0 {
		return []FilterStats{}
	}

	stats := make([]FilterStats, 0, len(q.freq))
	for _, s := range q.freq {
		cp := FilterStats{
			Filter:    s.Filter,
			Frequency: s.Frequency,
			LastSeen:  s.LastSeen,
			Kinds:     make(map[string]int, len(s.Kinds)),
		}
		for k, c := range s.Kinds {
			cp.Kinds[k] = c
		}
		stats = append(stats, cp)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Filter < stats[j].Filter
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune removes entries not seen within the window.
func (q *QueryStats) Prune() {
	q.mu.Lock()
	defer q.mu.Unlock()

	threshold := q.now().Add(-q.window)
	for f, stats := range q.freq {
		if stats.LastSeen.Before(threshold) {
			delete(q.freq, f)
		}
	}
}
