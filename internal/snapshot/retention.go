package snapshot

import (
	"fmt"
	"sort"
	"time"
)

// RetentionPolicy is the tiered retention schedule.
type RetentionPolicy struct {
	// KeepAll keeps every snapshot younger than this.
	KeepAll time.Duration `yaml:"keep_all" json:"keep_all"`
	// Daily keeps the newest snapshot of each UTC day younger than this.
	Daily time.Duration `yaml:"daily" json:"daily"`
	// Weekly keeps the newest snapshot of each ISO week younger than this.
	Weekly time.Duration `yaml:"weekly" json:"weekly"`
}

// DefaultRetentionPolicy returns 24h / 30d / 1y tiers.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		KeepAll: 24 * time.Hour,
		Daily:   30 * 24 * time.Hour,
		Weekly:  365 * 24 * time.Hour,
	}
}

// Retain returns the IDs to keep. The newest snapshot is always kept, and
// so is the base of every kept diff.
func Retain(headers []Header, now time.Time, p RetentionPolicy) map[string]bool {
	sorted := make([]Header, len(headers))
	copy(sorted, headers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID > sorted[j].ID })

	keep := make(map[string]bool)
	days := make(map[string]bool)
	weeks := make(map[string]bool)

	for i, h := range sorted {
		age := now.Sub(h.Timestamp)
		ts := h.Timestamp.UTC()
		switch {
		case i == 0:
			keep[h.ID] = true
		case age <= p.KeepAll:
			keep[h.ID] = true
		case age <= p.Daily:
			day := ts.Format("2006-01-02")
			if !days[day] {
				days[day] = true
				keep[h.ID] = true
			}
		case age <= p.Weekly:
			year, week := ts.ISOWeek()
			key := fmt.Sprintf("%d-W%02d", year, week)
			if !weeks[key] {
				weeks[key] = true
				keep[h.ID] = true
			}
		}
	}

	for _, h := range sorted {
		if keep[h.ID] && h.Kind == KindDiff && h.BaseID != "" {
			keep[h.BaseID] = true
		}
	}
	return keep
}
