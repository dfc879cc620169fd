package store

import (
	"context"
	"time"

	"github.com/arkilian/eventlog/internal/config"
	"github.com/arkilian/eventlog/internal/observability"
	"github.com/arkilian/eventlog/internal/recovery"
	"github.com/arkilian/eventlog/internal/storage"
)

// Health is the store's health signal, consumed by an external degradation
// controller.
type Health struct {
	Status  observability.Health `json:"status"`
	Reasons []string             `json:"reasons,omitempty"`

	Append     observability.LatencyStats `json:"append"`
	Query      observability.LatencyStats `json:"query"`
	Throughput float64                    `json:"throughput_eps"`
	ErrorRatio float64                    `json:"error_ratio"`
	Backlog    int                        `json:"backlog"`

	RecoveryState recovery.State `json:"recovery_state"`
	Segments      int            `json:"segments"`
	LogBytes      int64          `json:"log_bytes"`
	DiskBytes     int64          `json:"disk_bytes"`
	IndexEntries  int            `json:"index_entries"`
	LastLSN       uint64         `json:"last_lsn"`
	LastEventID   string         `json:"last_event_id,omitempty"`

	Snapshots       int    `json:"snapshots"`
	LatestSnapshot  string `json:"latest_snapshot,omitempty"`
	PendingSnapshot uint64 `json:"events_since_snapshot"`

	Archive *storage.ArchiveStats `json:"archive,omitempty"`

	WriterError   string `json:"writer_error,omitempty"`
	OperatorError string `json:"operator_error,omitempty"`

	Monitor observability.Status `json:"monitor"`
	Checked time.Time            `json:"checked"`
}

// Health reports latency percentiles, throughput, disk usage, recovery
// state and log position. A failed writer is always critical; recovery
// findings that need an operator degrade it.
func (s *Store) Health() Health {
	st := s.monitor.Status()
	table := s.wal.Table()
	h := Health{
		Status:          st.Health,
		Reasons:         st.Reasons,
		Append:          st.Append,
		Query:           st.Query,
		Throughput:      st.Throughput,
		ErrorRatio:      st.ErrorRatio,
		Backlog:         st.Backlog,
		RecoveryState:   s.recovery.State(),
		Segments:        len(table.List()),
		LogBytes:        table.TotalBytes(),
		DiskBytes:       dirSize(s.cfg.DataDir, s.archiveDir()),
		IndexEntries:    s.index.Len(),
		LastLSN:         s.wal.LastLSN(),
		LastEventID:     string(s.wal.LastID()),
		PendingSnapshot: s.snapshots.Pending(),
		Monitor:         st,
		Checked:         time.Now(),
	}

	if headers, err := s.snapshots.List(context.Background()); err == nil {
		h.Snapshots = len(headers)
		if n := len(headers); n > 0 {
			h.LatestSnapshot = headers[n-1].ID
		}
	}
	if s.archiver != nil {
		stats := s.archiver.Stats()
		h.Archive = &stats
	}

	if s.closed.Load() {
		h.Status = observability.Critical
		h.Reasons = append(h.Reasons, "event log is closed")
		return h
	}
	if err := s.report.Err(); err != nil {
		h.OperatorError = err.Error()
		if h.Status == observability.Healthy {
			h.Status = observability.Degraded
		}
		h.Reasons = append(h.Reasons, "recovery needs operator attention")
	}
	if err := s.wal.Failed(); err != nil {
		h.WriterError = err.Error()
		h.Status = observability.Critical
		h.Reasons = append(h.Reasons, "writer failed")
	}
	return h
}

// archiveDir is the local archive directory when it lives under the data
// directory, so that disk usage does not count it.
func (s *Store) archiveDir() string {
	if s.archiver == nil || s.cfg.Archive.Type != config.ArchiveLocal {
		return ""
	}
	return s.cfg.Archive.Path
}
