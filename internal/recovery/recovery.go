// Package recovery restores a consistent log after an unclean shutdown.
// It runs once at startup, before the writer or any reader is live.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkilian/eventlog/internal/codec"
	logerr "github.com/arkilian/eventlog/internal/errors"
	"github.com/arkilian/eventlog/internal/index"
	"github.com/arkilian/eventlog/internal/wal"
	"github.com/arkilian/eventlog/pkg/types"
)

// State is the recovery state machine position.
type State string

const (
	StateNotStarted            State = "NOT_STARTED"
	StateScanning              State = "SCANNING"
	StateClean                 State = "CLEAN"
	StateTruncatedRecovered    State = "TRUNCATED_RECOVERED"
	StateQuarantinedCorruption State = "QUARANTINED_CORRUPTION"
	StateReady                 State = "READY"
)

// QuarantineDirName holds corruption reports for sealed segments.
const QuarantineDirName = "quarantine"

// Options configures a recovery run.
type Options struct {
	Dir string
	// VerifySealed rescans sealed segments even when a fresh index exists.
	VerifySealed bool
	MaxEventSize int
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// SegmentReport describes how one segment was recovered.
type SegmentReport struct {
	Seq          uint64 `json:"seq"`
	Name         string `json:"name"`
	Sealed       bool   `json:"sealed"`
	FileSize     int64  `json:"file_size"`
	ReadableSize int64  `json:"readable_size"`
	Records      int    `json:"records"`
	// Trusted is set when the persisted index was used instead of a scan.
	Trusted bool `json:"trusted"`
}

// Corruption records one detected boundary.
type Corruption struct {
	Segment     string    `json:"segment"`
	Seq         uint64    `json:"seq"`
	Offset      int64     `json:"offset"`
	Kind        string    `json:"kind"`
	Reason      string    `json:"reason"`
	Action      string    `json:"action"`
	BytesAfter  int64     `json:"bytes_after"`
	LastValidID string    `json:"last_valid_id,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
	ReportPath  string    `json:"report_path,omitempty"`
}

// Corruption actions.
const (
	ActionTruncated   = "truncated"
	ActionQuarantined = "quarantined"
)

// SkippedSegment is a segment that could not be read at all.
type SkippedSegment struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Report summarizes a recovery run.
type Report struct {
	State             State            `json:"state"`
	Segments          []SegmentReport  `json:"segments"`
	Corruptions       []Corruption     `json:"corruptions,omitempty"`
	Skipped           []SkippedSegment `json:"skipped,omitempty"`
	ValidRecords      int              `json:"valid_records"`
	TruncatedRecords  int              `json:"truncated_records"`
	CorruptedRecords  int              `json:"corrupted_records"`
	Duplicates        int              `json:"duplicates"`
	IndexEntries      int              `json:"index_entries"`
	LastEventID       string           `json:"last_event_id,omitempty"`
	LastLSN           uint64           `json:"last_lsn"`
	Duration          time.Duration    `json:"duration"`
	OperatorAttention []string         `json:"operator_attention,omitempty"`

	faults []error
}

// Err returns the conditions that need an operator, joined, or nil. Each
// is a LogError: SEGMENT_CORRUPT for a sealed segment without a single
// valid record, IO_FAILURE for a segment that could not be opened.
func (r *Report) Err() error {
	return errors.Join(r.faults...)
}

func (r *Report) attention(err *logerr.LogError, msg string) {
	r.faults = append(r.faults, err)
	r.OperatorAttention = append(r.OperatorAttention, msg)
}

// Result is everything the writer and readers need to start.
type Result struct {
	Report *Report
	Table  *wal.SegmentTable
	Index  *index.Index
	Seed   wal.Seed
}

// Manager runs recovery and exposes its state.
type Manager struct {
	opts    Options
	codec   *codec.Codec
	logger  *zap.Logger
	syncDir func(dir string) error

	mu    sync.RWMutex
	state State
}

// NewManager creates a recovery manager.
func NewManager(opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		opts:    opts,
		codec:   codec.New(opts.MaxEventSize, logger),
		logger:  logger.Named("recovery"),
		syncDir: wal.SyncDir,
		state:   StateNotStarted,
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// MarkReady moves a finished recovery to READY once the writer is open.
func (m *Manager) MarkReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateClean, StateTruncatedRecovered, StateQuarantinedCorruption:
		m.state = StateReady
	}
}

// run holds the mutable state of one recovery pass.
type run struct {
	report *Report
	index  *index.Index
	seed   wal.Seed
	sealed []wal.SegmentInfo
}

// Run scans the log directory, repairs the active segment, quarantines
// corrupt sealed ranges and rebuilds the index.
func (m *Manager) Run(ctx context.Context) (*Result, error) {
	if s := m.State(); s != StateNotStarted {
		return nil, logerr.NewRecoveryError(logerr.CodeUnexpected, fmt.Sprintf("recovery already ran (state %s)", s), nil)
	}
	start := m.opts.Clock()
	m.setState(StateScanning)

	for _, dir := range []string{m.opts.Dir, m.indexDir(), m.quarantineDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			m.setState(StateNotStarted)
			return nil, logerr.NewRecoveryError(logerr.CodeActiveSegmentUnavailable, "failed to create log directories", err).
				WithDetails(map[string]interface{}{"dir": dir})
		}
	}

	segments, err := wal.ListSealed(m.opts.Dir)
	if err != nil {
		m.setState(StateNotStarted)
		return nil, logerr.NewRecoveryError(logerr.CodeIOFailure, "failed to list segments", err)
	}

	r := &run{
		report: &Report{},
		index:  index.New(),
		seed:   wal.Seed{SourceSeqs: make(map[string]uint64)},
	}

	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			m.setState(StateNotStarted)
			return nil, logerr.NewRecoveryError(logerr.CodeUnexpected, "recovery cancelled", err)
		}
		m.recoverSealed(r, seg)
	}

	activeSeq := uint64(1)
	if n := len(segments); n > 0 {
		activeSeq = segments[n-1].Seq + 1
	}
	active, err := m.recoverActive(r, activeSeq)
	if err != nil {
		m.setState(StateNotStarted)
		return nil, err
	}

	rep := r.report
	rep.IndexEntries = r.index.Len()
	rep.LastEventID = string(r.seed.LastID)
	rep.LastLSN = r.seed.LastLSN
	switch {
	case rep.CorruptedRecords > 0 || len(rep.Skipped) > 0:
		rep.State = StateQuarantinedCorruption
	case rep.TruncatedRecords > 0:
		rep.State = StateTruncatedRecovered
	default:
		rep.State = StateClean
	}
	rep.Duration = m.opts.Clock().Sub(start)
	m.setState(rep.State)

	m.logger.Info("recovery complete",
		zap.String("state", string(rep.State)),
		zap.Int("segments", len(rep.Segments)),
		zap.Int("valid_records", rep.ValidRecords),
		zap.Int("truncated_records", rep.TruncatedRecords),
		zap.Int("corrupted_records", rep.CorruptedRecords),
		zap.Int("duplicates", rep.Duplicates),
		zap.Uint64("last_lsn", rep.LastLSN),
		zap.Duration("duration", rep.Duration))
	for _, msg := range rep.OperatorAttention {
		m.logger.Error("operator attention required", zap.String("detail", msg))
	}

	return &Result{
		Report: rep,
		Table:  wal.NewSegmentTable(m.opts.Dir, r.sealed, active),
		Index:  r.index,
		Seed:   r.seed,
	}, nil
}

func (m *Manager) indexDir() string {
	return filepath.Join(m.opts.Dir, wal.IndexDirName)
}

func (m *Manager) quarantineDir() string {
	return filepath.Join(m.opts.Dir, QuarantineDirName)
}

// recoverSealed restores one rotated segment. Sealed bytes are never
// modified; a corrupt tail only caps the readable size.
func (m *Manager) recoverSealed(r *run, seg wal.SegmentInfo) {
	path := filepath.Join(m.opts.Dir, seg.Name)
	idxPath := filepath.Join(m.indexDir(), index.FileName(seg.Name))

	if !m.opts.VerifySealed {
		if entries, ok := m.trustedEntries(path, idxPath, seg); ok {
			added := m.accept(r, entries)
			r.sealed = append(r.sealed, seg)
			r.report.Segments = append(r.report.Segments, SegmentReport{
				Seq: seg.Seq, Name: seg.Name, Sealed: true,
				FileSize: seg.Size, ReadableSize: seg.Size, Records: added, Trusted: true,
			})
			return
		}
	}

	f, err := os.Open(path)
	if err != nil {
		m.logger.Error("skipping unreadable segment", zap.String("segment", seg.Name), zap.Error(err))
		r.report.Skipped = append(r.report.Skipped, SkippedSegment{Name: seg.Name, Reason: err.Error()})
		r.report.attention(
			logerr.NewRecoveryError(logerr.CodeIOFailure, "sealed segment could not be opened", err).
				WithDetails(map[string]interface{}{"segment": seg.Name}),
			fmt.Sprintf("segment %s could not be opened: %v", seg.Name, err))
		return
	}
	defer f.Close()

	res := m.scan(r, f, seg.Seq)
	readable := res.boundary
	if res.last.Kind != codec.End {
		c := m.corruption(seg, res, ActionQuarantined)
		c.ReportPath = m.quarantine(c)
		r.report.Corruptions = append(r.report.Corruptions, c)
		r.report.CorruptedRecords++
		if res.boundary == 0 {
			r.report.attention(
				logerr.NewRecoveryError(logerr.CodeSegmentCorrupt, "sealed segment has no valid record", nil).
					WithDetails(map[string]interface{}{"segment": seg.Name, "bytes": seg.Size, "reason": c.Reason}),
				fmt.Sprintf("sealed segment %s is corrupt from its first record", seg.Name))
		}
		m.logger.Warn("quarantined corrupt range in sealed segment",
			zap.String("segment", seg.Name),
			zap.Int64("offset", res.boundary),
			zap.Int64("bytes", c.BytesAfter),
			zap.String("reason", c.Reason))
	}

	info := seg
	info.Size = readable
	r.sealed = append(r.sealed, info)
	r.report.Segments = append(r.report.Segments, SegmentReport{
		Seq: seg.Seq, Name: seg.Name, Sealed: true,
		FileSize: seg.Size, ReadableSize: readable, Records: res.added,
	})

	if err := index.WriteFile(idxPath, seg.Seq, readable, r.index.Segment(seg.Seq)); err != nil {
		m.logger.Warn("failed to persist rebuilt segment index", zap.String("segment", seg.Name), zap.Error(err))
	}
}

// trustedEntries returns the persisted entries of a sealed segment when the
// index file covers the whole file and its last entry decodes to the
// expected event.
func (m *Manager) trustedEntries(path, idxPath string, seg wal.SegmentInfo) ([]index.Entry, bool) {
	f, err := index.ReadFile(idxPath)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("ignoring invalid segment index", zap.String("segment", seg.Name), zap.Error(err))
		}
		return nil, false
	}
	if f.Segment != seg.Seq || f.CoveredSize != seg.Size {
		return nil, false
	}
	if len(f.Entries) == 0 {
		return nil, seg.Size == 0
	}

	last := f.Entries[len(f.Entries)-1]
	if last.End() != seg.Size {
		return nil, false
	}
	data, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer data.Close()
	frame := make([]byte, last.Length)
	if _, err := data.ReadAt(frame, last.Offset); err != nil {
		return nil, false
	}
	e, err := m.codec.Decode(frame)
	if err != nil || e.ID != last.ID {
		return nil, false
	}
	return f.Entries, true
}

// accept adds entries in order, skipping anything that does not sort after
// the recovered head.
func (m *Manager) accept(r *run, entries []index.Entry) int {
	added := 0
	for _, e := range entries {
		if e.ID <= r.seed.LastID {
			r.report.Duplicates++
			continue
		}
		if err := r.index.Add(e); err != nil {
			r.report.Duplicates++
			continue
		}
		r.seed.LastID = e.ID
		if e.LSN > r.seed.LastLSN {
			r.seed.LastLSN = e.LSN
		}
		if e.SourceSeq > r.seed.SourceSeqs[e.Source] {
			r.seed.SourceSeqs[e.Source] = e.SourceSeq
		}
		r.report.ValidRecords++
		added++
	}
	return added
}

type scanResult struct {
	boundary    int64
	added       int
	last        codec.Result
	lastValidID types.EventID
}

// scan reads records until the first non-valid result.
func (m *Manager) scan(r *run, f *os.File, seq uint64) scanResult {
	rd := codec.NewReader(f, 0)
	var out scanResult
	for {
		res := rd.Next()
		if res.Kind != codec.Valid {
			out.boundary = res.Offset
			out.last = res
			return out
		}
		entry := index.EntryFor(res.Event, types.Position{Segment: seq, Offset: res.Offset, Length: res.Length})
		out.added += m.accept(r, []index.Entry{entry})
		out.lastValidID = res.Event.ID
	}
}

// recoverActive scans current.log and truncates it at the first boundary.
func (m *Manager) recoverActive(r *run, seq uint64) (wal.SegmentInfo, error) {
	path := filepath.Join(m.opts.Dir, wal.ActiveFileName)
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return wal.SegmentInfo{}, logerr.NewRecoveryError(logerr.CodeActiveSegmentUnavailable, "failed to open active segment", err).
			WithDetails(map[string]interface{}{"segment": wal.ActiveFileName})
	}
	defer f.Close()
	if os.IsNotExist(statErr) {
		if err := m.syncDir(m.opts.Dir); err != nil {
			return wal.SegmentInfo{}, logerr.NewRecoveryError(logerr.CodeActiveSegmentUnavailable, "failed to sync log directory after creating active segment", err).
				WithDetails(map[string]interface{}{"segment": wal.ActiveFileName})
		}
	}

	st, err := f.Stat()
	if err != nil {
		return wal.SegmentInfo{}, logerr.NewRecoveryError(logerr.CodeActiveSegmentUnavailable, "failed to stat active segment", err)
	}

	info := wal.SegmentInfo{Seq: seq, Name: wal.ActiveFileName, Size: st.Size()}
	res := m.scan(r, f, seq)

	if res.last.Kind != codec.End {
		c := m.corruption(info, res, ActionTruncated)
		if err := f.Truncate(res.boundary); err != nil {
			return wal.SegmentInfo{}, logerr.NewRecoveryError(logerr.CodeActiveSegmentUnavailable, "failed to truncate active segment", err).
				WithDetails(map[string]interface{}{"segment": seq, "offset": res.boundary})
		}
		if err := f.Sync(); err != nil {
			return wal.SegmentInfo{}, logerr.NewRecoveryError(logerr.CodeActiveSegmentUnavailable, "failed to fsync active segment", err).
				WithDetails(map[string]interface{}{"segment": seq, "offset": res.boundary})
		}
		r.report.Corruptions = append(r.report.Corruptions, c)
		r.report.TruncatedRecords++
		m.logger.Warn("truncated active segment",
			zap.Uint64("seq", seq),
			zap.Int64("offset", res.boundary),
			zap.Int64("bytes", c.BytesAfter),
			zap.String("kind", c.Kind),
			zap.String("reason", c.Reason))
	}

	info.Size = res.boundary
	info.Created = m.opts.Clock()
	if first, ok := firstOf(r.index, seq); ok {
		info.Created = time.Unix(0, first.TimestampNs)
	}

	r.report.Segments = append(r.report.Segments, SegmentReport{
		Seq: seq, Name: wal.ActiveFileName, FileSize: st.Size(), ReadableSize: info.Size, Records: res.added,
	})
	return info, nil
}

func firstOf(idx *index.Index, seq uint64) (index.Entry, bool) {
	entries := idx.Segment(seq)
	if len(entries) == 0 {
		return index.Entry{}, false
	}
	return entries[0], true
}

func (m *Manager) corruption(seg wal.SegmentInfo, res scanResult, action string) Corruption {
	reason := res.last.Reason
	if reason == "" && res.last.Err != nil {
		reason = res.last.Err.Error()
	}
	if reason == "" {
		reason = res.last.Kind.String()
	}
	return Corruption{
		Segment:     seg.Name,
		Seq:         seg.Seq,
		Offset:      res.boundary,
		Kind:        res.last.Kind.String(),
		Reason:      reason,
		Action:      action,
		BytesAfter:  seg.Size - res.boundary,
		LastValidID: string(res.lastValidID),
		DetectedAt:  m.opts.Clock().UTC(),
	}
}

// quarantine writes a JSON report for a corrupt sealed range and returns
// its path, or "" if it could not be written.
func (m *Manager) quarantine(c Corruption) string {
	path := filepath.Join(m.quarantineDir(), fmt.Sprintf("%s-%d.json", strings.TrimSuffix(c.Segment, filepath.Ext(c.Segment)), c.Offset))
	data, err := json.MarshalIndent(c, "", "  ")
	if err == nil {
		err = os.WriteFile(path, data, 0644)
	}
	if err != nil {
		m.logger.Error("failed to write quarantine report", zap.String("path", path), zap.Error(err))
		return ""
	}
	return path
}
