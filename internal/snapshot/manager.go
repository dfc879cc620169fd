package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	logerr "github.com/arkilian/eventlog/internal/errors"
	"github.com/arkilian/eventlog/internal/replay"
	"github.com/arkilian/eventlog/internal/wal"
	"github.com/arkilian/eventlog/pkg/types"
)

// Config configures the snapshot manager.
type Config struct {
	Dir string
	// EveryEvents, Interval and EveryBytes are the count, time and size
	// triggers. Zero disables a trigger.
	EveryEvents uint64
	Interval    time.Duration
	EveryBytes  int64
	Incremental bool
	DiffRatio   float64
	Retention   RetentionPolicy
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the default triggers: 10,000 events, 6h, 500 MiB.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		EveryEvents: 10000,
		Interval:    6 * time.Hour,
		EveryBytes:  500 << 20,
		Incremental: true,
		DiffRatio:   0.30,
		Retention:   DefaultRetentionPolicy(),
	}
}

// Archiver receives validated snapshot files for off-host copies and
// drops the copies of retired snapshots.
type Archiver interface {
	Enqueue(localPath, objectPath string)
	Remove(objectPath string)
}

type request struct {
	lsn     uint64
	trigger Trigger
}

// Manager creates, restores and retires snapshots. Triggered snapshots are
// created on a single background worker.
type Manager struct {
	cfg        Config
	engine     *replay.Engine
	projection Projection
	head       func() uint64
	catalog    *Catalog
	logger     *zap.Logger

	archiveMu sync.RWMutex
	archiver  Archiver
	onCreate  []func(Header)

	createMu sync.Mutex

	trigMu        sync.Mutex
	pendingEvents uint64
	pendingBytes  int64

	requests chan request
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

// NewManager opens the snapshot directory and resyncs the catalog from the
// snapshot files. head reports the last durable LSN.
func NewManager(cfg Config, engine *replay.Engine, projection Projection, head func() uint64, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.DiffRatio <= 0 {
		cfg.DiffRatio = 0.30
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, logerr.NewSnapshotError(logerr.CodeIOFailure, "failed to create snapshot directory", err)
	}
	catalog, err := OpenCatalog(filepath.Join(cfg.Dir, CatalogFileName))
	if err != nil {
		return nil, logerr.NewSnapshotError(logerr.CodeIOFailure, "failed to open snapshot catalog", err)
	}

	m := &Manager{
		cfg:        cfg,
		engine:     engine,
		projection: projection,
		head:       head,
		catalog:    catalog,
		logger:     logger.Named("snapshot"),
		requests:   make(chan request, 64),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	if err := m.resync(context.Background()); err != nil {
		catalog.Close()
		return nil, err
	}
	return m, nil
}

// SetArchiver sets where validated snapshots are copied.
func (m *Manager) SetArchiver(a Archiver) {
	m.archiveMu.Lock()
	m.archiver = a
	m.archiveMu.Unlock()
}

// OnCreate registers fn to run after each snapshot validates.
func (m *Manager) OnCreate(fn func(Header)) {
	m.archiveMu.Lock()
	m.onCreate = append(m.onCreate, fn)
	m.archiveMu.Unlock()
}

// resync rebuilds the catalog from the snapshot files on disk.
func (m *Manager) resync(ctx context.Context) error {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return logerr.NewSnapshotError(logerr.CodeIOFailure, "failed to read snapshot directory", err)
	}
	var headers []Header
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		c, err := readFile(filepath.Join(m.cfg.Dir, name))
		if err != nil {
			m.logger.Warn("ignoring invalid snapshot file", zap.String("file", name), zap.Error(err))
			continue
		}
		headers = append(headers, c.Header)
	}
	if err := m.catalog.Replace(ctx, headers); err != nil {
		return logerr.NewSnapshotError(logerr.CodeIOFailure, "failed to resync snapshot catalog", err)
	}
	return nil
}

// Start runs the background worker that serves count, size and time triggers.
func (m *Manager) Start() {
	m.started = true
	go m.run()
}

// Close stops the worker after it has served every queued trigger.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.started {
			<-m.doneCh
		}
	})
	return m.catalog.Close()
}

// Observe is the writer's commit hook. It evaluates the count and size
// triggers against each committed event so the target LSN is exact.
func (m *Manager) Observe(c wal.Commit) {
	m.trigMu.Lock()
	defer m.trigMu.Unlock()

	for i, e := range c.Events {
		m.pendingEvents++
		m.pendingBytes += int64(c.Positions[i].Length)

		var trig Trigger
		switch {
		case m.cfg.EveryEvents > 0 && m.pendingEvents >= m.cfg.EveryEvents:
			trig = TriggerCount
		case m.cfg.EveryBytes > 0 && m.pendingBytes >= m.cfg.EveryBytes:
			trig = TriggerSize
		default:
			continue
		}
		m.resetLocked()
		select {
		case m.requests <- request{lsn: e.LSN, trigger: trig}:
		default:
			m.logger.Warn("snapshot queue full, dropping trigger",
				zap.String("trigger", string(trig)), zap.Uint64("lsn", e.LSN))
		}
	}
}

func (m *Manager) resetLocked() {
	m.pendingEvents = 0
	m.pendingBytes = 0
}

func (m *Manager) run() {
	defer close(m.doneCh)

	var timer *time.Timer
	var timerC <-chan time.Time
	resetTimer := func() {
		if m.cfg.Interval <= 0 {
			return
		}
		if timer == nil {
			timer = time.NewTimer(m.cfg.Interval)
		} else {
			timer.Reset(m.cfg.Interval)
		}
		timerC = timer.C
	}
	resetTimer()
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	ctx := context.Background()
	for {
		select {
		case req := <-m.requests:
			m.serve(ctx, req)
			resetTimer()
		case <-timerC:
			m.trigMu.Lock()
			m.resetLocked()
			m.trigMu.Unlock()
			m.serve(ctx, request{lsn: m.head(), trigger: TriggerTime})
			resetTimer()
		case <-m.stopCh:
			for {
				select {
				case req := <-m.requests:
					m.serve(ctx, req)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) serve(ctx context.Context, req request) {
	if _, err := m.CreateAt(ctx, req.lsn, req.trigger); err != nil {
		m.logger.Error("triggered snapshot failed",
			zap.String("trigger", string(req.trigger)),
			zap.Uint64("lsn", req.lsn),
			zap.Error(err))
	}
}

// Create takes a snapshot at the current head.
func (m *Manager) Create(ctx context.Context) (Header, error) {
	m.trigMu.Lock()
	m.resetLocked()
	m.trigMu.Unlock()
	return m.CreateAt(ctx, m.head(), TriggerManual)
}

// CreateAt takes a snapshot covering every event up to and including
// target. If the latest snapshot already covers target it is returned.
func (m *Manager) CreateAt(ctx context.Context, target uint64, trigger Trigger) (Header, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	start := m.cfg.Clock()
	latest, hasLatest, err := m.catalog.Latest(ctx)
	if err != nil {
		return Header{}, logerr.NewSnapshotError(logerr.CodeIOFailure, "failed to read snapshot catalog", err)
	}
	if hasLatest && latest.LastSequence >= target {
		return latest, nil
	}

	state := State{}
	var cp replay.Checkpoint
	h := Header{Kind: KindFull, Trigger: trigger}
	if hasLatest {
		if state, _, err = m.restore(ctx, latest.ID); err != nil {
			return Header{}, err
		}
		cp.AfterEventID = latest.LastEventID
		h.LastEventID = latest.LastEventID
		h.LastSequence = latest.LastSequence
	}

	it := m.engine.From(ctx, cp, replay.Options{UntilLSN: target})
	for target > 0 {
		e, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			it.Close()
			return Header{}, logerr.NewSnapshotError(logerr.CodeIOFailure, "replay failed during snapshot", err)
		}
		if state, err = m.apply(state, e); err != nil {
			it.Close()
			return Header{}, logerr.NewSnapshotError(logerr.CodeUnexpected, "projection failed", err).
				WithDetails(map[string]interface{}{"event_id": string(e.ID)})
		}
		h.LastEventID = e.ID
		h.LastSequence = e.LSN
		h.EventCount++
	}
	it.Close()
	if h.EventCount == 0 && hasLatest {
		return latest, nil
	}

	now := m.cfg.Clock()
	h.Timestamp = now.UTC()
	h.ID = IDFor(now)
	if hasLatest && h.ID <= latest.ID {
		h.ID = IDFor(time.Unix(0, parseID(latest.ID)+1))
	}
	stateBytes, err := sizeOf(state)
	if err != nil {
		return Header{}, logerr.NewSnapshotError(logerr.CodeUnexpected, "state is not serializable", err)
	}
	h.StateBytes = int64(stateBytes)

	c := &content{Header: h, State: state}
	if m.cfg.Incremental {
		if d, base, ok := m.tryDiff(ctx, state); ok {
			c.Header.Kind = KindDiff
			c.Header.BaseID = base
			c.State = nil
			c.Diff = d
		}
	}

	path, _, _, err := writeFile(m.cfg.Dir, c)
	if err != nil {
		return Header{}, logerr.NewSnapshotError(logerr.CodeIOFailure, "failed to write snapshot", err).
			WithDetails(map[string]interface{}{"snapshot_id": h.ID})
	}
	written, err := readFile(path)
	if err != nil {
		os.Remove(path)
		return Header{}, logerr.NewSnapshotError(logerr.CodeSnapshotInvalid, "snapshot failed verification after write", err).
			WithDetails(map[string]interface{}{"snapshot_id": h.ID})
	}
	h = written.Header

	if err := m.catalog.Put(ctx, h); err != nil {
		m.logger.Warn("failed to record snapshot in catalog", zap.String("snapshot_id", h.ID), zap.Error(err))
	}

	m.logger.Info("snapshot created",
		zap.String("snapshot_id", h.ID),
		zap.String("kind", string(h.Kind)),
		zap.String("trigger", string(h.Trigger)),
		zap.Uint64("last_sequence", h.LastSequence),
		zap.Uint64("events", h.EventCount),
		zap.Int64("size_bytes", h.SizeBytes),
		zap.Duration("duration", m.cfg.Clock().Sub(start)))

	m.applyRetention(ctx)

	m.archiveMu.RLock()
	a := m.archiver
	hooks := m.onCreate
	m.archiveMu.RUnlock()
	if a != nil {
		a.Enqueue(path, archiveKey(h.ID))
	}
	for _, fn := range hooks {
		fn(h)
	}
	return h, nil
}

// tryDiff returns a diff against the latest full snapshot when it is
// small enough to be worth persisting.
func (m *Manager) tryDiff(ctx context.Context, state State) (*Diff, string, bool) {
	base, ok, err := m.catalog.LatestFull(ctx)
	if err != nil || !ok {
		return nil, "", false
	}
	c, err := readFile(m.path(base.ID))
	if err != nil {
		m.logger.Warn("diff base unreadable, writing full snapshot", zap.String("base_id", base.ID), zap.Error(err))
		return nil, "", false
	}
	d := ComputeDiff(c.State, state)
	use, err := worthIt(d, c.State, m.cfg.DiffRatio)
	if err != nil || !use {
		return nil, "", false
	}
	return d, base.ID, true
}

func parseID(id string) int64 {
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.cfg.Dir, FileName(id))
}

// Restore returns the state captured by snapshot id, resolving a diff
// against its base.
func (m *Manager) Restore(ctx context.Context, id string) (State, Header, error) {
	return m.restore(ctx, id)
}

func (m *Manager) restore(ctx context.Context, id string) (State, Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, Header{}, err
	}
	c, err := readFile(m.path(id))
	if err != nil {
		return nil, Header{}, err
	}
	if c.Header.Kind != KindDiff {
		return c.State, c.Header, nil
	}
	base, err := readFile(m.path(c.Header.BaseID))
	if err != nil {
		return nil, Header{}, logerr.NewSnapshotError(logerr.CodeSnapshotInvalid, "diff base is unavailable", err).
			WithDetails(map[string]interface{}{"snapshot_id": id, "base_id": c.Header.BaseID})
	}
	if base.Header.Kind != KindFull {
		return nil, Header{}, logerr.NewSnapshotError(logerr.CodeSnapshotInvalid, "diff base is not a full snapshot", nil).
			WithDetails(map[string]interface{}{"snapshot_id": id, "base_id": c.Header.BaseID})
	}
	return c.Diff.Apply(base.State), c.Header, nil
}

// Latest returns the newest snapshot header.
func (m *Manager) Latest(ctx context.Context) (Header, bool, error) {
	return m.catalog.Latest(ctx)
}

// List returns every snapshot header, oldest first.
func (m *Manager) List(ctx context.Context) ([]Header, error) {
	return m.catalog.List(ctx)
}

// CurrentState folds the events after the latest snapshot into its state.
// It returns the state and the LSN it reflects.
func (m *Manager) CurrentState(ctx context.Context) (State, uint64, error) {
	state := State{}
	var cp replay.Checkpoint
	var lsn uint64

	latest, ok, err := m.catalog.Latest(ctx)
	if err != nil {
		return nil, 0, logerr.NewSnapshotError(logerr.CodeIOFailure, "failed to read snapshot catalog", err)
	}
	if ok {
		if state, _, err = m.restore(ctx, latest.ID); err != nil {
			return nil, 0, err
		}
		cp.AfterEventID = latest.LastEventID
		lsn = latest.LastSequence
	}

	head := m.head()
	if head == 0 || head <= lsn {
		return state, lsn, nil
	}
	it := m.engine.From(ctx, cp, replay.Options{UntilLSN: head})
	defer it.Close()
	for {
		e, err := it.Next()
		if errors.Is(err, io.EOF) {
			return state, lsn, nil
		}
		if err != nil {
			return nil, 0, err
		}
		if state, err = m.apply(state, e); err != nil {
			return nil, 0, logerr.NewSnapshotError(logerr.CodeUnexpected, "projection failed", err).
				WithDetails(map[string]interface{}{"event_id": string(e.ID)})
		}
		lsn = e.LSN
	}
}

// applyRetention deletes snapshots outside the retention tiers.
func (m *Manager) applyRetention(ctx context.Context) {
	headers, err := m.catalog.List(ctx)
	if err != nil {
		m.logger.Warn("retention skipped", zap.Error(err))
		return
	}
	keep := Retain(headers, m.cfg.Clock(), m.cfg.Retention)

	m.archiveMu.RLock()
	a := m.archiver
	m.archiveMu.RUnlock()
	for _, h := range headers {
		if keep[h.ID] {
			continue
		}
		if m.remove(ctx, h.ID) && a != nil {
			a.Remove(archiveKey(h.ID))
		}
	}
}

// remove deletes the local snapshot file and its catalog row. Archived
// copies are left alone.
func (m *Manager) remove(ctx context.Context, id string) bool {
	if err := os.Remove(m.path(id)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to delete snapshot", zap.String("snapshot_id", id), zap.Error(err))
		return false
	}
	if err := m.catalog.Delete(ctx, id); err != nil {
		m.logger.Warn("failed to delete snapshot from catalog", zap.String("snapshot_id", id), zap.Error(err))
	}
	m.logger.Info("snapshot retired", zap.String("snapshot_id", id))
	return true
}

// apply folds e into state. A panicking projection becomes an error so a
// bad fold cannot take down the snapshot worker.
func (m *Manager) apply(state State, e *types.Event) (next State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = logerr.NewInternalError("projection panicked", fmt.Errorf("%v", r)).
				WithDetails(map[string]interface{}{"event_id": string(e.ID)})
		}
	}()
	return m.projection.Apply(state, e)
}

func archiveKey(id string) string {
	return "snapshots/" + FileName(id)
}

// EmergencyCleanup frees disk space: it keeps only the newest snapshot and
// its base and removes stale temp files.
func (m *Manager) EmergencyCleanup() error {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	ctx := context.Background()
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), tempExt) {
			os.Remove(filepath.Join(m.cfg.Dir, e.Name()))
		}
	}

	headers, err := m.catalog.List(ctx)
	if err != nil {
		return err
	}
	if len(headers) == 0 {
		return nil
	}
	newest := headers[len(headers)-1]
	for _, h := range headers {
		if h.ID == newest.ID || h.ID == newest.BaseID {
			continue
		}
		m.remove(ctx, h.ID)
	}
	m.logger.Warn("emergency snapshot cleanup completed", zap.String("kept", newest.ID))
	return nil
}

// Pending returns the number of events committed since the last trigger.
func (m *Manager) Pending() uint64 {
	m.trigMu.Lock()
	defer m.trigMu.Unlock()
	return m.pendingEvents
}

// Dir returns the snapshot directory.
func (m *Manager) Dir() string {
	return m.cfg.Dir
}
