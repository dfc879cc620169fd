// Package store is the event log facade. Open runs recovery, then wires the
// writer, offset index, replay engine, snapshot manager, performance monitor
// and optional archive together. Every read and write of the log goes
// through a Store.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arkilian/eventlog/internal/codec"
	"github.com/arkilian/eventlog/internal/config"
	logerr "github.com/arkilian/eventlog/internal/errors"
	"github.com/arkilian/eventlog/internal/index"
	"github.com/arkilian/eventlog/internal/notify"
	"github.com/arkilian/eventlog/internal/observability"
	"github.com/arkilian/eventlog/internal/recovery"
	"github.com/arkilian/eventlog/internal/replay"
	"github.com/arkilian/eventlog/internal/snapshot"
	"github.com/arkilian/eventlog/internal/storage"
	"github.com/arkilian/eventlog/internal/wal"
	"github.com/arkilian/eventlog/pkg/types"
)

// Query kinds recorded by the monitor.
const (
	QueryByID   = "by_id"
	QueryRange  = "range"
	QueryByType = "by_type"
	QueryReplay = "replay"
)

// Option customizes Open.
type Option func(*options)

type options struct {
	clock        func() time.Time
	storage      storage.ObjectStorage
	notifyBuffer int
}

// WithClock replaces time.Now for event IDs, segment ages and snapshots.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithArchiveStorage archives to st regardless of the configured backend.
func WithArchiveStorage(st storage.ObjectStorage) Option {
	return func(o *options) { o.storage = st }
}

// WithNotifyBuffer sets the per-subscriber notification buffer.
func WithNotifyBuffer(n int) Option {
	return func(o *options) { o.notifyBuffer = n }
}

// Store is an open event log.
type Store struct {
	cfg    *config.Config
	logger *zap.Logger

	recovery  *recovery.Manager
	report    *recovery.Report
	wal       *wal.WAL
	index     *index.Index
	reader    *wal.Reader
	engine    *replay.Engine
	snapshots *snapshot.Manager
	monitor   *observability.Monitor
	archiver  *storage.Archiver
	notifier  *notify.Notifier

	ready     atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open recovers the log under cfg.DataDir and opens it for reads and
// writes. projection folds events into snapshot state; nil uses
// CountByType.
func Open(ctx context.Context, cfg *config.Config, projection snapshot.Projection, logger *zap.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{clock: time.Now, notifyBuffer: 256}
	for _, fn := range opts {
		fn(&o)
	}
	if projection == nil {
		projection = CountByType
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, logerr.NewStorageError(logerr.CodeIOFailure, "failed to create data directories", err)
	}

	s := &Store{
		cfg:      cfg,
		logger:   logger.Named("store"),
		notifier: notify.NewNotifier(o.notifyBuffer),
	}

	// Step 1: recovery runs before any writer or reader exists
	s.recovery = recovery.NewManager(recovery.Options{
		Dir:          cfg.DataDir,
		VerifySealed: cfg.Recovery.VerifySealed,
		MaxEventSize: cfg.Writer.MaxEventSize,
		Clock:        o.clock,
	}, logger)
	res, err := s.recovery.Run(ctx)
	if err != nil {
		return nil, err
	}
	s.report = res.Report
	s.index = res.Index
	if err := res.Report.Err(); err != nil {
		s.logger.Error("recovery needs operator attention", zap.Error(err))
	}

	// Step 2: writer and readers
	s.wal, err = wal.NewWAL(wal.Options{
		Dir:            cfg.DataDir,
		MaxSegmentSize: cfg.Segment.MaxSizeBytes,
		MaxSegmentAge:  cfg.Segment.MaxAge,
		FsyncMode:      cfg.Writer.FsyncMode,
		BatchWindow:    cfg.Writer.BatchWindow,
		MaxBatchEvents: cfg.Writer.MaxBatchEvents,
		MaxEventSize:   cfg.Writer.MaxEventSize,
		NodeID:         cfg.NodeID,
		Clock:          o.clock,
	}, res.Table, res.Index, res.Seed, logger)
	if err != nil {
		return nil, err
	}
	s.reader = wal.NewReader(res.Table, codec.New(cfg.Writer.MaxEventSize, logger))
	s.engine = replay.NewEngine(res.Table, res.Index, s.wal, logger)

	// Step 3: snapshots
	s.snapshots, err = snapshot.NewManager(snapshot.Config{
		Dir:         cfg.SnapshotDir(),
		EveryEvents: cfg.Snapshot.EveryEvents,
		Interval:    cfg.Snapshot.Interval,
		EveryBytes:  cfg.Snapshot.EveryBytes,
		Incremental: cfg.Snapshot.Incremental,
		DiffRatio:   cfg.Snapshot.DiffRatio,
		Retention:   cfg.Snapshot.Retention,
		Clock:       o.clock,
	}, s.engine, projection, s.wal.LastLSN, logger)
	if err != nil {
		s.wal.Close()
		return nil, err
	}

	// Step 4: monitor
	s.monitor, err = observability.NewMonitor(cfg.Monitor, logger)
	if err != nil {
		s.snapshots.Close()
		s.wal.Close()
		return nil, fmt.Errorf("failed to create monitor: %w", err)
	}
	s.monitor.SetBacklog(s.wal.Backlog)

	// Step 5: archive
	st := o.storage
	if st == nil {
		if st, err = OpenArchiveStorage(ctx, cfg, logger); err != nil {
			s.monitor.Close()
			s.snapshots.Close()
			s.wal.Close()
			return nil, err
		}
	}
	if st != nil {
		aopts := storage.DefaultArchiveOptions()
		aopts.Prefix = cfg.Archive.Prefix
		aopts.MaxRetries = cfg.Archive.MaxRetries
		s.archiver = storage.NewArchiver(st, aopts, logger)
		s.archiver.Start()
		s.snapshots.SetArchiver(s.archiver)
	}

	// Step 6: hooks, then open for business
	s.wal.OnCommit(s.snapshots.Observe)
	s.wal.OnCommit(s.publishCommit)
	s.wal.OnRotate(s.sealed)
	s.wal.SetEmergencyCleanup(s.snapshots.EmergencyCleanup)
	s.snapshots.OnCreate(s.publishSnapshot)
	s.snapshots.Start()

	s.recovery.MarkReady()
	s.ready.Store(true)

	s.logger.Info("event log open",
		zap.String("data_dir", cfg.DataDir),
		zap.String("node_id", cfg.NodeID),
		zap.String("recovery", string(res.Report.State)),
		zap.Uint64("last_lsn", s.wal.LastLSN()),
		zap.Int("segments", len(res.Table.List())),
		zap.Bool("archive", s.archiver != nil))
	return s, nil
}

// OpenArchiveStorage builds the configured archive backend. It returns nil
// when archiving is disabled.
func OpenArchiveStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.ObjectStorage, error) {
	switch cfg.Archive.Type {
	case config.ArchiveLocal:
		st, err := storage.NewLocalStorage(cfg.Archive.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize archive storage: %w", err)
		}
		return st, nil
	case config.ArchiveS3:
		s3Cfg := storage.DefaultS3Config()
		if cfg.Archive.S3.Region != "" {
			s3Cfg.Region = cfg.Archive.S3.Region
		}
		if cfg.Archive.S3.Endpoint != "" {
			s3Cfg.Endpoint = cfg.Archive.S3.Endpoint
		}
		s3Cfg.UsePathStyle = cfg.Archive.S3.UsePathStyle
		if cfg.Archive.MaxRetries > 0 {
			s3Cfg.MaxRetries = cfg.Archive.MaxRetries
		}
		st, err := storage.NewS3Storage(ctx, cfg.Archive.S3.Bucket, s3Cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize archive storage: %w", err)
		}
		return st, nil
	}
	return nil, nil
}

func (s *Store) check() error {
	if s.closed.Load() {
		return logerr.NewStoreError(logerr.CodeClosed, "event log is closed")
	}
	if !s.ready.Load() {
		return logerr.NewStoreError(logerr.CodeNotReady, "event log is not ready")
	}
	return nil
}

// Append durably writes one event and returns where it was stored. The
// event's ID, timestamp, schema version and content hash are stamped onto e.
func (s *Store) Append(ctx context.Context, e *types.Event) (types.Position, error) {
	if err := s.check(); err != nil {
		return types.Position{}, err
	}
	start := time.Now()
	pos, err := s.wal.Append(ctx, e)
	s.monitor.RecordAppend(time.Since(start), 1, err)
	return pos, err
}

// AppendBatch durably writes events as one all-or-nothing unit.
func (s *Store) AppendBatch(ctx context.Context, events []*types.Event) ([]types.Position, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	start := time.Now()
	positions, err := s.wal.AppendBatch(ctx, events)
	s.monitor.RecordAppend(time.Since(start), len(events), err)
	return positions, err
}

// GetByID returns the event with the given ID.
func (s *Store) GetByID(ctx context.Context, id types.EventID) (*types.Event, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	entry, ok := s.index.Lookup(id)
	if !ok {
		err := logerr.NewStoreError(logerr.CodeNotFound, "event not found").
			WithDetails(map[string]interface{}{"event_id": string(id)})
		s.monitor.RecordQuery(QueryByID, "", time.Since(start), nil)
		return nil, err
	}
	e, err := s.reader.Read(entry.Position())
	s.monitor.RecordQuery(QueryByID, "", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetRange returns the events with startTs <= timestamp < endTs in
// timestamp order.
func (s *Store) GetRange(ctx context.Context, startTs, endTs int64) (*Iterator, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	start := time.Now()
	entries := s.index.Range(startTs, endTs)
	return s.iterate(ctx, entries, QueryRange, "", start), nil
}

// GetByType returns every event of the given type in log order.
func (s *Store) GetByType(ctx context.Context, eventType string) (*Iterator, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	start := time.Now()
	entries := s.index.ByType(eventType)
	return s.iterate(ctx, entries, QueryByType, eventType, start), nil
}

func (s *Store) iterate(ctx context.Context, entries []index.Entry, kind, filter string, start time.Time) *Iterator {
	return &Iterator{
		ctx:     ctx,
		reader:  s.reader,
		entries: entries,
		finish: func(err error) {
			s.monitor.RecordQuery(kind, filter, time.Since(start), err)
		},
	}
}

// ReplayFrom streams events after cp, in ID order.
func (s *Store) ReplayFrom(ctx context.Context, cp replay.Checkpoint, opts replay.Options) (*replay.Iterator, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	filter := ""
	if len(opts.Types) == 1 {
		filter = opts.Types[0]
	}
	s.monitor.RecordQuery(QueryReplay, filter, 0, nil)
	return s.engine.From(ctx, cp, opts), nil
}

// CreateSnapshot materializes the state at the current head.
func (s *Store) CreateSnapshot(ctx context.Context) (snapshot.Header, error) {
	if err := s.check(); err != nil {
		return snapshot.Header{}, err
	}
	return s.snapshots.Create(ctx)
}

// RestoreFromSnapshot returns the state stored in snapshot id.
func (s *Store) RestoreFromSnapshot(ctx context.Context, id string) (snapshot.State, snapshot.Header, error) {
	if err := s.check(); err != nil {
		return nil, snapshot.Header{}, err
	}
	return s.snapshots.Restore(ctx, id)
}

// CurrentState folds the events after the latest snapshot into its state
// and returns it with the LSN it reflects.
func (s *Store) CurrentState(ctx context.Context) (snapshot.State, uint64, error) {
	if err := s.check(); err != nil {
		return nil, 0, err
	}
	return s.snapshots.CurrentState(ctx)
}

// Snapshots lists the retained snapshots, oldest first.
func (s *Store) Snapshots(ctx context.Context) ([]snapshot.Header, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.snapshots.List(ctx)
}

// Subscribe returns a subscriber for lifecycle notifications. Slow
// subscribers miss notifications rather than blocking the writer; use
// ReplayFrom with Follow for a lossless stream.
func (s *Store) Subscribe(kinds []notify.Kind, filters ...string) *notify.Subscriber {
	return s.notifier.Subscribe(kinds, filters...)
}

// Unsubscribe removes sub and closes its channel.
func (s *Store) Unsubscribe(sub *notify.Subscriber) {
	s.notifier.Unsubscribe(sub)
}

func (s *Store) publishCommit(c wal.Commit) {
	for i, e := range c.Events {
		s.notifier.Publish(notify.Notification{
			Kind:      notify.EventCommitted,
			Key:       e.Type,
			EventID:   string(e.ID),
			LSN:       e.LSN,
			Segment:   c.Positions[i].Segment,
			Timestamp: e.TimestampNs,
		})
	}
}

func (s *Store) publishSnapshot(h snapshot.Header) {
	s.notifier.Publish(notify.Notification{
		Kind:      notify.SnapshotCreated,
		Key:       h.ID,
		EventID:   string(h.LastEventID),
		LSN:       h.LastSequence,
		Timestamp: h.Timestamp.UnixNano(),
	})
}

// sealed archives a rotated segment and its index file.
func (s *Store) sealed(info wal.SegmentInfo) {
	s.notifier.Publish(notify.Notification{
		Kind:      notify.SegmentSealed,
		Key:       info.Name,
		Segment:   info.Seq,
		Timestamp: info.Created.UnixNano(),
	})
	if s.archiver == nil {
		return
	}
	idxName := index.FileName(info.Name)
	s.archiver.Enqueue(filepath.Join(s.cfg.DataDir, info.Name), storage.SegmentsPrefix+"/"+info.Name)
	s.archiver.Enqueue(filepath.Join(s.cfg.DataDir, wal.IndexDirName, idxName), storage.IndexPrefix+"/"+idxName)
}

// Maintain runs periodic housekeeping: age-based rotation and pruning of
// monitor state.
func (s *Store) Maintain(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	s.monitor.Prune()
	return s.wal.MaybeRotate(ctx)
}

// Rotate seals the active segment now.
func (s *Store) Rotate(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.wal.RotateSegment(ctx)
}

// RecoveryReport returns the report of the recovery run at Open.
func (s *Store) RecoveryReport() *recovery.Report {
	return s.report
}

// LastLSN returns the LSN of the last durable event.
func (s *Store) LastLSN() uint64 {
	return s.wal.LastLSN()
}

// LastID returns the ID of the last durable event.
func (s *Store) LastID() types.EventID {
	return s.wal.LastID()
}

// Config returns the configuration the store was opened with.
func (s *Store) Config() *config.Config {
	return s.cfg
}

// Flush waits until every queued archive upload has been attempted.
func (s *Store) Flush(ctx context.Context) error {
	if s.archiver == nil {
		return nil
	}
	return s.archiver.Flush(ctx)
}

// Close stops background work, fsyncs the active segment and drains the
// archive queue. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.ready.Store(false)

		var errs []error
		if err := s.snapshots.Close(); err != nil {
			errs = append(errs, fmt.Errorf("snapshots: %w", err))
		}
		if err := s.wal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("writer: %w", err))
		}
		if s.archiver != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.archiver.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("archive: %w", err))
			}
			cancel()
		}
		if err := s.monitor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("monitor: %w", err))
		}
		s.notifier.Close()
		s.closeErr = errors.Join(errs...)
		s.logger.Info("event log closed", zap.Uint64("last_lsn", s.wal.LastLSN()))
	})
	return s.closeErr
}

// Iterator yields the events of a range or type query. Records are read
// from disk one at a time.
type Iterator struct {
	ctx     context.Context
	reader  *wal.Reader
	entries []index.Entry
	pos     int
	err     error
	finish  func(error)
	done    bool

	truncated bool
	skipped   []types.EventID
}

// Next returns the next event, or io.EOF after the last one.
func (it *Iterator) Next() (*types.Event, error) {
	if it.err != nil {
		return nil, it.err
	}
	if err := it.ctx.Err(); err != nil {
		return nil, it.stop(err)
	}
	for it.pos < len(it.entries) {
		entry := it.entries[it.pos]
		it.pos++
		e, err := it.reader.Read(entry.Position())
		if err == nil {
			return e, nil
		}
		if !damaged(err) {
			return nil, it.stop(err)
		}
		// A damaged record is reported, never returned as an event.
		it.truncated = true
		it.skipped = append(it.skipped, entry.ID)
	}
	it.end(nil)
	it.err = io.EOF
	return nil, io.EOF
}

// Truncated reports whether a damaged record was skipped.
func (it *Iterator) Truncated() bool {
	return it.truncated
}

// Skipped returns the ids of the damaged records that were skipped.
func (it *Iterator) Skipped() []types.EventID {
	return it.skipped
}

// damaged reports a record that fails its checksum or cannot be decoded.
func damaged(err error) bool {
	var le *logerr.LogError
	return errors.As(err, &le) && le.Category == logerr.ErrCategoryCodec
}

// Len returns the number of events the query matched.
func (it *Iterator) Len() int {
	return len(it.entries)
}

// Close releases the iterator.
func (it *Iterator) Close() error {
	it.end(nil)
	if it.err == nil {
		it.err = io.EOF
	}
	return nil
}

func (it *Iterator) stop(err error) error {
	it.end(err)
	it.err = err
	return err
}

func (it *Iterator) end(err error) {
	if it.done {
		return
	}
	it.done = true
	if it.finish != nil {
		it.finish(err)
	}
}

// EventIterator is implemented by Iterator and replay.Iterator.
type EventIterator interface {
	Next() (*types.Event, error)
	Close() error
}

// ReadAll drains it and closes it.
func ReadAll(it EventIterator) ([]*types.Event, error) {
	defer it.Close()
	var events []*types.Event
	for {
		e, err := it.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, e)
	}
}

// CountByType is the default projection: it counts events per type.
var CountByType = snapshot.ProjectionFunc(func(state snapshot.State, e *types.Event) (snapshot.State, error) {
	if state == nil {
		state = snapshot.State{}
	}
	state[e.Type] = toInt64(state[e.Type]) + 1
	return state, nil
})

// toInt64 normalizes the integer types msgpack decoding may produce.
func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// dirSize sums the sizes of regular files under dir, skipping skip.
func dirSize(dir, skip string) int64 {
	var total int64
	filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skip != "" && p == skip {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
