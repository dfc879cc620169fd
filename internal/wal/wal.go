// Package wal implements the single-writer append path of the event log:
// stamping, framing, durable writes with group commit, segment rotation
// and failure containment.
package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/arkilian/eventlog/internal/codec"
	logerr "github.com/arkilian/eventlog/internal/errors"
	"github.com/arkilian/eventlog/internal/index"
	"github.com/arkilian/eventlog/pkg/types"
)

// FsyncMode selects how appends are made durable.
type FsyncMode string

const (
	// FsyncAlways commits every append on its own.
	FsyncAlways FsyncMode = "always"
	// FsyncBatched groups concurrent appends into one write and one fsync.
	FsyncBatched FsyncMode = "batched"
)

// IndexDirName is the subdirectory holding persisted segment indexes.
const IndexDirName = "index"

// Options configures a Writer.
type Options struct {
	Dir            string
	MaxSegmentSize int64
	MaxSegmentAge  time.Duration
	FsyncMode      FsyncMode
	BatchWindow    time.Duration
	MaxBatchEvents int
	MaxEventSize   int
	NodeID         string
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Seed is the durable state recovered from disk that the writer continues from.
type Seed struct {
	LastID     types.EventID
	LastLSN    uint64
	SourceSeqs map[string]uint64
}

// Commit describes one durable write. Events are the stamped copies that
// were written; they must be treated as read-only.
type Commit struct {
	Events    []*types.Event
	Positions []types.Position
	Bytes     int64
	LastLSN   uint64
	Latency   time.Duration
}

// segmentFile is the subset of *os.File the writer uses.
type segmentFile interface {
	io.WriterAt
	Sync() error
	Truncate(size int64) error
	Close() error
}

type head struct {
	id  types.EventID
	lsn uint64
}

type fault struct {
	err error
}

type request struct {
	events   []*types.Event
	enqueued time.Time
	done     chan result
}

type result struct {
	positions []types.Position
	err       error
}

// WAL is the single writer of the event log.
type WAL struct {
	opts     Options
	codec    *codec.Codec
	index    *index.Index
	table    *SegmentTable
	ids      *types.IDGenerator
	logger   *zap.Logger
	clock    func() time.Time
	openFile func(path string) (segmentFile, error)
	syncDir  func(dir string) error

	// sem serializes commits, rotation and close.
	sem        chan struct{}
	file       segmentFile
	size       int64
	lastID     types.EventID
	lsn        uint64
	sourceSeqs map[string]uint64

	// fault is written under sem and read without it.
	fault atomic.Pointer[fault]

	enqueueMu sync.Mutex
	closed    bool
	requests  chan *request
	stopCh    chan struct{}
	doneCh    chan struct{}

	head     atomic.Pointer[head]
	notifyMu sync.Mutex
	notify   chan struct{}

	hooksMu  sync.RWMutex
	onCommit []func(Commit)
	onRotate []func(SegmentInfo)
	cleanup  func() error
}

// NewWAL opens the active segment and starts the group-commit loop when
// batching is enabled. The table and index must already reflect recovery.
func NewWAL(opts Options, table *SegmentTable, idx *index.Index, seed Seed, logger *zap.Logger) (*WAL, error) {
	return newWAL(opts, table, idx, seed, logger, func(path string) (segmentFile, error) {
		return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	})
}

func newWAL(opts Options, table *SegmentTable, idx *index.Index, seed Seed, logger *zap.Logger, open func(string) (segmentFile, error)) (*WAL, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.FsyncMode == "" {
		opts.FsyncMode = FsyncAlways
	}
	if opts.MaxBatchEvents <= 0 {
		opts.MaxBatchEvents = 512
	}
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = 2 * time.Millisecond
	}

	w := &WAL{
		opts:       opts,
		codec:      codec.New(opts.MaxEventSize, logger),
		index:      idx,
		table:      table,
		ids:        types.NewIDGenerator(opts.NodeID).WithClock(opts.Clock),
		logger:     logger.Named("wal"),
		clock:      opts.Clock,
		openFile:   open,
		syncDir:    SyncDir,
		sem:        make(chan struct{}, 1),
		size:       table.Active().Size,
		lastID:     seed.LastID,
		lsn:        seed.LastLSN,
		sourceSeqs: make(map[string]uint64, len(seed.SourceSeqs)),
		notify:     make(chan struct{}),
	}
	for k, v := range seed.SourceSeqs {
		w.sourceSeqs[k] = v
	}
	w.ids.Observe(seed.LastID)
	w.head.Store(&head{id: seed.LastID, lsn: seed.LastLSN})

	f, err := open(filepath.Join(opts.Dir, ActiveFileName))
	if err != nil {
		return nil, logerr.NewWriterError(logerr.CodeActiveSegmentUnavailable, "failed to open active segment", err)
	}
	// Anything past the recovered frontier is not durable history.
	if err := f.Truncate(w.size); err != nil {
		f.Close()
		return nil, logerr.NewWriterError(logerr.CodeActiveSegmentUnavailable, "failed to trim active segment", err)
	}
	w.file = f

	if opts.FsyncMode == FsyncBatched {
		w.requests = make(chan *request, opts.MaxBatchEvents)
		w.stopCh = make(chan struct{})
		w.doneCh = make(chan struct{})
		go w.run()
	}
	return w, nil
}

// OnCommit registers fn to run after every durable write, in commit order,
// on the committing goroutine. fn must not call back into the writer.
func (w *WAL) OnCommit(fn func(Commit)) {
	w.hooksMu.Lock()
	defer w.hooksMu.Unlock()
	w.onCommit = append(w.onCommit, fn)
}

// OnRotate registers fn to run after a segment is sealed.
func (w *WAL) OnRotate(fn func(SegmentInfo)) {
	w.hooksMu.Lock()
	defer w.hooksMu.Unlock()
	w.onRotate = append(w.onRotate, fn)
}

// SetEmergencyCleanup sets the hook run once when a write fails with ENOSPC.
func (w *WAL) SetEmergencyCleanup(fn func() error) {
	w.hooksMu.Lock()
	defer w.hooksMu.Unlock()
	w.cleanup = fn
}

// Append durably writes one event. A nil error means the event is on disk.
func (w *WAL) Append(ctx context.Context, e *types.Event) (types.Position, error) {
	positions, err := w.AppendBatch(ctx, []*types.Event{e})
	if err != nil {
		return types.Position{}, err
	}
	return positions[0], nil
}

// AppendBatch durably writes events as one unit: either all are written
// (contiguously, with one fsync) or none are.
//
// Missing IDs, schema versions and content hashes are stamped onto the
// caller's events so that a retry after OUTCOME_UNKNOWN carries the same
// IDs and is answered idempotently. Events whose ID is already in the log
// are not written again; their existing position is returned.
func (w *WAL) AppendBatch(ctx context.Context, events []*types.Event) ([]types.Position, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if err := w.prepare(events); err != nil {
		return nil, err
	}

	if w.opts.FsyncMode == FsyncBatched {
		return w.appendBatched(ctx, events)
	}
	return w.appendAlways(ctx, events)
}

func (w *WAL) appendAlways(ctx context.Context, events []*types.Event) ([]types.Position, error) {
	w.enqueueMu.Lock()
	closed := w.closed
	w.enqueueMu.Unlock()
	if closed {
		return nil, closedError()
	}

	if err := w.lock(ctx); err != nil {
		return nil, err
	}
	defer w.unlock()

	generated := w.assignIDs(events)
	req := &request{events: cloneAll(events), enqueued: w.clock(), done: make(chan result, 1)}
	w.commit([]*request{req})
	res := <-req.done
	if res.err != nil {
		clearIDs(events, generated)
	}
	return res.positions, res.err
}

func (w *WAL) lock(ctx context.Context) error {
	select {
	case w.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return logerr.NewWriterError(logerr.CodeWriteContention, "timed out waiting for the writer", ctx.Err())
	}
}

func (w *WAL) unlock() {
	<-w.sem
}

// prepare fills schema version and content hash and rejects malformed
// input before any ID is consumed.
func (w *WAL) prepare(events []*types.Event) error {
	for i, e := range events {
		if e == nil {
			return logerr.NewValidationError(logerr.CodeMalformedEvent, "nil event").
				WithDetails(map[string]interface{}{"batch_index": i})
		}
		if e.SchemaVersion == 0 {
			e.SchemaVersion = types.CurrentSchemaVersion
		}
		if e.ID != "" {
			if _, _, _, err := e.ID.Parts(); err != nil {
				return logerr.Wrap(logerr.ErrCategoryValidation, logerr.CodeMalformedEvent, "invalid event id", err).
					WithDetails(map[string]interface{}{"batch_index": i, "event_id": string(e.ID)})
			}
			if e.TimestampNs != 0 && e.TimestampNs != e.ID.Timestamp() {
				return logerr.NewValidationError(logerr.CodeMalformedEvent, "timestamp does not match event id").
					WithDetails(map[string]interface{}{"batch_index": i, "event_id": string(e.ID)})
			}
		}
		hash, err := codec.ContentHash(e)
		if err != nil {
			return logerr.Wrap(logerr.ErrCategoryValidation, logerr.CodeMalformedEvent, "payload is not serializable", err).
				WithDetails(map[string]interface{}{"batch_index": i})
		}
		if e.Metadata.ContentHash != "" && e.Metadata.ContentHash != hash {
			return logerr.NewValidationError(logerr.CodeChecksumMismatch, "content hash does not match payload").
				WithDetails(map[string]interface{}{"batch_index": i, "event_id": string(e.ID), "expected": hash})
		}
		e.Metadata.ContentHash = hash
	}
	return nil
}

// stamped records an ID the writer generated so it can be withdrawn if the
// append definitely failed.
type stamped struct {
	i  int
	ts int64
}

// assignIDs stamps IDs onto events that lack one.
func (w *WAL) assignIDs(events []*types.Event) []stamped {
	var generated []stamped
	for i, e := range events {
		if e.ID != "" {
			w.ids.Observe(e.ID)
			e.TimestampNs = e.ID.Timestamp()
			continue
		}
		var id types.EventID
		if e.TimestampNs > 0 {
			id = w.ids.NextAt(time.Unix(0, e.TimestampNs))
		} else {
			id = w.ids.Next()
		}
		generated = append(generated, stamped{i: i, ts: e.TimestampNs})
		e.ID = id
		e.TimestampNs = id.Timestamp()
	}
	return generated
}

// txn tracks stamping state for one commit so that it can be discarded
// when the write fails.
type txn struct {
	lsn    uint64
	lastID types.EventID
	seqs   map[string]uint64
	staged map[types.EventID]stagedRef
}

// stagedRef points at an event written earlier in the same commit.
type stagedRef struct {
	plan *plan
	slot int
}

func (w *WAL) begin() *txn {
	return &txn{lsn: w.lsn, lastID: w.lastID, seqs: make(map[string]uint64), staged: make(map[types.EventID]stagedRef)}
}

func (t *txn) seq(w *WAL, source string) uint64 {
	if s, ok := t.seqs[source]; ok {
		return s
	}
	return w.sourceSeqs[source]
}

func (t *txn) clone() *txn {
	cp := &txn{
		lsn:    t.lsn,
		lastID: t.lastID,
		seqs:   make(map[string]uint64, len(t.seqs)),
		staged: make(map[types.EventID]stagedRef, len(t.staged)),
	}
	for k, v := range t.seqs {
		cp.seqs[k] = v
	}
	for k, v := range t.staged {
		cp.staged[k] = v
	}
	return cp
}

type plan struct {
	req       *request
	positions []types.Position
	written   []*types.Event
	slots     []int
	offsets   []int64
	lengths   []uint32
	// aliases are slots whose event is written by an earlier slot of
	// this commit, typically a retry racing its own original.
	aliases map[int]stagedRef
}

// stage assigns LSNs and source sequences to one request and encodes it.
// On error the txn is left unchanged.
func (w *WAL) stage(t *txn, req *request, buf []byte) (*plan, []byte, error) {
	p := &plan{req: req, positions: make([]types.Position, len(req.events))}
	snapshot := t.clone()
	start := len(buf)

	fail := func(err error) (*plan, []byte, error) {
		*t = *snapshot
		return nil, buf[:start], err
	}

	for i, e := range req.events {
		if existing, ok := w.index.Lookup(e.ID); ok {
			p.positions[i] = existing.Position()
			continue
		}
		if ref, ok := t.staged[e.ID]; ok {
			if p.aliases == nil {
				p.aliases = make(map[int]stagedRef)
			}
			p.aliases[i] = ref
			continue
		}
		if e.ID <= t.lastID {
			return fail(logerr.NewWriterError(logerr.CodeOutOfOrder, "event id does not sort after the log head", nil).
				WithDetails(map[string]interface{}{"event_id": string(e.ID), "head": string(t.lastID), "batch_index": i}))
		}

		src := e.Metadata.Source
		cur := t.seq(w, src)
		if e.Metadata.Sequence == 0 {
			e.Metadata.Sequence = cur + 1
		} else if e.Metadata.Sequence <= cur {
			return fail(logerr.NewWriterError(logerr.CodeOutOfOrder, "source sequence is not increasing", nil).
				WithDetails(map[string]interface{}{"event_id": string(e.ID), "source": src, "sequence": e.Metadata.Sequence, "last": cur}))
		}
		e.LSN = t.lsn + 1

		frame, err := w.codec.Encode(e)
		if err != nil {
			return fail(err)
		}
		e.Raw = frame[codec.HeaderSize : len(frame)-codec.ChecksumSize]

		t.lsn = e.LSN
		t.lastID = e.ID
		t.seqs[src] = e.Metadata.Sequence
		t.staged[e.ID] = stagedRef{plan: p, slot: i}

		p.written = append(p.written, e)
		p.slots = append(p.slots, i)
		p.offsets = append(p.offsets, int64(len(buf)))
		p.lengths = append(p.lengths, uint32(len(frame)))
		buf = append(buf, frame...)
	}
	return p, buf, nil
}

// commit writes a group of requests. It must be called with sem held.
func (w *WAL) commit(reqs []*request) {
	if err := w.failure(); err != nil {
		for _, r := range reqs {
			r.done <- result{err: err}
		}
		return
	}

	if w.shouldRotate() {
		if err := w.rotateLocked(); err != nil {
			w.logger.Error("segment rotation failed", zap.Error(err))
			if ferr := w.failure(); ferr != nil {
				for _, r := range reqs {
					r.done <- result{err: ferr}
				}
				return
			}
		}
	}

	t := w.begin()
	var buf []byte
	var plans []*plan
	for _, r := range reqs {
		p, next, err := w.stage(t, r, buf)
		buf = next
		if err != nil {
			r.done <- result{err: err}
			continue
		}
		plans = append(plans, p)
	}
	if len(buf) == 0 {
		for _, p := range plans {
			p.req.done <- result{positions: p.positions}
		}
		return
	}

	base := w.size
	seg := w.table.Active().Seq
	if err := w.write(buf, base, seg); err != nil {
		for _, p := range plans {
			p.req.done <- result{err: err}
		}
		return
	}

	w.size = base + int64(len(buf))
	w.table.publish(w.size)
	w.lsn = t.lsn
	w.lastID = t.lastID
	for k, v := range t.seqs {
		w.sourceSeqs[k] = v
	}

	now := w.clock()
	c := Commit{Bytes: int64(len(buf)), LastLSN: w.lsn}
	entries := make([]index.Entry, 0, len(plans))
	for _, p := range plans {
		for j, e := range p.written {
			pos := types.Position{Segment: seg, Offset: base + p.offsets[j], Length: p.lengths[j]}
			p.positions[p.slots[j]] = pos
			entries = append(entries, index.EntryFor(e, pos))
			c.Events = append(c.Events, e)
			c.Positions = append(c.Positions, pos)
		}
		if d := now.Sub(p.req.enqueued); d > c.Latency {
			c.Latency = d
		}
	}
	for _, p := range plans {
		for slot, ref := range p.aliases {
			p.positions[slot] = ref.plan.positions[ref.slot]
		}
	}
	if err := w.index.Add(entries...); err != nil {
		// The bytes are durable and these appends succeed, but reads would
		// no longer see the log. Nothing more is written until a restart
		// rebuilds the index from the segments.
		w.poison(logerr.NewIndexError(logerr.CodeIndexUnrecoverable, "index diverged from the log", err).
			WithDetails(map[string]interface{}{"segment": seg, "offset": base, "last_lsn": w.lsn}))
		w.logger.Error("writer poisoned: index update failed after commit",
			zap.Uint64("segment", seg), zap.Uint64("last_lsn", w.lsn), zap.Error(err))
	}

	w.head.Store(&head{id: w.lastID, lsn: w.lsn})
	w.broadcast()

	w.hooksMu.RLock()
	hooks := w.onCommit
	w.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(c)
	}

	for _, p := range plans {
		p.req.done <- result{positions: p.positions}
	}
}

// write appends buf at base and fsyncs. On failure the segment is truncated
// back to base; ENOSPC gets one retry after the emergency cleanup hook.
func (w *WAL) write(buf []byte, base int64, seg uint64) error {
	err := w.writeSync(buf, base)
	if err == nil {
		return nil
	}
	if rerr := w.rollback(base, seg, err); rerr != nil {
		return rerr
	}

	if errors.Is(err, syscall.ENOSPC) {
		w.hooksMu.RLock()
		cleanup := w.cleanup
		w.hooksMu.RUnlock()

		w.logger.Warn("disk full, running emergency cleanup",
			zap.Uint64("segment", seg), zap.Int64("offset", base), zap.Int("bytes", len(buf)))
		if cleanup != nil {
			if cerr := cleanup(); cerr != nil {
				w.logger.Error("emergency cleanup failed", zap.Error(cerr))
			}
		}

		err = w.writeSync(buf, base)
		if err == nil {
			return nil
		}
		if rerr := w.rollback(base, seg, err); rerr != nil {
			return rerr
		}
	}
	return classify(err, seg, base)
}

func (w *WAL) writeSync(buf []byte, base int64) error {
	n, err := w.file.WriteAt(buf, base)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return w.file.Sync()
}

// rollback restores the pre-write frontier. If that fails the writer is
// poisoned and the returned error is WRITER_FAILED.
func (w *WAL) rollback(base int64, seg uint64, cause error) error {
	err := w.file.Truncate(base)
	if err == nil {
		err = w.file.Sync()
	}
	if err == nil {
		return nil
	}
	w.logger.Error("writer poisoned", zap.Uint64("segment", seg), zap.Int64("offset", base),
		zap.NamedError("write_error", cause), zap.Error(err))
	return w.poison(logerr.NewWriterError(logerr.CodeWriterFailed, "could not restore segment after failed write", err).
		WithDetails(map[string]interface{}{"segment": seg, "offset": base, "kind": "rollback", "write_error": cause.Error()}))
}

// poison stops the writer for good. Must be called with sem held.
func (w *WAL) poison(err error) error {
	w.fault.Store(&fault{err: err})
	return err
}

func (w *WAL) failure() error {
	if f := w.fault.Load(); f != nil {
		return f.err
	}
	return nil
}

func classify(err error, seg uint64, offset int64) error {
	details := map[string]interface{}{"segment": seg, "offset": offset}
	switch {
	case errors.Is(err, syscall.ENOSPC):
		details["kind"] = "disk_full"
		return logerr.NewWriterError(logerr.CodeDiskFull, "no space left for append", err).WithDetails(details)
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EROFS):
		details["kind"] = "permission"
		return logerr.NewWriterError(logerr.CodePermissionDenied, "segment is not writable", err).WithDetails(details)
	default:
		details["kind"] = "io"
		return logerr.NewWriterError(logerr.CodeIOFailure, "append failed", err).WithDetails(details)
	}
}

func (w *WAL) shouldRotate() bool {
	if w.size == 0 {
		return false
	}
	if w.opts.MaxSegmentSize > 0 && w.size >= w.opts.MaxSegmentSize {
		return true
	}
	if w.opts.MaxSegmentAge > 0 && w.clock().Sub(w.table.Active().Created) >= w.opts.MaxSegmentAge {
		return true
	}
	return false
}

// MaybeRotate seals the active segment if it has reached its size or age limit.
func (w *WAL) MaybeRotate(ctx context.Context) error {
	if err := w.lock(ctx); err != nil {
		return err
	}
	defer w.unlock()

	if err := w.failure(); err != nil {
		return err
	}
	if !w.shouldRotate() {
		return nil
	}
	return w.rotateLocked()
}

// RotateSegment seals the active segment unconditionally if it holds data.
func (w *WAL) RotateSegment(ctx context.Context) error {
	if err := w.lock(ctx); err != nil {
		return err
	}
	defer w.unlock()

	if err := w.failure(); err != nil {
		return err
	}
	if w.size == 0 {
		return nil
	}
	return w.rotateLocked()
}

func (w *WAL) rotateLocked() error {
	seq := w.table.Active().Seq

	// Step 1: make the sealed bytes durable and release the handle
	if err := w.file.Sync(); err != nil {
		return classify(err, seq, w.size)
	}
	if err := w.file.Close(); err != nil {
		return classify(err, seq, w.size)
	}
	w.file = nil

	// Step 2: rename under the table lock
	sealed, err := w.table.seal(w.clock())
	if sealed.Name == "" {
		// Rename failed; keep appending to the same file.
		f, oerr := w.openFile(filepath.Join(w.opts.Dir, ActiveFileName))
		if oerr != nil {
			return w.poison(logerr.NewWriterError(logerr.CodeActiveSegmentUnavailable, "failed to reopen active segment", oerr))
		}
		w.file = f
		return classify(err, seq, w.size)
	}
	if err != nil {
		w.logger.Warn("directory sync after rotation failed", zap.Error(err))
	}

	// Step 3: persist the sealed segment's index
	idxDir := filepath.Join(w.opts.Dir, IndexDirName)
	if err := index.WriteFile(filepath.Join(idxDir, index.FileName(sealed.Name)), sealed.Seq, sealed.Size, w.index.Segment(sealed.Seq)); err != nil {
		w.logger.Warn("failed to persist segment index", zap.String("segment", sealed.Name), zap.Error(err))
	}
	_ = os.Remove(filepath.Join(idxDir, index.ActiveName+index.FileExt))

	// Step 4: create the fresh active segment and make its name durable
	f, err := w.openFile(filepath.Join(w.opts.Dir, ActiveFileName))
	if err != nil {
		return w.poison(logerr.NewWriterError(logerr.CodeActiveSegmentUnavailable, "failed to create active segment", err))
	}
	w.file = f
	w.size = 0
	if err := w.syncDir(w.opts.Dir); err != nil {
		return w.poison(logerr.NewWriterError(logerr.CodeActiveSegmentUnavailable, "failed to sync log directory after creating active segment", err).
			WithDetails(map[string]interface{}{"segment": sealed.Seq + 1}))
	}

	w.logger.Info("segment sealed",
		zap.String("segment", sealed.Name),
		zap.Uint64("seq", sealed.Seq),
		zap.Int64("size", sealed.Size))

	w.hooksMu.RLock()
	hooks := w.onRotate
	w.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(sealed)
	}
	return nil
}

// Changes returns a channel that is closed at the next commit (or close).
func (w *WAL) Changes() <-chan struct{} {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()
	return w.notify
}

func (w *WAL) broadcast() {
	w.notifyMu.Lock()
	close(w.notify)
	w.notify = make(chan struct{})
	w.notifyMu.Unlock()
}

// LastLSN returns the LSN of the last durable event.
func (w *WAL) LastLSN() uint64 {
	return w.head.Load().lsn
}

// LastID returns the ID of the last durable event.
func (w *WAL) LastID() types.EventID {
	return w.head.Load().id
}

// Backlog returns the number of requests waiting for the group-commit loop.
func (w *WAL) Backlog() int {
	if w.requests == nil {
		return 0
	}
	return len(w.requests)
}

// Failed returns the error that poisoned the writer, if any. It does not
// wait for an in-progress commit.
func (w *WAL) Failed() error {
	return w.failure()
}

// Table returns the segment table the writer maintains.
func (w *WAL) Table() *SegmentTable {
	return w.table
}

// Close flushes queued requests, fsyncs the active segment and persists its
// index. Further appends fail with CLOSED.
func (w *WAL) Close() error {
	w.enqueueMu.Lock()
	if w.closed {
		w.enqueueMu.Unlock()
		return nil
	}
	w.closed = true
	w.enqueueMu.Unlock()

	if w.stopCh != nil {
		close(w.stopCh)
		<-w.doneCh
	}

	w.sem <- struct{}{}
	defer func() { <-w.sem }()

	var err error
	if w.file != nil {
		if serr := w.file.Sync(); serr != nil {
			err = fmt.Errorf("failed to fsync on close: %w", serr)
		}
		active := w.table.Active()
		path := filepath.Join(w.opts.Dir, IndexDirName, index.ActiveName+index.FileExt)
		if ierr := index.WriteFile(path, active.Seq, w.size, w.index.Segment(active.Seq)); ierr != nil {
			w.logger.Warn("failed to persist active segment index", zap.Error(ierr))
		}
		if cerr := w.file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close segment: %w", cerr)
		}
		w.file = nil
	}
	if w.failure() == nil {
		w.poison(closedError())
	}
	w.broadcast()
	return err
}

func closedError() error {
	return logerr.NewWriterError(logerr.CodeClosed, "writer is closed", nil)
}

func cloneAll(events []*types.Event) []*types.Event {
	out := make([]*types.Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}

func clearIDs(events []*types.Event, generated []stamped) {
	for _, g := range generated {
		events[g.i].ID = ""
		events[g.i].TimestampNs = g.ts
	}
}

func idsOf(events []*types.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e.ID)
	}
	return out
}
