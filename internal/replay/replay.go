// Package replay streams events from the log in ID order, resuming from a
// checkpoint and optionally following the writer.
package replay

import (
	"context"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/arkilian/eventlog/internal/codec"
	logerr "github.com/arkilian/eventlog/internal/errors"
	"github.com/arkilian/eventlog/internal/index"
	"github.com/arkilian/eventlog/internal/wal"
	"github.com/arkilian/eventlog/pkg/types"
)

// Checkpoint is a resume point. An empty AfterEventID means genesis.
type Checkpoint struct {
	AfterEventID types.EventID `json:"after_event_id"`
}

// Options bounds and filters a replay.
type Options struct {
	// UntilTimestamp stops before the first event at or after this
	// timestamp, so the window is [start, UntilTimestamp).
	UntilTimestamp int64
	// UntilLSN stops after the event with this LSN.
	UntilLSN uint64
	// Follow keeps the iterator open at the head, waiting for new commits.
	Follow bool
	// Types restricts the stream to these event types.
	Types []string
}

// Notifier wakes followers after each commit.
type Notifier interface {
	Changes() <-chan struct{}
}

// Engine creates replay iterators over one log.
type Engine struct {
	table    *wal.SegmentTable
	index    *index.Index
	notifier Notifier
	logger   *zap.Logger
}

// NewEngine creates an engine. notifier may be nil when Follow is never used.
func NewEngine(table *wal.SegmentTable, idx *index.Index, notifier Notifier, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		table:    table,
		index:    idx,
		notifier: notifier,
		logger:   logger.Named("replay"),
	}
}

// From returns an iterator over events after cp.
func (e *Engine) From(ctx context.Context, cp Checkpoint, opts Options) *Iterator {
	it := &Iterator{
		ctx:    ctx,
		engine: e,
		opts:   opts,
		lastID: cp.AfterEventID,
	}
	if len(opts.Types) > 0 {
		it.types = make(map[string]struct{}, len(opts.Types))
		for _, t := range opts.Types {
			it.types[t] = struct{}{}
		}
	}
	it.seg, it.offset = e.startPosition(cp)
	return it
}

// startPosition resolves a checkpoint to a segment and offset through the
// index, so resuming never rescans from genesis.
func (e *Engine) startPosition(cp Checkpoint) (uint64, int64) {
	if cp.AfterEventID == "" {
		return e.table.First().Seq, 0
	}
	if entry, ok := e.index.Lookup(cp.AfterEventID); ok {
		return entry.Segment, entry.End()
	}
	if entry, ok := e.index.FirstAfter(cp.AfterEventID); ok {
		return entry.Segment, entry.Offset
	}
	active := e.table.Active()
	return active.Seq, active.Size
}

// Iterator yields events one at a time. It holds at most one open segment
// and one record in memory. It is not safe for concurrent use.
type Iterator struct {
	ctx    context.Context
	engine *Engine
	opts   Options
	types  map[string]struct{}

	seg    uint64
	offset int64
	file   *os.File
	reader *codec.Reader
	limit  int64
	sealed bool

	lastID    types.EventID
	truncated bool
	err       error
}

// Next returns the next event, io.EOF at the end of a bounded replay, or
// the context error when a follow is cancelled.
func (it *Iterator) Next() (*types.Event, error) {
	if it.err != nil {
		return nil, it.err
	}
	e, err := it.next()
	if err != nil {
		it.err = err
		it.closeFile()
	}
	return e, err
}

func (it *Iterator) next() (*types.Event, error) {
	for {
		if err := it.ctx.Err(); err != nil {
			return nil, err
		}
		if it.reader == nil {
			if err := it.open(); err != nil {
				return nil, err
			}
		}

		res := it.reader.Next()
		switch res.Kind {
		case codec.Valid:
			it.offset = res.Offset + int64(res.Length)
			ev := res.Event
			if ev.ID <= it.lastID {
				continue
			}
			if it.opts.UntilLSN > 0 && ev.LSN > it.opts.UntilLSN {
				return nil, io.EOF
			}
			if it.opts.UntilTimestamp > 0 && ev.TimestampNs >= it.opts.UntilTimestamp {
				return nil, io.EOF
			}
			it.lastID = ev.ID
			if it.types != nil {
				if _, ok := it.types[ev.Type]; !ok {
					continue
				}
			}
			return ev, nil

		case codec.End:
			advanced, err := it.advance()
			if err != nil {
				return nil, err
			}
			if !advanced {
				if !it.opts.Follow {
					return nil, io.EOF
				}
				if err := it.wait(); err != nil {
					return nil, err
				}
			}

		default:
			// A damaged range ends this segment; later segments are still read.
			it.truncated = true
			it.engine.logger.Warn("replay skipped damaged range",
				zap.Uint64("segment", it.seg),
				zap.Int64("offset", res.Offset),
				zap.String("kind", res.Kind.String()),
				zap.String("reason", res.Reason))
			if next, ok := it.engine.table.After(it.seg); ok {
				it.moveTo(next.Seq)
				continue
			}
			// Damage below the durable frontier of the active segment.
			return nil, logerr.NewCodecError(logerr.CodeCorruptRecord, "damaged record in active segment", res.Err).
				WithDetails(map[string]interface{}{"segment": it.seg, "offset": res.Offset, "kind": res.Kind.String()})
		}
	}
}

// open opens the current segment bounded to its readable size.
func (it *Iterator) open() error {
	f, info, err := it.engine.table.Open(it.seg)
	if err != nil {
		return logerr.NewStorageError(logerr.CodeIOFailure, "failed to open segment for replay", err).
			WithDetails(map[string]interface{}{"segment": it.seg, "offset": it.offset, "kind": "open"})
	}
	it.file = f
	it.limit = info.Size
	it.sealed = info.Sealed
	if it.offset > it.limit {
		it.offset = it.limit
	}
	it.reader = codec.NewReader(io.NewSectionReader(f, it.offset, it.limit-it.offset), it.offset)
	return nil
}

// advance moves past a segment boundary or picks up newly durable bytes.
// It reports false when nothing new is readable.
func (it *Iterator) advance() (bool, error) {
	if it.sealed {
		if next, ok := it.engine.table.After(it.seg); ok {
			it.moveTo(next.Seq)
			return true, nil
		}
		return false, nil
	}
	info, ok := it.engine.table.Lookup(it.seg)
	if !ok {
		return false, nil
	}
	if info.Size > it.limit || info.Sealed {
		// Reopen through the table: the frontier moved or the file was renamed.
		it.closeFile()
		return true, nil
	}
	return false, nil
}

func (it *Iterator) moveTo(seq uint64) {
	it.closeFile()
	it.seg = seq
	it.offset = 0
}

// wait blocks until the next commit. The channel is taken before the
// frontier is rechecked so no commit is missed.
func (it *Iterator) wait() error {
	if it.engine.notifier == nil {
		return io.EOF
	}
	ch := it.engine.notifier.Changes()
	if advanced, err := it.advance(); err != nil || advanced {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-it.ctx.Done():
		return it.ctx.Err()
	}
}

func (it *Iterator) closeFile() {
	if it.file != nil {
		it.file.Close()
		it.file = nil
	}
	it.reader = nil
}

// Truncated reports whether a damaged range was skipped.
func (it *Iterator) Truncated() bool {
	return it.truncated
}

// LastID returns the ID of the last event read, including filtered ones.
func (it *Iterator) LastID() types.EventID {
	return it.lastID
}

// Close releases the open segment.
func (it *Iterator) Close() error {
	it.closeFile()
	if it.err == nil {
		it.err = io.EOF
	}
	return nil
}
