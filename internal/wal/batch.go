package wal

import (
	"context"
	"time"

	logerr "github.com/arkilian/eventlog/internal/errors"
	"github.com/arkilian/eventlog/pkg/types"
)

func (w *WAL) appendBatched(ctx context.Context, events []*types.Event) ([]types.Position, error) {
	w.enqueueMu.Lock()
	if w.closed {
		w.enqueueMu.Unlock()
		return nil, closedError()
	}
	// IDs are generated and enqueued under one lock so that queue order
	// matches ID order.
	generated := w.assignIDs(events)
	req := &request{events: cloneAll(events), enqueued: w.clock(), done: make(chan result, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		w.enqueueMu.Unlock()
		clearIDs(events, generated)
		return nil, logerr.NewWriterError(logerr.CodeWriteContention, "write queue full", ctx.Err())
	}
	w.enqueueMu.Unlock()

	select {
	case res := <-req.done:
		if res.err != nil {
			clearIDs(events, generated)
		}
		return res.positions, res.err
	case <-ctx.Done():
		return nil, logerr.NewWriterError(logerr.CodeOutcomeUnknown,
			"context ended before commit was acknowledged; retry with the same event IDs", ctx.Err()).
			WithDetails(map[string]interface{}{"event_ids": idsOf(events)})
	}
}

// run is the group-commit loop: it collects requests for one batch window
// or until MaxBatchEvents, then writes and fsyncs them together.
func (w *WAL) run() {
	defer close(w.doneCh)

	for {
		var first *request
		select {
		case first = <-w.requests:
		case <-w.stopCh:
			w.drain()
			return
		}

		batch := []*request{first}
		n := len(first.events)
		timer := time.NewTimer(w.opts.BatchWindow)
	collect:
		for n < w.opts.MaxBatchEvents {
			select {
			case r := <-w.requests:
				batch = append(batch, r)
				n += len(r.events)
			case <-timer.C:
				break collect
			}
		}
		timer.Stop()

		w.sem <- struct{}{}
		w.commit(batch)
		<-w.sem
	}
}

func (w *WAL) drain() {
	var batch []*request
	for {
		select {
		case r := <-w.requests:
			batch = append(batch, r)
		default:
			if len(batch) > 0 {
				w.sem <- struct{}{}
				w.commit(batch)
				<-w.sem
			}
			return
		}
	}
}
