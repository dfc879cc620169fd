// Package index maintains the in-memory offset index of the event log and
// its per-segment persisted form.
package index

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/arkilian/eventlog/pkg/types"
)

// ErrOutOfOrder is returned by Add when an entry does not sort after the
// current last entry.
var ErrOutOfOrder = errors.New("index: entry out of order")

// Entry locates one event in the log.
type Entry struct {
	ID          types.EventID `msgpack:"id" json:"event_id"`
	TimestampNs int64         `msgpack:"ts" json:"timestamp_ns"`
	LSN         uint64        `msgpack:"lsn" json:"lsn"`
	Type        string        `msgpack:"type" json:"event_type"`
	Source      string        `msgpack:"src" json:"source"`
	SourceSeq   uint64        `msgpack:"sseq" json:"source_seq"`
	Segment     uint64        `msgpack:"seg" json:"segment"`
	Offset      int64         `msgpack:"off" json:"offset"`
	Length      uint32        `msgpack:"len" json:"length"`
}

// EntryFor builds the index entry of an event stored at pos.
func EntryFor(e *types.Event, pos types.Position) Entry {
	return Entry{
		ID:          e.ID,
		TimestampNs: e.TimestampNs,
		LSN:         e.LSN,
		Type:        e.Type,
		Source:      e.Metadata.Source,
		SourceSeq:   e.Metadata.Sequence,
		Segment:     pos.Segment,
		Offset:      pos.Offset,
		Length:      pos.Length,
	}
}

// Position returns where the entry's record lives.
func (e Entry) Position() types.Position {
	return types.Position{Segment: e.Segment, Offset: e.Offset, Length: e.Length}
}

// End returns the offset just past the entry's record.
func (e Entry) End() int64 {
	return e.Offset + int64(e.Length)
}

// Index is the in-memory offset index. It supports one writer and many
// concurrent readers. Entries are kept in ID order, which is also
// timestamp order.
type Index struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[types.EventID]int
	byType  map[string][]int
}

// New creates an empty index.
func New() *Index {
	return &Index{
		byID:   make(map[types.EventID]int),
		byType: make(map[string][]int),
	}
}

// Add appends entries. Entries whose ID is already indexed are ignored;
// an entry that does not sort after the last one fails with ErrOutOfOrder
// and leaves the index with every entry before it added.
func (idx *Index) Add(entries ...Entry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, e := range entries {
		if _, ok := idx.byID[e.ID]; ok {
			continue
		}
		if n := len(idx.entries); n > 0 && e.ID <= idx.entries[n-1].ID {
			return fmt.Errorf("%w: %s after %s", ErrOutOfOrder, e.ID, idx.entries[n-1].ID)
		}
		pos := len(idx.entries)
		idx.entries = append(idx.entries, e)
		idx.byID[e.ID] = pos
		idx.byType[e.Type] = append(idx.byType[e.Type], pos)
	}
	return nil
}

// Lookup returns the entry for id.
func (idx *Index) Lookup(id types.EventID) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	pos, ok := idx.byID[id]
	if !ok {
		return Entry{}, false
	}
	return idx.entries[pos], true
}

// Contains reports whether id is indexed.
func (idx *Index) Contains(id types.EventID) bool {
	_, ok := idx.Lookup(id)
	return ok
}

// Range returns entries with startTs <= TimestampNs < endTs in ascending order.
func (idx *Index) Range(startTs, endTs int64) []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if endTs <= startTs {
		return nil
	}
	lo := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].TimestampNs >= startTs })
	hi := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].TimestampNs >= endTs })
	if lo >= hi {
		return nil
	}
	out := make([]Entry, hi-lo)
	copy(out, idx.entries[lo:hi])
	return out
}

// ByType returns all entries of the given event type in ascending order.
func (idx *Index) ByType(eventType string) []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	positions := idx.byType[eventType]
	out := make([]Entry, len(positions))
	for i, p := range positions {
		out[i] = idx.entries[p]
	}
	return out
}

// FirstAfter returns the first entry whose ID sorts after id.
// An empty id means the beginning of the log.
func (idx *Index) FirstAfter(id types.EventID) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	i := 0
	if id != "" {
		i = sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].ID > id })
	}
	if i >= len(idx.entries) {
		return Entry{}, false
	}
	return idx.entries[i], true
}

// FindLSN returns the entry with the given log sequence number.
func (idx *Index) FindLSN(lsn uint64) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	i := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].LSN >= lsn })
	if i < len(idx.entries) && idx.entries[i].LSN == lsn {
		return idx.entries[i], true
	}
	return Entry{}, false
}

// Segment returns the entries stored in segment seq.
func (idx *Index) Segment(seq uint64) []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	lo := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].Segment >= seq })
	hi := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].Segment > seq })
	out := make([]Entry, hi-lo)
	copy(out, idx.entries[lo:hi])
	return out
}

// Last returns the most recent entry.
func (idx *Index) Last() (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.entries) == 0 {
		return Entry{}, false
	}
	return idx.entries[len(idx.entries)-1], true
}

// Len returns the number of indexed events.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Types returns the distinct event types and their counts.
func (idx *Index) Types() map[string]int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[string]int, len(idx.byType))
	for t, p := range idx.byType {
		out[t] = len(p)
	}
	return out
}
