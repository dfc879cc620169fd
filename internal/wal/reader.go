package wal

import (
	"errors"
	"fmt"
	"io"

	"github.com/arkilian/eventlog/internal/codec"
	logerr "github.com/arkilian/eventlog/internal/errors"
	"github.com/arkilian/eventlog/pkg/types"
)

// Reader performs positional reads of durable records. It is safe for
// concurrent use and never blocks the writer.
type Reader struct {
	table *SegmentTable
	codec *codec.Codec
}

// NewReader creates a reader over the segments in table.
func NewReader(table *SegmentTable, c *codec.Codec) *Reader {
	return &Reader{table: table, codec: c}
}

// Read decodes the record at pos.
func (r *Reader) Read(pos types.Position) (*types.Event, error) {
	f, info, err := r.table.Open(pos.Segment)
	if err != nil {
		return nil, logerr.NewStorageError(logerr.CodeIOFailure, "failed to open segment", err).
			WithDetails(map[string]interface{}{"segment": pos.Segment, "offset": pos.Offset, "kind": "open"})
	}
	defer f.Close()

	if pos.Offset+int64(pos.Length) > info.Size {
		return nil, logerr.NewStorageError(logerr.CodeNotFound,
			fmt.Sprintf("record end %d is past the readable size %d", pos.Offset+int64(pos.Length), info.Size), nil).
			WithDetails(map[string]interface{}{"segment": pos.Segment, "offset": pos.Offset, "kind": "bounds"})
	}

	frame := make([]byte, pos.Length)
	if _, err := f.ReadAt(frame, pos.Offset); err != nil && err != io.EOF {
		return nil, logerr.NewStorageError(logerr.CodeIOFailure, "failed to read record", err).
			WithDetails(map[string]interface{}{"segment": pos.Segment, "offset": pos.Offset, "kind": "read"})
	}
	e, err := r.codec.Decode(frame)
	if err != nil {
		var le *logerr.LogError
		if errors.As(err, &le) {
			return nil, le.WithDetails(map[string]interface{}{"segment": pos.Segment, "offset": pos.Offset})
		}
		return nil, err
	}
	return e, nil
}

// Codec returns the codec used for decoding.
func (r *Reader) Codec() *codec.Codec {
	return r.codec
}
