package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	logerr "github.com/arkilian/eventlog/internal/errors"
	"github.com/arkilian/eventlog/pkg/types"
)

// Kind tags the outcome of reading one record.
type Kind int

const (
	// Valid means a complete, checksum-valid, schema-valid record was read.
	Valid Kind = iota
	// Corrupt means the bytes at Offset are not a valid record.
	Corrupt
	// Incomplete means the stream ended inside a record.
	Incomplete
	// End means the stream ended exactly at a record boundary.
	End
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Valid:
		return "valid"
	case Corrupt:
		return "corrupt"
	case Incomplete:
		return "incomplete"
	case End:
		return "end"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the tagged outcome of Reader.Next.
type Result struct {
	Kind   Kind
	Event  *types.Event
	Offset int64
	Length uint32
	Reason string
	Err    error
}

// Reader scans framed records sequentially from an io.Reader.
// After a Corrupt, Incomplete or End result the reader stays at that
// boundary; callers decide whether to stop, truncate or quarantine.
type Reader struct {
	r      *bufio.Reader
	offset int64
	header [HeaderSize]byte
	done   *Result
}

// NewReader creates a reader whose first byte is at startOffset in the
// underlying file. Offsets in results are absolute.
func NewReader(r io.Reader, startOffset int64) *Reader {
	return &Reader{
		r:      bufio.NewReaderSize(r, 64<<10),
		offset: startOffset,
	}
}

// Offset returns the offset of the next record.
func (rd *Reader) Offset() int64 {
	return rd.offset
}

// Next reads the next record.
func (rd *Reader) Next() Result {
	if rd.done != nil {
		return *rd.done
	}

	start := rd.offset

	n, err := io.ReadFull(rd.r, rd.header[:])
	switch {
	case err == io.EOF:
		return rd.stop(Result{Kind: End, Offset: start})
	case err == io.ErrUnexpectedEOF:
		return rd.stop(Result{Kind: Incomplete, Offset: start, Reason: fmt.Sprintf("partial length prefix (%d bytes)", n)})
	case err != nil:
		return rd.stop(Result{Kind: Corrupt, Offset: start, Reason: "read failed", Err: err})
	}

	length := binary.BigEndian.Uint32(rd.header[:])
	if length == 0 || length > MaxEventSize {
		return rd.stop(Result{
			Kind:   Corrupt,
			Offset: start,
			Reason: fmt.Sprintf("implausible length prefix %d", length),
			Err:    corrupt("implausible length prefix", nil, 0),
		})
	}

	frameLen := uint32(FrameOverhead) + length
	frame := make([]byte, frameLen)
	copy(frame, rd.header[:])
	if _, err := io.ReadFull(rd.r, frame[HeaderSize:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return rd.stop(Result{Kind: Incomplete, Offset: start, Length: frameLen, Reason: "partial record body"})
		}
		return rd.stop(Result{Kind: Corrupt, Offset: start, Length: frameLen, Reason: "read failed", Err: err})
	}

	payload := frame[HeaderSize : HeaderSize+length]
	if !verify(payload, frame[HeaderSize+length:]) {
		return rd.stop(Result{
			Kind:   Corrupt,
			Offset: start,
			Length: frameLen,
			Reason: "checksum mismatch",
			Err:    corrupt("checksum mismatch", nil, int(frameLen)),
		})
	}

	e, err := Unmarshal(payload)
	if err != nil {
		reason := "undecodable event body"
		if logerr.GetCode(err) == logerr.CodeMalformedEvent {
			reason = "schema validation failed"
		}
		return rd.stop(Result{Kind: Corrupt, Offset: start, Length: frameLen, Reason: reason, Err: err})
	}

	rd.offset += int64(frameLen)
	return Result{Kind: Valid, Event: e, Offset: start, Length: frameLen}
}

func (rd *Reader) stop(res Result) Result {
	rd.done = &res
	return res
}
