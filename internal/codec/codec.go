// Package codec implements the on-disk record format of the event log.
//
// A record is framed as
//
//	[u32 big-endian L][L bytes msgpack(Event)][32 bytes SHA-256 of the L bytes]
//
// and is either fully present with a valid checksum or treated as absent.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	logerr "github.com/arkilian/eventlog/internal/errors"
	"github.com/arkilian/eventlog/pkg/types"
)

const (
	// HeaderSize is the size of the big-endian length prefix.
	HeaderSize = 4

	// ChecksumSize is the size of the trailing SHA-256 digest.
	ChecksumSize = sha256.Size

	// FrameOverhead is the number of framing bytes around each payload.
	FrameOverhead = HeaderSize + ChecksumSize

	// MaxEventSize is the hard upper bound on a serialized event.
	MaxEventSize = 1 << 20

	// RecommendedEventSize is the size above which appends log a warning.
	RecommendedEventSize = 64 << 10
)

// Codec encodes and decodes framed event records.
type Codec struct {
	maxEventSize int
	logger       *zap.Logger
}

// New creates a codec. maxEventSize is clamped to (0, MaxEventSize].
func New(maxEventSize int, logger *zap.Logger) *Codec {
	if maxEventSize <= 0 || maxEventSize > MaxEventSize {
		maxEventSize = MaxEventSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Codec{maxEventSize: maxEventSize, logger: logger}
}

// MaxEventSize returns the configured serialized-event limit.
func (c *Codec) MaxEventSize() int {
	return c.maxEventSize
}

// Encode validates a fully stamped event and returns its framed bytes.
func (c *Codec) Encode(e *types.Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, logerr.NewCodecError(logerr.CodeMalformedEvent, "event failed schema validation", err).
			WithDetails(map[string]interface{}{"event_id": string(e.ID), "kind": "schema"})
	}

	payload, err := Marshal(e)
	if err != nil {
		return nil, logerr.NewCodecError(logerr.CodeMalformedEvent, "failed to serialize event", err).
			WithDetails(map[string]interface{}{"event_id": string(e.ID), "kind": "serialize"})
	}

	if len(payload) > c.maxEventSize {
		return nil, logerr.NewCodecError(logerr.CodePayloadTooLarge,
			fmt.Sprintf("serialized event is %d bytes, limit is %d", len(payload), c.maxEventSize), nil).
			WithDetails(map[string]interface{}{"event_id": string(e.ID), "size": len(payload), "limit": c.maxEventSize})
	}
	if len(payload) > RecommendedEventSize {
		c.logger.Warn("event exceeds recommended size",
			zap.String("event_id", string(e.ID)),
			zap.String("event_type", e.Type),
			zap.Int("size", len(payload)),
			zap.Int("recommended", RecommendedEventSize))
	}

	return Frame(payload), nil
}

// Decode parses one complete frame, verifying length and checksum.
func (c *Codec) Decode(frame []byte) (*types.Event, error) {
	if len(frame) < FrameOverhead {
		return nil, corrupt("frame shorter than header and checksum", nil, len(frame))
	}
	n := binary.BigEndian.Uint32(frame[:HeaderSize])
	if int(n) != len(frame)-FrameOverhead {
		return nil, corrupt(fmt.Sprintf("length prefix %d does not match frame size %d", n, len(frame)), nil, len(frame))
	}
	payload := frame[HeaderSize : HeaderSize+int(n)]
	if !verify(payload, frame[HeaderSize+int(n):]) {
		return nil, corrupt("checksum mismatch", nil, len(frame))
	}
	e, err := Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Frame wraps a serialized event with its length prefix and checksum.
func Frame(payload []byte) []byte {
	out := make([]byte, FrameOverhead+len(payload))
	binary.BigEndian.PutUint32(out[:HeaderSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	sum := sha256.Sum256(payload)
	copy(out[HeaderSize+len(payload):], sum[:])
	return out
}

// Marshal serializes v deterministically: map keys are sorted and integers
// use their most compact representation regardless of Go type.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalValue decodes msgpack data into v with loose number decoding.
func UnmarshalValue(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

// Unmarshal decodes and validates a serialized event. The returned event
// keeps a reference to data in Raw.
func Unmarshal(data []byte) (*types.Event, error) {
	var e types.Event
	if err := UnmarshalValue(data, &e); err != nil {
		return nil, corrupt("undecodable event body", err, len(data)+FrameOverhead)
	}
	if err := e.Validate(); err != nil {
		return nil, logerr.NewCodecError(logerr.CodeMalformedEvent, "decoded event failed schema validation", err).
			WithDetails(map[string]interface{}{"event_id": string(e.ID), "kind": "schema"})
	}
	e.Raw = data
	return &e, nil
}

// hashInput is the content-addressed part of an event.
type hashInput struct {
	Type        string                 `msgpack:"type"`
	AggregateID string                 `msgpack:"aggregate_id"`
	Payload     map[string]interface{} `msgpack:"payload"`
}

// ContentHash returns the hex SHA-256 of the deterministic serialization of
// the event's type, aggregate id and payload.
func ContentHash(e *types.Event) (string, error) {
	b, err := Marshal(hashInput{Type: e.Type, AggregateID: e.AggregateID, Payload: e.Payload})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func verify(payload, checksum []byte) bool {
	sum := sha256.Sum256(payload)
	return bytes.Equal(sum[:], checksum)
}

func corrupt(reason string, cause error, length int) *logerr.LogError {
	return logerr.NewCodecError(logerr.CodeCorruptRecord, reason, cause).
		WithDetails(map[string]interface{}{"kind": "corrupt", "length": length})
}
