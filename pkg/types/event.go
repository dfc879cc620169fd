// Package types provides the core data types of the event log.
package types

import "fmt"

// Schema versions. Evolution is additive only: later versions may add
// optional fields but never remove or retype existing ones.
const (
	// SchemaV1 carries id, type, timestamp, payload and metadata.
	SchemaV1 = 1

	// SchemaV2 adds the optional aggregate id and metadata tags.
	SchemaV2 = 2

	// CurrentSchemaVersion is the version stamped on events that do not set one.
	CurrentSchemaVersion = SchemaV2
)

// Event is the atomic, immutable unit of history.
type Event struct {
	// ID is the sortable event identifier; assigned by the writer if empty
	ID EventID `msgpack:"id" json:"event_id"`

	// SchemaVersion selects the field table used to validate the event
	SchemaVersion int `msgpack:"v" json:"schema_version"`

	// Type is the semantic kind of event, used by type-filtered queries
	Type string `msgpack:"type" json:"event_type"`

	// TimestampNs is the nanosecond Unix time; always equal to the ID's timestamp
	TimestampNs int64 `msgpack:"ts" json:"timestamp_ns"`

	// AggregateID optionally names the entity this event belongs to (v2)
	AggregateID string `msgpack:"agg,omitempty" json:"aggregate_id,omitempty"`

	// Payload is the opaque event body
	Payload map[string]interface{} `msgpack:"payload" json:"payload"`

	// Metadata carries provenance and integrity fields
	Metadata Metadata `msgpack:"meta" json:"metadata"`

	// LSN is the dense log sequence number assigned at commit
	LSN uint64 `msgpack:"lsn" json:"lsn"`

	// Raw holds the exact serialized bytes the event was decoded from.
	// It is never written to disk as part of the event.
	Raw []byte `msgpack:"-" json:"-"`
}

// Metadata holds provenance and integrity information for an event.
type Metadata struct {
	// Source is the originating component or agent
	Source string `msgpack:"src" json:"source"`

	// CorrelationID groups events belonging to one logical operation
	CorrelationID string `msgpack:"corr,omitempty" json:"correlation_id,omitempty"`

	// CausationID is the parent event, if any
	CausationID string `msgpack:"cause,omitempty" json:"causation_id,omitempty"`

	// Sequence is monotonic per Source; assigned by the writer if zero
	Sequence uint64 `msgpack:"seq" json:"sequence"`

	// ContentHash is the hex SHA-256 digest of type, aggregate id and payload
	ContentHash string `msgpack:"hash" json:"content_hash"`

	// Tags are free-form labels (v2)
	Tags map[string]string `msgpack:"tags,omitempty" json:"tags,omitempty"`
}

// Position locates a record inside the log.
type Position struct {
	// Segment is the sequence number of the segment holding the record
	Segment uint64 `json:"segment"`

	// Offset is the byte offset of the record's length prefix
	Offset int64 `json:"offset"`

	// Length is the full framed length of the record
	Length uint32 `json:"length"`
}

// String implements fmt.Stringer.
func (p Position) String() string {
	return fmt.Sprintf("%06d@%d+%d", p.Segment, p.Offset, p.Length)
}

// fieldRule checks one required field of an event.
type fieldRule struct {
	name    string
	present func(e *Event) bool
}

// schemaTable lists, per schema version, the fields that must be present.
// Optional fields are not listed; a version inherits nothing implicitly so
// each entry is complete on its own.
var schemaTable = map[int][]fieldRule{
	SchemaV1: {
		{"event_id", func(e *Event) bool { return !e.ID.IsZero() }},
		{"event_type", func(e *Event) bool { return e.Type != "" }},
		{"timestamp_ns", func(e *Event) bool { return e.TimestampNs > 0 }},
		{"metadata.source", func(e *Event) bool { return e.Metadata.Source != "" }},
		{"metadata.content_hash", func(e *Event) bool { return e.Metadata.ContentHash != "" }},
	},
	SchemaV2: {
		{"event_id", func(e *Event) bool { return !e.ID.IsZero() }},
		{"event_type", func(e *Event) bool { return e.Type != "" }},
		{"timestamp_ns", func(e *Event) bool { return e.TimestampNs > 0 }},
		{"metadata.source", func(e *Event) bool { return e.Metadata.Source != "" }},
		{"metadata.content_hash", func(e *Event) bool { return e.Metadata.ContentHash != "" }},
	},
}

// Validate checks the event against the field table for its schema version.
// It is applied to fully stamped events, both before encoding and after decoding.
func (e *Event) Validate() error {
	rules, ok := schemaTable[e.SchemaVersion]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSchemaVersion, e.SchemaVersion)
	}
	for _, r := range rules {
		if !r.present(e) {
			return fmt.Errorf("%w: %s (schema v%d)", ErrMissingField, r.name, e.SchemaVersion)
		}
	}
	if e.SchemaVersion < SchemaV2 && (e.AggregateID != "" || len(e.Metadata.Tags) > 0) {
		return fmt.Errorf("%w: aggregate_id and tags require schema v%d", ErrUnknownSchemaVersion, SchemaV2)
	}
	if _, _, _, err := e.ID.Parts(); err != nil {
		return err
	}
	if ts := e.ID.Timestamp(); ts != e.TimestampNs {
		return fmt.Errorf("%w: timestamp_ns %d does not match id timestamp %d", ErrInvalidEventID, e.TimestampNs, ts)
	}
	return nil
}

// Clone returns a copy of the event that shares no maps with the original.
// Payload values are copied one level deep.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Payload != nil {
		cp.Payload = make(map[string]interface{}, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	if e.Metadata.Tags != nil {
		cp.Metadata.Tags = make(map[string]string, len(e.Metadata.Tags))
		for k, v := range e.Metadata.Tags {
			cp.Metadata.Tags[k] = v
		}
	}
	cp.Raw = nil
	return &cp
}
