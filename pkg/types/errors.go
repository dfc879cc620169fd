package types

import "errors"

// Event identity errors
var (
	// ErrInvalidEventID is returned when an event ID string is not in
	// {timestamp_ns}_{sequence}_{node_id} form
	ErrInvalidEventID = errors.New("invalid event ID")

	// ErrUnknownSchemaVersion is returned for schema versions newer than this build understands
	ErrUnknownSchemaVersion = errors.New("unknown schema version")

	// ErrMissingField is returned when a field required by the event's schema version is empty
	ErrMissingField = errors.New("missing required field")
)
