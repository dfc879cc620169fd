package types

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EventID is a globally unique, lexicographically sortable event identifier.
// Format: {timestamp_ns:019d}_{sequence:06d}_{node_id}
//
// The fixed-width numeric components make string ordering equal to
// (timestamp, sequence) ordering, so IDs can be compared without parsing.
type EventID string

const (
	timestampWidth = 19
	sequenceWidth  = 6

	// MaxSequence is the highest per-timestamp sequence component.
	MaxSequence = 999999
)

// NewEventID formats an EventID from its components.
func NewEventID(timestampNs int64, seq uint32, nodeID string) EventID {
	return EventID(fmt.Sprintf("%019d_%06d_%s", timestampNs, seq, nodeID))
}

// ParseEventID validates s and returns it as an EventID.
func ParseEventID(s string) (EventID, error) {
	id := EventID(s)
	if _, _, _, err := id.Parts(); err != nil {
		return "", err
	}
	return id, nil
}

// Parts splits the ID into timestamp, sequence and node components.
func (id EventID) Parts() (timestampNs int64, seq uint32, nodeID string, err error) {
	fields := strings.SplitN(string(id), "_", 3)
	if len(fields) != 3 {
		return 0, 0, "", ErrInvalidEventID
	}
	if len(fields[0]) != timestampWidth || len(fields[1]) != sequenceWidth || fields[2] == "" {
		return 0, 0, "", ErrInvalidEventID
	}
	// ParseInt would accept a sign, which breaks lexical ordering.
	if !allDigits(fields[0]) || !allDigits(fields[1]) {
		return 0, 0, "", ErrInvalidEventID
	}
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || ts < 0 {
		return 0, 0, "", ErrInvalidEventID
	}
	s, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0, 0, "", ErrInvalidEventID
	}
	return ts, uint32(s), fields[2], nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Timestamp returns the nanosecond timestamp component, or 0 if the ID is malformed.
func (id EventID) Timestamp() int64 {
	ts, _, _, err := id.Parts()
	if err != nil {
		return 0
	}
	return ts
}

// Compare compares two IDs.
// Returns -1 if id < other, 0 if id == other, 1 if id > other.
func (id EventID) Compare(other EventID) int {
	return strings.Compare(string(id), string(other))
}

// IsZero reports whether the ID is unset.
func (id EventID) IsZero() bool {
	return id == ""
}

// String implements fmt.Stringer.
func (id EventID) String() string {
	return string(id)
}

// IDGenerator generates strictly increasing EventIDs for a single writer.
// IDs generated within the same nanosecond (or after the clock moved backwards)
// reuse the last timestamp and increment the sequence component.
type IDGenerator struct {
	mu      sync.Mutex
	nodeID  string
	clock   func() time.Time
	lastTs  int64
	lastSeq uint32
	started bool
}

// NewIDGenerator creates a generator stamping IDs with nodeID.
func NewIDGenerator(nodeID string) *IDGenerator {
	return &IDGenerator{
		nodeID: nodeID,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (g *IDGenerator) WithClock(clock func() time.Time) *IDGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clock = clock
	return g
}

// NodeID returns the node component stamped into generated IDs.
func (g *IDGenerator) NodeID() string {
	return g.nodeID
}

// Next generates an ID using the generator's clock.
func (g *IDGenerator) Next() EventID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nextLocked(g.clock().UnixNano())
}

// NextAt generates an ID for the given time, still honoring monotonicity.
func (g *IDGenerator) NextAt(t time.Time) EventID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nextLocked(t.UnixNano())
}

func (g *IDGenerator) nextLocked(ts int64) EventID {
	switch {
	case !g.started || ts > g.lastTs:
		g.lastTs = ts
		g.lastSeq = 0
		g.started = true
	case g.lastSeq >= MaxSequence:
		// Sequence space for this nanosecond is exhausted; borrow the next one.
		g.lastTs++
		g.lastSeq = 0
	default:
		g.lastSeq++
	}
	return NewEventID(g.lastTs, g.lastSeq, g.nodeID)
}

// Observe advances the generator past id. Recovery uses it to seed the
// generator with the last durable ID so new IDs always sort after it.
func (g *IDGenerator) Observe(id EventID) {
	ts, seq, _, err := id.Parts()
	if err != nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started || ts > g.lastTs || (ts == g.lastTs && seq > g.lastSeq) {
		g.lastTs = ts
		g.lastSeq = seq
		g.started = true
	}
}

// Last returns the most recently generated or observed components.
func (g *IDGenerator) Last() (timestampNs int64, seq uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastTs, g.lastSeq
}
