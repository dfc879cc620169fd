package types

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_EventIDOrdering checks that IDs from one generator are
// strictly increasing regardless of how the clock moves, and that string
// order always agrees with (timestamp, sequence) order.
func TestProperty_EventIDOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("generated IDs are strictly increasing under arbitrary clock jitter", prop.ForAll(
		func(base int64, deltas []int64) bool {
			g := NewIDGenerator("node")
			now := base

			var prev EventID
			for i, d := range deltas {
				now += d
				if now < 1 {
					now = 1
				}
				curr := g.NextAt(time.Unix(0, now))
				if i > 0 && prev.Compare(curr) >= 0 {
					return false
				}
				prev = curr
			}
			return true
		},
		gen.Int64Range(1_000_000_000_000_000_000, 2_000_000_000_000_000_000),
		gen.SliceOfN(200, gen.Int64Range(-1000, 1000)),
	))

	properties.Property("lexical order equals numeric order", prop.ForAll(
		func(ts1, ts2 int64, seq1, seq2 uint32) bool {
			a := NewEventID(ts1, seq1, "n")
			b := NewEventID(ts2, seq2, "n")

			numeric := 0
			switch {
			case ts1 < ts2 || (ts1 == ts2 && seq1 < seq2):
				numeric = -1
			case ts1 > ts2 || (ts1 == ts2 && seq1 > seq2):
				numeric = 1
			}
			return a.Compare(b) == numeric
		},
		gen.Int64Range(0, 9_000_000_000_000_000_000),
		gen.Int64Range(0, 9_000_000_000_000_000_000),
		gen.UInt32Range(0, MaxSequence),
		gen.UInt32Range(0, MaxSequence),
	))

	properties.Property("parse recovers the formatted components", prop.ForAll(
		func(ts int64, seq uint32) bool {
			id := NewEventID(ts, seq, "n_1")
			gotTs, gotSeq, node, err := id.Parts()
			return err == nil && gotTs == ts && gotSeq == seq && node == "n_1"
		},
		gen.Int64Range(0, 9_000_000_000_000_000_000),
		gen.UInt32Range(0, MaxSequence),
	))

	properties.TestingRun(t)
}
