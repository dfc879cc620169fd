package bloom

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestFilter_NoFalseNegatives(t *testing.T) {
	ids := make([]string, 5000)
	for i := range ids {
		ids[i] = fmt.Sprintf("%019d_%06d_node", 1700000000000000000+int64(i), i%7)
	}
	f := Build(ids, 0.01)
	for _, id := range ids {
		if !f.MayContain(id) {
			t.Fatalf("false negative for %s", id)
		}
	}
}

func TestFilter_FalsePositiveRate(t *testing.T) {
	ids := make([]string, 10000)
	for i := range ids {
		ids[i] = fmt.Sprintf("in-%d", i)
	}
	f := Build(ids, 0.01)

	fp := 0
	const lookups = 10000
	for i := 0; i < lookups; i++ {
		if f.MayContain(fmt.Sprintf("out-%d", i)) {
			fp++
		}
	}
	// Generous bound over the 1% target.
	if rate := float64(fp) / lookups; rate > 0.03 {
		t.Errorf("false positive rate %.4f exceeds bound", rate)
	}
}

func TestFilter_MarshalUnmarshal(t *testing.T) {
	f := Build([]string{"a", "b", "c"}, 0.001)
	data, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	g, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if g.NumBits() != f.NumBits() || g.NumHashes() != f.NumHashes() {
		t.Errorf("parameters changed: %d/%d vs %d/%d", g.NumBits(), g.NumHashes(), f.NumBits(), f.NumHashes())
	}
	for _, id := range []string{"a", "b", "c"} {
		if !g.MayContain(id) {
			t.Errorf("decoded filter lost %s", id)
		}
	}
}

func TestUnmarshal_Invalid(t *testing.T) {
	cases := [][]byte{
		nil,
		make([]byte, 8),
		make([]byte, 16),
		append(make([]byte, 16), 1, 2, 3),
	}
	for i, c := range cases {
		if _, err := Unmarshal(c); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestOptimalParameters(t *testing.T) {
	bits, hashes := OptimalParameters(1000, 0.01)
	// m ≈ 9586, k ≈ 7
	if bits < 9000 || bits > 10000 {
		t.Errorf("unexpected bit count %d", bits)
	}
	if hashes != 7 {
		t.Errorf("unexpected hash count %d", hashes)
	}

	bits, hashes = OptimalParameters(0, 5)
	if bits < 64 || hashes < 1 {
		t.Errorf("degenerate input should still produce a usable filter: %d/%d", bits, hashes)
	}
}

func TestProperty_FilterHasNoFalseNegatives(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every added id is reported present", prop.ForAll(
		func(ids []string) bool {
			f := Build(ids, 0.01)
			for _, id := range ids {
				if !f.MayContain(id) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
