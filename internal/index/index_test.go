package index

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/eventlog/pkg/types"
)

func entry(ts int64, lsn uint64, typ string, seg uint64, off int64) Entry {
	return Entry{
		ID:          types.NewEventID(ts, 0, "n1"),
		TimestampNs: ts,
		LSN:         lsn,
		Type:        typ,
		Source:      "src",
		SourceSeq:   lsn,
		Segment:     seg,
		Offset:      off,
		Length:      100,
	}
}

func buildIndex(t *testing.T, n int) *Index {
	t.Helper()
	idx := New()
	for i := 0; i < n; i++ {
		typ := "even"
		if i%2 == 1 {
			typ = "odd"
		}
		require.NoError(t, idx.Add(entry(int64(1000+i*10), uint64(i+1), typ, uint64(i/10+1), int64(i%10)*100)))
	}
	return idx
}

func TestIndex_Lookup(t *testing.T) {
	idx := buildIndex(t, 50)

	e, ok := idx.Lookup(types.NewEventID(1100, 0, "n1"))
	require.True(t, ok)
	assert.EqualValues(t, 11, e.LSN)

	_, ok = idx.Lookup(types.NewEventID(1101, 0, "n1"))
	assert.False(t, ok)
	assert.Equal(t, 50, idx.Len())
}

func TestIndex_RangeHalfOpen(t *testing.T) {
	idx := buildIndex(t, 50)

	got := idx.Range(1100, 1200)
	require.Len(t, got, 10)
	assert.EqualValues(t, 1100, got[0].TimestampNs)
	assert.EqualValues(t, 1190, got[9].TimestampNs)

	assert.Empty(t, idx.Range(1200, 1200))
	assert.Empty(t, idx.Range(5000, 6000))
	assert.Len(t, idx.Range(0, 1<<62), 50)
}

func TestIndex_ByType(t *testing.T) {
	idx := buildIndex(t, 20)
	odd := idx.ByType("odd")
	require.Len(t, odd, 10)
	for i := 1; i < len(odd); i++ {
		assert.True(t, odd[i-1].ID < odd[i].ID)
	}
	assert.Empty(t, idx.ByType("missing"))
	assert.Equal(t, map[string]int{"even": 10, "odd": 10}, idx.Types())
}

func TestIndex_AddDuplicateAndOutOfOrder(t *testing.T) {
	idx := buildIndex(t, 5)

	require.NoError(t, idx.Add(entry(1000, 1, "even", 1, 0)))
	assert.Equal(t, 5, idx.Len())

	err := idx.Add(entry(999, 99, "even", 1, 0))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, 5, idx.Len())
}

func TestIndex_FirstAfterAndLSN(t *testing.T) {
	idx := buildIndex(t, 30)

	first, ok := idx.FirstAfter("")
	require.True(t, ok)
	assert.EqualValues(t, 1, first.LSN)

	next, ok := idx.FirstAfter(types.NewEventID(1050, 0, "n1"))
	require.True(t, ok)
	assert.EqualValues(t, 7, next.LSN)

	// An ID between two entries resolves to the later one.
	next, ok = idx.FirstAfter(types.NewEventID(1055, 0, "n1"))
	require.True(t, ok)
	assert.EqualValues(t, 7, next.LSN)

	_, ok = idx.FirstAfter(types.NewEventID(1290, 0, "n1"))
	assert.False(t, ok)

	e, ok := idx.FindLSN(12)
	require.True(t, ok)
	assert.EqualValues(t, 1110, e.TimestampNs)
}

func TestIndex_Segment(t *testing.T) {
	idx := buildIndex(t, 25)
	assert.Len(t, idx.Segment(1), 10)
	assert.Len(t, idx.Segment(3), 5)
	assert.Empty(t, idx.Segment(9))
}

func TestFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx := buildIndex(t, 40)
	path := filepath.Join(dir, "20261018_000002.idx")

	require.NoError(t, WriteFile(path, 2, 1000, idx.Segment(2)))

	f, err := ReadFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.Segment)
	assert.EqualValues(t, 1000, f.CoveredSize)
	assert.Equal(t, idx.Segment(2), f.Entries)

	for _, e := range f.Entries {
		assert.True(t, f.Filter.MayContain(string(e.ID)))
	}
}

func TestFile_DetectsDamage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.idx")
	require.NoError(t, WriteFile(path, 1, 500, buildIndex(t, 5).Segment(1)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0x40
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = ReadFile(path)
	assert.ErrorIs(t, err, ErrInvalidFile)

	require.NoError(t, os.WriteFile(path, []byte("nope"), 0644))
	_, err = ReadFile(path)
	assert.ErrorIs(t, err, ErrInvalidFile)
}

func TestReadFilter_RejectsOversizedFilterLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.idx")
	require.NoError(t, WriteFile(path, 1, 500, buildIndex(t, 5).Segment(1)))

	f, err := ReadFilter(path)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.Segment)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.BigEndian.PutUint32(data[fixedHeaderSize:], 0xFFFFFFF0)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = ReadFilter(path)
	assert.ErrorIs(t, err, ErrInvalidFile)

	// Locate steps over the damaged file instead of failing.
	_, err = Locate(dir, types.NewEventID(1000, 0, "n1"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocate(t *testing.T) {
	dir := t.TempDir()
	idx := buildIndex(t, 30)
	for seg := uint64(1); seg <= 3; seg++ {
		path := filepath.Join(dir, FileName(segmentName(seg)))
		require.NoError(t, WriteFile(path, seg, 1000, idx.Segment(seg)))
	}

	target := types.NewEventID(1000+25*10, 0, "n1")
	res, err := Locate(dir, target)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Entry.Segment)
	assert.Equal(t, target, res.Entry.ID)
	assert.GreaterOrEqual(t, res.Skipped, 1)

	_, err = Locate(dir, types.NewEventID(1, 0, "n1"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func segmentName(seq uint64) string {
	return "20261018_00000" + string(rune('0'+seq)) + ".log"
}

func TestProperty_RangeMatchesLinearScan(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Range returns exactly the entries inside [start, end)", prop.ForAll(
		func(gaps []int64, start, width int64) bool {
			idx := New()
			var all []Entry
			ts := int64(1)
			for i, g := range gaps {
				ts += g
				e := Entry{ID: types.NewEventID(ts, uint32(i), "n"), TimestampNs: ts, LSN: uint64(i + 1)}
				if err := idx.Add(e); err != nil {
					return false
				}
				all = append(all, e)
			}

			end := start + width
			var want []Entry
			for _, e := range all {
				if e.TimestampNs >= start && e.TimestampNs < end {
					want = append(want, e)
				}
			}
			got := idx.Range(start, end)
			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if got[i].ID != want[i].ID {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 5)),
		gen.Int64Range(0, 200),
		gen.Int64Range(0, 100),
	))

	properties.TestingRun(t)
}
