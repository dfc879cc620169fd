package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logerr "github.com/arkilian/eventlog/internal/errors"
	"github.com/arkilian/eventlog/internal/index"
	"github.com/arkilian/eventlog/internal/replay"
	"github.com/arkilian/eventlog/internal/wal"
	"github.com/arkilian/eventlog/pkg/types"
)

func asInt(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func copyState(s State) State {
	out := make(State, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	return out
}

// counting keeps a running total and a per-type count.
var counting = ProjectionFunc(func(s State, e *types.Event) (State, error) {
	out := copyState(s)
	out["count"] = asInt(s["count"]) + 1
	out["type:"+e.Type] = asInt(s["type:"+e.Type]) + 1
	return out, nil
})

// keyed records one key per event, so consecutive states share most keys.
var keyed = ProjectionFunc(func(s State, e *types.Event) (State, error) {
	out := copyState(s)
	out[string(e.ID)] = e.Type
	return out, nil
})

type fixture struct {
	dir   string
	wal   *wal.WAL
	mgr   *Manager
	cfg   Config
	table *wal.SegmentTable
	idx   *index.Index
}

func newFixture(t *testing.T, cfg Config, proj Projection) *fixture {
	t.Helper()
	dir := t.TempDir()
	table := wal.NewSegmentTable(dir, nil, wal.SegmentInfo{Seq: 1, Created: time.Now()})
	idx := index.New()
	w, err := wal.NewWAL(wal.Options{Dir: dir, NodeID: "s1"}, table, idx, wal.Seed{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	cfg.Dir = filepath.Join(dir, "snapshots")
	engine := replay.NewEngine(table, idx, w, nil)
	m, err := NewManager(cfg, engine, proj, w.LastLSN, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return &fixture{dir: dir, wal: w, mgr: m, cfg: cfg, table: table, idx: idx}
}

func (f *fixture) append(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		typ := "even"
		if i%2 == 1 {
			typ = "odd"
		}
		_, err := f.wal.Append(context.Background(), &types.Event{
			Type:     typ,
			Payload:  map[string]interface{}{"i": i},
			Metadata: types.Metadata{Source: "svc"},
		})
		require.NoError(t, err)
	}
}

func (f *fixture) reopen(t *testing.T, proj Projection) *Manager {
	t.Helper()
	engine := replay.NewEngine(f.table, f.idx, f.wal, nil)
	m, err := NewManager(f.cfg, engine, proj, f.wal.LastLSN, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSnapshot_CountTriggerTakesExactSnapshots(t *testing.T) {
	cfg := Config{EveryEvents: 100, Retention: DefaultRetentionPolicy()}
	f := newFixture(t, cfg, counting)
	f.wal.OnCommit(f.mgr.Observe)
	f.mgr.Start()

	f.append(t, 250)
	require.NoError(t, f.mgr.Close())

	m := f.reopen(t, counting)
	list, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.EqualValues(t, 100, list[0].LastSequence)
	assert.EqualValues(t, 200, list[1].LastSequence)
	for _, h := range list {
		assert.Equal(t, KindFull, h.Kind)
		assert.Equal(t, TriggerCount, h.Trigger)
		assert.EqualValues(t, 100, h.EventCount)
	}

	state, h, err := m.Restore(context.Background(), list[1].ID)
	require.NoError(t, err)
	assert.Equal(t, list[1].ID, h.ID)
	assert.EqualValues(t, 200, asInt(state["count"]))
	assert.EqualValues(t, 100, asInt(state["type:even"]))
}

func TestSnapshot_CountTriggerWithDefaultConfig(t *testing.T) {
	for name, proj := range map[string]Projection{"counting": counting, "keyed": keyed} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig("")
			cfg.EveryEvents = 100
			require.True(t, cfg.Incremental)
			f := newFixture(t, cfg, proj)
			f.wal.OnCommit(f.mgr.Observe)
			f.mgr.Start()

			f.append(t, 250)
			require.NoError(t, f.mgr.Close())
			assert.EqualValues(t, 50, f.mgr.Pending(), "no snapshot at 250")

			m := f.reopen(t, proj)
			list, err := m.List(context.Background())
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.EqualValues(t, 100, list[0].LastSequence)
			assert.EqualValues(t, 200, list[1].LastSequence)
			for _, h := range list {
				assert.Equal(t, KindFull, h.Kind)
				assert.Empty(t, h.BaseID)
				assert.Equal(t, TriggerCount, h.Trigger)
			}
		})
	}
}

func TestSnapshot_ManualAndCurrentState(t *testing.T) {
	f := newFixture(t, Config{Retention: DefaultRetentionPolicy()}, counting)
	ctx := context.Background()

	f.append(t, 30)
	h, err := f.mgr.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, h.Trigger)
	assert.EqualValues(t, 30, h.LastSequence)
	assert.NotEmpty(t, h.Checksum)
	assert.Greater(t, h.SizeBytes, int64(0))

	again, err := f.mgr.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.ID, again.ID, "no new events means no new snapshot")

	f.append(t, 12)
	state, lsn, err := f.mgr.CurrentState(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 42, lsn)
	assert.EqualValues(t, 42, asInt(state["count"]))
}

func TestSnapshot_EmptyLog(t *testing.T) {
	f := newFixture(t, Config{}, counting)
	state, lsn, err := f.mgr.CurrentState(context.Background())
	require.NoError(t, err)
	assert.Zero(t, lsn)
	assert.Empty(t, state)

	_, ok, err := f.mgr.Latest(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshot_IncrementalDiff(t *testing.T) {
	cfg := Config{Incremental: true, DiffRatio: 0.30, Retention: DefaultRetentionPolicy()}
	f := newFixture(t, cfg, keyed)
	ctx := context.Background()

	f.append(t, 100)
	base, err := f.mgr.CreateAt(ctx, 100, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, KindFull, base.Kind)

	f.append(t, 10)
	d, err := f.mgr.CreateAt(ctx, 110, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, KindDiff, d.Kind)
	assert.Equal(t, base.ID, d.BaseID)
	assert.EqualValues(t, 10, d.EventCount)

	restored, _, err := f.mgr.Restore(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, restored, 110)

	current, lsn, err := f.mgr.CurrentState(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 110, lsn)
	assert.Equal(t, len(current), len(restored))
	for k, v := range current {
		assert.Equal(t, v, restored[k], k)
	}
}

func TestSnapshot_LargeChangeWritesFull(t *testing.T) {
	cfg := Config{Incremental: true, DiffRatio: 0.30}
	f := newFixture(t, cfg, keyed)
	ctx := context.Background()

	f.append(t, 10)
	_, err := f.mgr.CreateAt(ctx, 10, TriggerManual)
	require.NoError(t, err)

	f.append(t, 40)
	h, err := f.mgr.CreateAt(ctx, 50, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, KindFull, h.Kind)
	assert.Empty(t, h.BaseID)
}

func TestSnapshot_CatalogResync(t *testing.T) {
	f := newFixture(t, Config{Retention: DefaultRetentionPolicy()}, counting)
	ctx := context.Background()

	f.append(t, 5)
	first, err := f.mgr.Create(ctx)
	require.NoError(t, err)
	f.append(t, 5)
	second, err := f.mgr.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Close())

	for _, name := range []string{CatalogFileName, CatalogFileName + "-wal", CatalogFileName + "-shm"} {
		os.Remove(filepath.Join(f.cfg.Dir, name))
	}

	m := f.reopen(t, counting)
	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
	assert.Equal(t, second.Checksum, list[1].Checksum)
}

func TestSnapshot_CorruptFileIsInvalid(t *testing.T) {
	f := newFixture(t, Config{}, counting)
	ctx := context.Background()

	f.append(t, 5)
	h, err := f.mgr.Create(ctx)
	require.NoError(t, err)

	path := filepath.Join(f.cfg.Dir, FileName(h.ID))
	require.NoError(t, os.WriteFile(path, []byte("not a snapshot"), 0644))

	_, _, err = f.mgr.Restore(ctx, h.ID)
	require.Error(t, err)
	assert.Equal(t, logerr.CodeSnapshotInvalid, logerr.GetCode(err))

	_, _, err = f.mgr.Restore(ctx, "00000000000000000001")
	assert.Equal(t, logerr.CodeSnapshotNotFound, logerr.GetCode(err))

	require.NoError(t, f.mgr.Close())
	m := f.reopen(t, counting)
	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "invalid files are left out of the catalog")
}

func TestSnapshot_ChecksumDetectsBitFlip(t *testing.T) {
	dir := t.TempDir()
	c := &content{Header: Header{ID: IDFor(time.Now()), Kind: KindFull}, State: State{"a": "b"}}
	path, sum, _, err := writeFile(dir, c)
	require.NoError(t, err)

	got, err := readFile(path)
	require.NoError(t, err)
	assert.Equal(t, sum, got.Header.Checksum)
	assert.Equal(t, "b", got.State["a"])

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0644))
	_, err = readFile(path)
	assert.Equal(t, logerr.CodeSnapshotInvalid, logerr.GetCode(err))
}

func TestSnapshot_EmergencyCleanup(t *testing.T) {
	f := newFixture(t, Config{Retention: DefaultRetentionPolicy()}, counting)
	ctx := context.Background()

	var newest Header
	for i := 0; i < 3; i++ {
		f.append(t, 3)
		h, err := f.mgr.Create(ctx)
		require.NoError(t, err)
		newest = h
	}
	stray := filepath.Join(f.cfg.Dir, "00000000000000000009.snap.tmp")
	require.NoError(t, os.WriteFile(stray, []byte("partial"), 0644))

	require.NoError(t, f.mgr.EmergencyCleanup())

	list, err := f.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, newest.ID, list[0].ID)
	_, err = os.Stat(stray)
	assert.True(t, os.IsNotExist(err))
}

func TestDiff_ApplyRoundTrip(t *testing.T) {
	base := State{"a": int64(1), "b": "two", "c": []interface{}{"x"}}
	next := State{"a": int64(1), "b": "three", "d": true}

	d := ComputeDiff(base, next)
	assert.Equal(t, []string{"c"}, d.Deleted)
	assert.Equal(t, map[string]interface{}{"b": "three", "d": true}, d.Set)
	assert.False(t, d.Empty())

	assert.Equal(t, next, d.Apply(base))
	assert.Len(t, base, 3, "base is not modified")
	assert.True(t, ComputeDiff(next, next).Empty())
}

func TestDiff_NumericWidthIsNotAChange(t *testing.T) {
	d := ComputeDiff(State{"n": int8(5)}, State{"n": int64(5)})
	assert.True(t, d.Empty())
}

func TestRetain_Tiers(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	at := func(ago time.Duration) Header {
		ts := now.Add(-ago)
		return Header{ID: IDFor(ts), Timestamp: ts, Kind: KindFull}
	}

	recent1 := at(1 * time.Hour)
	recent2 := at(2 * time.Hour)
	day3Late := at(3*24*time.Hour - time.Hour)
	day3Early := at(3*24*time.Hour + time.Hour)
	old := at(200 * 24 * time.Hour)
	oldSameWeek := at(200*24*time.Hour + time.Hour)
	ancient := at(400 * 24 * time.Hour)

	headers := []Header{recent1, recent2, day3Late, day3Early, old, oldSameWeek, ancient}
	keep := Retain(headers, now, DefaultRetentionPolicy())

	assert.True(t, keep[recent1.ID])
	assert.True(t, keep[recent2.ID])
	assert.True(t, keep[day3Late.ID])
	assert.True(t, keep[old.ID])
	assert.False(t, keep[ancient.ID])

	// Same UTC day / same ISO week: only the newest survives.
	sameDay := day3Late.Timestamp.Format("2006-01-02") == day3Early.Timestamp.Format("2006-01-02")
	assert.Equal(t, !sameDay, keep[day3Early.ID])
	y1, w1 := old.Timestamp.ISOWeek()
	y2, w2 := oldSameWeek.Timestamp.ISOWeek()
	assert.Equal(t, !(y1 == y2 && w1 == w2), keep[oldSameWeek.ID])
}

func TestRetain_KeepsNewestAndDiffBases(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	baseTs := now.Add(-500 * 24 * time.Hour)
	diffTs := now.Add(-450 * 24 * time.Hour)
	base := Header{ID: IDFor(baseTs), Timestamp: baseTs, Kind: KindFull}
	diff := Header{ID: IDFor(diffTs), Timestamp: diffTs, Kind: KindDiff, BaseID: base.ID}

	keep := Retain([]Header{base, diff}, now, DefaultRetentionPolicy())
	assert.True(t, keep[diff.ID], "newest is always kept")
	assert.True(t, keep[base.ID], "base of a kept diff is kept")

	ids := make([]string, 0, len(keep))
	for id := range keep {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{base.ID, diff.ID}, ids)
}

// recordingArchiver captures archive requests.
type recordingArchiver struct {
	enqueued []string
	removed  []string
}

func (r *recordingArchiver) Enqueue(_, objectPath string) { r.enqueued = append(r.enqueued, objectPath) }
func (r *recordingArchiver) Remove(objectPath string)     { r.removed = append(r.removed, objectPath) }

func TestSnapshot_RetentionRemovesArchivedCopies(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	cfg := Config{
		Retention: RetentionPolicy{KeepAll: time.Hour},
		Clock:     func() time.Time { return now },
	}
	f := newFixture(t, cfg, counting)
	rec := &recordingArchiver{}
	f.mgr.SetArchiver(rec)
	ctx := context.Background()

	f.append(t, 3)
	first, err := f.mgr.Create(ctx)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	f.append(t, 3)
	second, err := f.mgr.Create(ctx)
	require.NoError(t, err)

	list, err := f.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)
	assert.NoFileExists(t, filepath.Join(f.cfg.Dir, FileName(first.ID)))

	assert.Equal(t, []string{"snapshots/" + FileName(first.ID), "snapshots/" + FileName(second.ID)}, rec.enqueued)
	assert.Equal(t, []string{"snapshots/" + FileName(first.ID)}, rec.removed)
}

func TestSnapshot_EmergencyCleanupKeepsArchivedCopies(t *testing.T) {
	f := newFixture(t, Config{Retention: DefaultRetentionPolicy()}, counting)
	rec := &recordingArchiver{}
	f.mgr.SetArchiver(rec)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		f.append(t, 3)
		_, err := f.mgr.Create(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, f.mgr.EmergencyCleanup())
	assert.Empty(t, rec.removed)
}

func TestSnapshot_PanickingProjectionIsAnError(t *testing.T) {
	boom := ProjectionFunc(func(s State, e *types.Event) (State, error) {
		if e.LSN == 2 {
			panic("bad fold")
		}
		return counting(s, e)
	})
	f := newFixture(t, Config{}, boom)
	ctx := context.Background()

	f.append(t, 3)
	_, err := f.mgr.Create(ctx)
	require.Error(t, err)
	assert.Equal(t, logerr.CodeUnexpected, logerr.GetCode(err))
	assert.ErrorIs(t, err, logerr.New(logerr.ErrCategoryInternal, logerr.CodeUnexpected, ""))

	_, _, err = f.mgr.CurrentState(ctx)
	assert.ErrorIs(t, err, logerr.New(logerr.ErrCategoryInternal, logerr.CodeUnexpected, ""))
}
