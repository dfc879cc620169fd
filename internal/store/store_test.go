package store

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/eventlog/internal/config"
	logerr "github.com/arkilian/eventlog/internal/errors"
	"github.com/arkilian/eventlog/internal/notify"
	"github.com/arkilian/eventlog/internal/observability"
	"github.com/arkilian/eventlog/internal/recovery"
	"github.com/arkilian/eventlog/internal/replay"
	"github.com/arkilian/eventlog/internal/storage"
	"github.com/arkilian/eventlog/internal/wal"
	"github.com/arkilian/eventlog/pkg/types"
)

// stepClock advances one millisecond per reading, so every event gets a
// distinct timestamp.
type stepClock struct {
	base  time.Time
	ticks atomic.Int64
}

func (c *stepClock) now() time.Time {
	return c.base.Add(time.Duration(c.ticks.Add(1)) * time.Millisecond)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.NodeID = "t1"
	cfg.Writer.FsyncMode = wal.FsyncAlways
	cfg.Snapshot.EveryEvents = 0
	cfg.Snapshot.Interval = 0
	cfg.Snapshot.EveryBytes = 0
	cfg.Resolve()
	require.NoError(t, cfg.Validate())
	return cfg
}

func openStore(t *testing.T, cfg *config.Config, opts ...Option) *Store {
	t.Helper()
	clock := &stepClock{base: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.now)}, opts...)
	s, err := Open(context.Background(), cfg, nil, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func appendN(t *testing.T, s *Store, eventType string, n int) []*types.Event {
	t.Helper()
	events := make([]*types.Event, n)
	for i := range events {
		events[i] = &types.Event{
			Type:     eventType,
			Payload:  map[string]interface{}{"n": i},
			Metadata: types.Metadata{Source: "test"},
		}
		_, err := s.Append(context.Background(), events[i])
		require.NoError(t, err)
	}
	return events
}

func TestStore_AppendAndGetByID(t *testing.T) {
	s := openStore(t, testConfig(t))

	e := &types.Event{Type: "order.created", Payload: map[string]interface{}{"sku": "A-1"}}
	pos, err := s.Append(context.Background(), e)
	require.NoError(t, err)
	require.NotEmpty(t, e.ID)
	assert.EqualValues(t, 1, pos.Segment)
	assert.EqualValues(t, 0, pos.Offset)

	got, err := s.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "A-1", got.Payload["sku"])
	assert.EqualValues(t, 1, got.LSN)
	assert.Equal(t, e.Metadata.ContentHash, got.Metadata.ContentHash)

	_, err = s.GetByID(context.Background(), types.EventID("0000000000000000001_000000_t1"))
	require.Error(t, err)
	assert.Equal(t, logerr.CodeNotFound, logerr.GetCode(err))
}

func TestStore_GetRangeAcrossRotatedSegments(t *testing.T) {
	s := openStore(t, testConfig(t))
	ctx := context.Background()

	var written []*types.Event
	for seg := 0; seg < 3; seg++ {
		written = append(written, appendN(t, s, fmt.Sprintf("seg%d", seg), 10)...)
		if seg < 2 {
			require.NoError(t, s.Rotate(ctx))
		}
	}
	require.Len(t, s.wal.Table().List(), 3)

	it, err := s.GetRange(ctx, 0, math.MaxInt64)
	require.NoError(t, err)
	got, err := ReadAll(it)
	require.NoError(t, err)
	require.Len(t, got, 30)

	segments := make(map[string]bool)
	for i, e := range got {
		assert.Equal(t, written[i].ID, e.ID)
		segments[e.Type] = true
		if i > 0 {
			assert.Greater(t, e.TimestampNs, got[i-1].TimestampNs)
		}
	}
	assert.Len(t, segments, 3, "events come from all three segments")

	// Half-open range: [written[5], written[25]) holds 20 events.
	it, err = s.GetRange(ctx, written[5].TimestampNs, written[25].TimestampNs)
	require.NoError(t, err)
	assert.Equal(t, 20, it.Len())
	got, err = ReadAll(it)
	require.NoError(t, err)
	require.Len(t, got, 20)
	assert.Equal(t, written[5].ID, got[0].ID)
	assert.Equal(t, written[24].ID, got[19].ID)
}

func TestStore_GetRangeSkipsDamagedRecord(t *testing.T) {
	s := openStore(t, testConfig(t))
	ctx := context.Background()

	events := make([]*types.Event, 10)
	positions := make([]types.Position, 10)
	for i := range events {
		events[i] = &types.Event{Type: "tick", Payload: map[string]interface{}{"n": i}, Metadata: types.Metadata{Source: "test"}}
		pos, err := s.Append(ctx, events[i])
		require.NoError(t, err)
		positions[i] = pos
	}
	require.NoError(t, s.Rotate(ctx))

	// Flip one payload byte of the fifth record in the sealed segment.
	pos := positions[4]
	info, ok := s.wal.Table().Lookup(pos.Segment)
	require.True(t, ok)
	path := filepath.Join(s.wal.Table().Dir(), info.Name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	at := pos.Offset + int64(pos.Length)/2
	b := make([]byte, 1)
	_, err = f.ReadAt(b, at)
	require.NoError(t, err)
	b[0] ^= 0x01
	_, err = f.WriteAt(b, at)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	it, err := s.GetRange(ctx, 0, math.MaxInt64)
	require.NoError(t, err)
	got, err := ReadAll(it)
	require.NoError(t, err)
	require.Len(t, got, 9)
	assert.True(t, it.Truncated())
	assert.Equal(t, []types.EventID{events[4].ID}, it.Skipped())
	for _, e := range got {
		assert.NotEqual(t, events[4].ID, e.ID)
	}
}

// flipByte inverts one byte of a segment file in place.
func flipByte(t *testing.T, path string, at int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	b := make([]byte, 1)
	_, err = f.ReadAt(b, at)
	require.NoError(t, err)
	b[0] ^= 0x01
	_, err = f.WriteAt(b, at)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestStore_TrustedIndexServesDamagedRecordAsCorrupt(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)
	ctx := context.Background()

	events := make([]*types.Event, 10)
	positions := make([]types.Position, 10)
	for i := range events {
		events[i] = &types.Event{Type: "tick", Payload: map[string]interface{}{"n": i}, Metadata: types.Metadata{Source: "test"}}
		pos, err := s.Append(ctx, events[i])
		require.NoError(t, err)
		positions[i] = pos
	}
	require.NoError(t, s.Rotate(ctx))
	info, ok := s.wal.Table().Lookup(positions[4].Segment)
	require.True(t, ok)
	require.NoError(t, s.Close())

	// The persisted index still covers the file and its last entry decodes,
	// so recovery trusts it without rescanning.
	pos := positions[4]
	flipByte(t, filepath.Join(cfg.DataDir, info.Name), pos.Offset+int64(pos.Length)/2)

	s = openStore(t, cfg)
	rep := s.RecoveryReport()
	require.NotEmpty(t, rep.Segments)
	assert.True(t, rep.Segments[0].Trusted)
	assert.Equal(t, recovery.StateClean, rep.State)

	_, err := s.GetByID(ctx, events[4].ID)
	require.Error(t, err)
	assert.Equal(t, logerr.CodeCorruptRecord, logerr.GetCode(err))
	assert.Equal(t, logerr.ClassRecoverable, logerr.GetClass(err))

	e, err := s.GetByID(ctx, events[3].ID)
	require.NoError(t, err)
	assert.Equal(t, events[3].ID, e.ID)

	it, err := s.GetRange(ctx, 0, math.MaxInt64)
	require.NoError(t, err)
	got, err := ReadAll(it)
	require.NoError(t, err)
	assert.Len(t, got, 9)
	assert.True(t, it.Truncated())
	assert.Equal(t, []types.EventID{events[4].ID}, it.Skipped())

	it, err = s.GetByType(ctx, "tick")
	require.NoError(t, err)
	got, err = ReadAll(it)
	require.NoError(t, err)
	assert.Len(t, got, 9)
	assert.Equal(t, []types.EventID{events[4].ID}, it.Skipped())
}

func TestStore_HealthReportsCorruptSegment(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recovery.VerifySealed = true
	s := openStore(t, cfg)
	ctx := context.Background()

	appendN(t, s, "tick", 5)
	require.NoError(t, s.Rotate(ctx))
	sealed := s.wal.Table().List()[0]
	require.True(t, sealed.Sealed)
	require.NoError(t, s.Close())

	// Damage the first record header so no record in the segment is valid.
	flipByte(t, filepath.Join(cfg.DataDir, sealed.Name), 6)

	s = openStore(t, cfg)
	assert.Equal(t, logerr.CodeSegmentCorrupt, logerr.GetCode(s.RecoveryReport().Err()))

	h := s.Health()
	assert.Equal(t, observability.Degraded, h.Status)
	assert.Contains(t, h.OperatorError, logerr.CodeSegmentCorrupt)
	assert.Contains(t, h.Reasons, "recovery needs operator attention")
}

func TestStore_GetByType(t *testing.T) {
	s := openStore(t, testConfig(t))
	appendN(t, s, "a", 4)
	bs := appendN(t, s, "b", 3)
	appendN(t, s, "a", 2)

	it, err := s.GetByType(context.Background(), "b")
	require.NoError(t, err)
	got, err := ReadAll(it)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, bs[i].ID, e.ID)
	}

	it, err = s.GetByType(context.Background(), "missing")
	require.NoError(t, err)
	got, err = ReadAll(it)
	require.NoError(t, err)
	assert.Empty(t, got)

	st := s.monitor.Status()
	assert.Equal(t, 2, st.Query.Count)
}

func TestStore_IteratorHonoursContext(t *testing.T) {
	s := openStore(t, testConfig(t))
	appendN(t, s, "a", 3)

	ctx, cancel := context.WithCancel(context.Background())
	it, err := s.GetByType(ctx, "a")
	require.NoError(t, err)
	_, err = it.Next()
	require.NoError(t, err)

	cancel()
	_, err = it.Next()
	assert.ErrorIs(t, err, context.Canceled)
	_, err = it.Next()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_AppendBatchIsRecordedByMonitor(t *testing.T) {
	s := openStore(t, testConfig(t))

	batch := []*types.Event{
		{Type: "a", Payload: map[string]interface{}{"i": 1}},
		{Type: "a", Payload: map[string]interface{}{"i": 2}},
		{Type: "a", Payload: map[string]interface{}{"i": 3}},
	}
	positions, err := s.AppendBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, positions, 3)
	assert.Equal(t, positions[0].Offset+int64(positions[0].Length), positions[1].Offset)

	st := s.monitor.Status()
	assert.EqualValues(t, 3, st.Events)
	assert.Equal(t, 1, st.Append.Count)
	assert.EqualValues(t, 3, s.LastLSN())
}

func TestStore_RejectsOversizedEvent(t *testing.T) {
	s := openStore(t, testConfig(t))

	big := make([]byte, 1<<20)
	_, err := s.Append(context.Background(), &types.Event{Type: "blob", Payload: map[string]interface{}{"data": big}})
	require.Error(t, err)
	assert.Equal(t, logerr.CodePayloadTooLarge, logerr.GetCode(err))
	assert.EqualValues(t, 0, s.LastLSN())
	assert.EqualValues(t, 1, s.monitor.Status().Errors)
}

func TestStore_SnapshotsAndCurrentState(t *testing.T) {
	s := openStore(t, testConfig(t))
	ctx := context.Background()

	appendN(t, s, "a", 200)
	appendN(t, s, "b", 5)

	h, err := s.CreateSnapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 205, h.LastSequence)

	appendN(t, s, "a", 3)

	state, lsn, err := s.CurrentState(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 208, lsn)
	assert.EqualValues(t, 203, toInt64(state["a"]))
	assert.EqualValues(t, 5, toInt64(state["b"]))

	restored, rh, err := s.RestoreFromSnapshot(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, h.ID, rh.ID)
	assert.EqualValues(t, 200, toInt64(restored["a"]))

	headers, err := s.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, h.ID, headers[0].ID)
}

func TestStore_CountTriggeredSnapshots(t *testing.T) {
	cfg := testConfig(t)
	cfg.Snapshot.EveryEvents = 100
	cfg.Snapshot.Incremental = false
	s := openStore(t, cfg)

	appendN(t, s, "a", 250)

	require.Eventually(t, func() bool {
		headers, err := s.Snapshots(context.Background())
		return err == nil && len(headers) == 2
	}, 5*time.Second, 10*time.Millisecond)

	headers, err := s.Snapshots(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 100, headers[0].LastSequence)
	assert.EqualValues(t, 200, headers[1].LastSequence)
}

func TestStore_ReopenRecoversLog(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	s, err := Open(ctx, cfg, nil, nil)
	require.NoError(t, err)
	written := appendN(t, s, "a", 50)
	require.NoError(t, s.Close())

	s2 := openStore(t, cfg)
	rep := s2.RecoveryReport()
	assert.Equal(t, recovery.StateClean, rep.State)
	assert.Equal(t, 50, rep.ValidRecords)
	assert.Equal(t, 50, rep.IndexEntries)
	assert.EqualValues(t, 50, s2.LastLSN())
	assert.Equal(t, written[49].ID, s2.LastID())

	more := appendN(t, s2, "a", 1)
	assert.Greater(t, string(more[0].ID), string(written[49].ID))
	got, err := s2.GetByID(ctx, more[0].ID)
	require.NoError(t, err)
	assert.EqualValues(t, 51, got.LSN)
}

func TestStore_TruncatedTailIsRecovered(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	s, err := Open(ctx, cfg, nil, nil)
	require.NoError(t, err)
	appendN(t, s, "a", 1000)
	require.NoError(t, s.Close())

	// A torn 1,001st record: a length prefix promising more than is there.
	f, err := os.OpenFile(filepath.Join(cfg.DataDir, wal.ActiveFileName), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 1, 0, 0x82, 0xa2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2 := openStore(t, cfg)
	rep := s2.RecoveryReport()
	assert.Equal(t, recovery.StateTruncatedRecovered, rep.State)
	assert.Equal(t, 1000, rep.ValidRecords)
	assert.Equal(t, 1, rep.TruncatedRecords)
	assert.Equal(t, 1000, rep.IndexEntries)
	assert.Equal(t, recovery.StateReady, s2.Health().RecoveryState)
}

func TestStore_ReplayFromCheckpoint(t *testing.T) {
	s := openStore(t, testConfig(t))
	written := appendN(t, s, "a", 20)

	it, err := s.ReplayFrom(context.Background(), replay.Checkpoint{AfterEventID: written[9].ID}, replay.Options{})
	require.NoError(t, err)
	got, err := ReadAll(it)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, written[10].ID, got[0].ID)
}

func TestStore_Subscribe(t *testing.T) {
	s := openStore(t, testConfig(t))
	events := s.Subscribe([]notify.Kind{notify.EventCommitted}, "order.")
	sealed := s.Subscribe([]notify.Kind{notify.SegmentSealed})

	appendN(t, s, "user.created", 1)
	placed := appendN(t, s, "order.placed", 1)
	require.NoError(t, s.Rotate(context.Background()))

	select {
	case n := <-events.Ch:
		assert.Equal(t, "order.placed", n.Key)
		assert.Equal(t, string(placed[0].ID), n.EventID)
		assert.EqualValues(t, 2, n.LSN)
	case <-time.After(time.Second):
		t.Fatal("commit notification not delivered")
	}
	assert.Len(t, events.Ch, 0)

	select {
	case n := <-sealed.Ch:
		assert.EqualValues(t, 1, n.Segment)
	case <-time.After(time.Second):
		t.Fatal("rotation notification not delivered")
	}

	s.Unsubscribe(events)
	_, ok := <-events.Ch
	assert.False(t, ok)
}

func TestStore_ArchivesSealedSegments(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive.Type = config.ArchiveLocal
	cfg.Archive.Path = filepath.Join(t.TempDir(), "archive")
	cfg.Archive.Prefix = "t1"
	s := openStore(t, cfg)
	ctx := context.Background()

	appendN(t, s, "a", 5)
	require.NoError(t, s.Rotate(ctx))
	h, err := s.CreateSnapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))

	sealed := s.wal.Table().List()[0]
	require.True(t, sealed.Sealed)
	assert.FileExists(t, filepath.Join(cfg.Archive.Path, "t1", storage.SegmentsPrefix, sealed.Name))
	assert.FileExists(t, filepath.Join(cfg.Archive.Path, "t1", storage.SnapshotsPrefix, h.ID+".snap"))

	health := s.Health()
	require.NotNil(t, health.Archive)
	assert.GreaterOrEqual(t, health.Archive.Uploaded, int64(3))
}

func TestStore_Health(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.AppendDegraded = time.Minute
	cfg.Monitor.AppendCritical = time.Hour
	s := openStore(t, cfg)
	appendN(t, s, "a", 10)

	h := s.Health()
	assert.Equal(t, observability.Healthy, h.Status)
	assert.Equal(t, recovery.StateReady, h.RecoveryState)
	assert.EqualValues(t, 10, h.LastLSN)
	assert.Equal(t, 10, h.IndexEntries)
	assert.Equal(t, 1, h.Segments)
	assert.Greater(t, h.LogBytes, int64(0))
	assert.GreaterOrEqual(t, h.DiskBytes, h.LogBytes)
	assert.Equal(t, 10, h.Append.Count)
	assert.Empty(t, h.WriterError)
}

func TestStore_ClosedRejectsOperations(t *testing.T) {
	s := openStore(t, testConfig(t))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Append(context.Background(), &types.Event{Type: "a"})
	assert.Equal(t, logerr.CodeClosed, logerr.GetCode(err))
	_, err = s.GetRange(context.Background(), 0, 1)
	assert.Equal(t, logerr.CodeClosed, logerr.GetCode(err))
	assert.Equal(t, observability.Critical, s.Health().Status)
}
