package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/eventlog/internal/index"
	"github.com/arkilian/eventlog/internal/wal"
	"github.com/arkilian/eventlog/pkg/types"
)

type testLog struct {
	wal    *wal.WAL
	engine *Engine
	index  *index.Index
}

func newTestLog(t *testing.T, segmentSize int64) *testLog {
	t.Helper()
	dir := t.TempDir()
	table := wal.NewSegmentTable(dir, nil, wal.SegmentInfo{Seq: 1, Created: time.Now()})
	idx := index.New()
	w, err := wal.NewWAL(wal.Options{Dir: dir, NodeID: "r1", MaxSegmentSize: segmentSize}, table, idx, wal.Seed{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return &testLog{wal: w, engine: NewEngine(table, idx, w, nil), index: idx}
}

func (l *testLog) append(t *testing.T, typ string, n int) []*types.Event {
	t.Helper()
	var out []*types.Event
	for i := 0; i < n; i++ {
		e := &types.Event{
			Type:     typ,
			Payload:  map[string]interface{}{"i": i, "pad": "................................"},
			Metadata: types.Metadata{Source: "svc"},
		}
		_, err := l.wal.Append(context.Background(), e)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func drain(t *testing.T, it *Iterator) []*types.Event {
	t.Helper()
	defer it.Close()
	var out []*types.Event
	for {
		e, err := it.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, e)
	}
}

func TestReplay_FromGenesis(t *testing.T) {
	l := newTestLog(t, 0)
	written := l.append(t, "a", 25)

	got := drain(t, l.engine.From(context.Background(), Checkpoint{}, Options{}))
	require.Len(t, got, 25)
	for i, e := range got {
		assert.Equal(t, written[i].ID, e.ID)
		assert.EqualValues(t, i+1, e.LSN)
	}
}

func TestReplay_Deterministic(t *testing.T) {
	l := newTestLog(t, 2048)
	l.append(t, "a", 40)

	first := drain(t, l.engine.From(context.Background(), Checkpoint{}, Options{}))
	second := drain(t, l.engine.From(context.Background(), Checkpoint{}, Options{}))
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Raw, second[i].Raw, "record %d", i)
	}
}

func TestReplay_ResumeFromCheckpoint(t *testing.T) {
	l := newTestLog(t, 2048)
	written := l.append(t, "a", 30)

	got := drain(t, l.engine.From(context.Background(), Checkpoint{AfterEventID: written[11].ID}, Options{}))
	require.Len(t, got, 18)
	assert.Equal(t, written[12].ID, got[0].ID)

	// An ID that is not in the log resumes at the next one after it.
	between := types.EventID(string(written[20].ID) + "z")
	got = drain(t, l.engine.From(context.Background(), Checkpoint{AfterEventID: between}, Options{}))
	require.Len(t, got, 9)
	assert.Equal(t, written[21].ID, got[0].ID)

	got = drain(t, l.engine.From(context.Background(), Checkpoint{AfterEventID: written[29].ID}, Options{}))
	assert.Empty(t, got)
}

func TestReplay_Filters(t *testing.T) {
	l := newTestLog(t, 0)
	as := l.append(t, "a", 5)
	bs := l.append(t, "b", 5)
	l.append(t, "a", 5)

	got := drain(t, l.engine.From(context.Background(), Checkpoint{}, Options{Types: []string{"b"}}))
	require.Len(t, got, 5)
	for _, e := range got {
		assert.Equal(t, "b", e.Type)
	}

	got = drain(t, l.engine.From(context.Background(), Checkpoint{}, Options{UntilLSN: 7}))
	require.Len(t, got, 7)
	assert.EqualValues(t, 7, got[6].LSN)

	// The timestamp bound is exclusive.
	bound := bs[2].TimestampNs
	var want []types.EventID
	for _, e := range append(as, bs...) {
		if e.TimestampNs < bound {
			want = append(want, e.ID)
		}
	}
	got = drain(t, l.engine.From(context.Background(), Checkpoint{}, Options{UntilTimestamp: bound}))
	require.Len(t, got, len(want))
	for i, e := range got {
		assert.Equal(t, want[i], e.ID)
		assert.Less(t, e.TimestampNs, bound)
	}
	assert.NotEmpty(t, got)
}

func TestReplay_AcrossRotatedSegments(t *testing.T) {
	l := newTestLog(t, 1024)
	written := l.append(t, "a", 60)
	require.Greater(t, len(l.wal.Table().List()), 3)

	got := drain(t, l.engine.From(context.Background(), Checkpoint{}, Options{}))
	require.Len(t, got, 60)
	for i := range got {
		assert.Equal(t, written[i].ID, got[i].ID)
	}
}

func TestReplay_Follow(t *testing.T) {
	l := newTestLog(t, 1024)
	l.append(t, "a", 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	it := l.engine.From(ctx, Checkpoint{}, Options{Follow: true})
	defer it.Close()

	received := make(chan *types.Event, 100)
	done := make(chan error, 1)
	go func() {
		for {
			e, err := it.Next()
			if err != nil {
				done <- err
				return
			}
			received <- e
		}
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("historical event not delivered")
		}
	}

	// New commits, including ones that rotate the segment, reach the follower.
	written := l.append(t, "live", 20)
	for i := 0; i < 20; i++ {
		select {
		case e := <-received:
			assert.Equal(t, written[i].ID, e.ID, fmt.Sprintf("live event %d", i))
		case <-time.After(2 * time.Second):
			t.Fatalf("live event %d not delivered", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not stop on cancel")
	}
}

func TestReplay_FollowAfterExplicitRotation(t *testing.T) {
	l := newTestLog(t, 0)
	l.append(t, "a", 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	it := l.engine.From(ctx, Checkpoint{}, Options{Follow: true})
	defer it.Close()

	for i := 0; i < 2; i++ {
		_, err := it.Next()
		require.NoError(t, err)
	}

	require.NoError(t, l.wal.RotateSegment(ctx))
	written := l.append(t, "b", 1)

	e, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, written[0].ID, e.ID)
}
