package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdown_ClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)

	var order []string
	sm.RegisterCloser("store", CloserFunc(func() error { order = append(order, "store"); return nil }))
	sm.RegisterCloser("archive", CloserFunc(func() error { order = append(order, "archive"); return nil }))

	var started, ended bool
	sm.OnShutdownStart(func() { started = true })
	sm.OnShutdownEnd(func() { ended = true })

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.Equal(t, []string{"archive", "store"}, order)
	assert.True(t, started)
	assert.True(t, ended)
	assert.True(t, sm.IsShuttingDown())
	assert.Equal(t, "test", sm.Reason())

	select {
	case <-sm.ShutdownCh():
	default:
		t.Fatal("shutdown channel not closed")
	}

	// Only the first call does any work.
	require.NoError(t, sm.Shutdown(context.Background(), "again"))
	assert.Len(t, order, 2)
	assert.Equal(t, "test", sm.Reason())
}

func TestShutdown_ReportsCloseErrors(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)
	boom := errors.New("boom")
	closed := false
	sm.RegisterCloser("first", CloserFunc(func() error { closed = true; return nil }))
	sm.RegisterCloser("second", CloserFunc(func() error { return boom }))

	err := sm.Shutdown(context.Background(), "test")
	assert.ErrorIs(t, err, boom)
	assert.True(t, closed, "a failing closer does not stop the others")
}

func TestShutdown_WaitsForInFlight(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 2 * time.Second}, nil)
	require.True(t, sm.Track())
	assert.EqualValues(t, 1, sm.InFlightCount())

	go func() {
		time.Sleep(50 * time.Millisecond)
		sm.Untrack()
	}()

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.EqualValues(t, 0, sm.InFlightCount())
	assert.False(t, sm.Track(), "no new work after shutdown")
}

func TestShutdown_DrainTimeout(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 50 * time.Millisecond}, nil)
	require.True(t, sm.Track())

	err := sm.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 in-flight")
}

func TestListenForSignals_ContextCancel(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, sm.ListenForSignals(ctx))
	assert.Equal(t, "context cancelled", sm.Reason())
}
