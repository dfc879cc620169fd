package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/eventlog/internal/config"
	logerr "github.com/arkilian/eventlog/internal/errors"
	"github.com/arkilian/eventlog/internal/observability"
	"github.com/arkilian/eventlog/internal/store"
	"github.com/arkilian/eventlog/internal/wal"
	"github.com/arkilian/eventlog/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.NodeID = "app1"
	cfg.Writer.FsyncMode = wal.FsyncAlways
	cfg.MaintenanceInterval = 10 * time.Millisecond
	return cfg
}

func TestApp_Lifecycle(t *testing.T) {
	a, err := New(testConfig(t), nil, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	assert.Error(t, a.Start(context.Background()), "already running")

	s := a.Store()
	_, err = s.Append(context.Background(), &types.Event{Type: "a", Payload: map[string]interface{}{"x": 1}})
	require.NoError(t, err)

	// Let the maintenance loop run a few times.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, a.Stop(context.Background()))
	require.NoError(t, a.Stop(context.Background()))

	_, err = s.Append(context.Background(), &types.Event{Type: "a"})
	assert.Equal(t, logerr.CodeClosed, logerr.GetCode(err))
}

func TestApp_WaitForShutdownOnCancel(t *testing.T) {
	a, err := New(testConfig(t), nil, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.WaitForShutdown(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.Nil(t, a.Store().Health().Archive)
}

func TestApp_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Writer.FsyncMode = "never"
	_, err := New(cfg, nil, nil)
	assert.Error(t, err)
}

func TestApp_HealthReportsShutdown(t *testing.T) {
	a, err := New(testConfig(t), nil, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	h := a.Health()
	assert.NotContains(t, h.Reasons, "shutting down: stop requested")

	var during store.Health
	a.shutdown.OnShutdownStart(func() { during = a.Health() })
	require.NoError(t, a.Stop(context.Background()))

	assert.Equal(t, observability.Critical, during.Status)
	assert.Contains(t, during.Reasons, "shutting down: stop requested")
	assert.True(t, a.shutdown.IsShuttingDown())
	assert.Zero(t, a.shutdown.InFlightCount())
	select {
	case <-a.shutdown.ShutdownCh():
	default:
		t.Fatal("shutdown channel not closed")
	}
}
