// Package app provides the application lifecycle of a long-running event
// log process: open, periodic maintenance, and graceful shutdown.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkilian/eventlog/internal/config"
	"github.com/arkilian/eventlog/internal/observability"
	"github.com/arkilian/eventlog/internal/server"
	"github.com/arkilian/eventlog/internal/snapshot"
	"github.com/arkilian/eventlog/internal/store"
)

// App manages the event log process lifecycle.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	projection snapshot.Projection
	opts       []store.Option

	store    *store.Store
	shutdown *server.ShutdownManager

	// Lifecycle
	mu         sync.Mutex
	running    bool
	wg         sync.WaitGroup
	lastHealth observability.Health
	stopping   time.Time
}

// flushTimeout bounds the flush run when shutdown starts.
const flushTimeout = 10 * time.Second

// New creates a new App with the given configuration. projection may be
// nil for the default per-type counts.
func New(cfg *config.Config, projection snapshot.Projection, logger *zap.Logger, opts ...store.Option) (*App, error) {
	// Resolve paths and validate
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Ensure directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:        cfg,
		logger:     logger.Named("app"),
		projection: projection,
		opts:       opts,
		lastHealth: observability.Healthy,
	}, nil
}

// Start recovers and opens the log and starts the maintenance loop.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	s, err := store.Open(ctx, a.cfg, a.projection, a.logger, a.opts...)
	if err != nil {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return fmt.Errorf("failed to open event log: %w", err)
	}
	a.store = s

	loopCtx, cancel := context.WithCancel(context.Background())

	// Closers run in reverse order: the loop stops before the store closes.
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig(), a.logger)
	a.shutdown.OnShutdownStart(a.shutdownStarted)
	a.shutdown.OnShutdownEnd(a.shutdownEnded)
	a.shutdown.RegisterCloser("store", s)
	a.shutdown.RegisterCloser("maintenance", server.CloserFunc(func() error {
		cancel()
		a.wg.Wait()
		return nil
	}))

	if a.cfg.MaintenanceInterval > 0 {
		a.wg.Add(1)
		go a.maintain(loopCtx)
	}

	rep := s.RecoveryReport()
	a.logger.Info("eventlog started",
		zap.String("data_dir", a.cfg.DataDir),
		zap.String("node_id", a.cfg.NodeID),
		zap.String("recovery", string(rep.State)),
		zap.Int("valid_records", rep.ValidRecords),
		zap.Uint64("last_lsn", s.LastLSN()))
	return nil
}

// maintain rotates aged segments and watches the health signal.
func (a *App) maintain(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdown.ShutdownCh():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *App) tick(ctx context.Context) {
	if !a.shutdown.Track() {
		return
	}
	defer a.shutdown.Untrack()

	if err := a.store.Maintain(ctx); err != nil {
		a.logger.Error("maintenance failed", zap.Error(err))
	}

	h := a.Health()
	a.mu.Lock()
	changed := h.Status != a.lastHealth
	a.lastHealth = h.Status
	a.mu.Unlock()
	if changed {
		a.logger.Warn("health changed",
			zap.String("status", string(h.Status)),
			zap.Strings("reasons", h.Reasons),
			zap.Duration("append_p99", h.Append.P99),
			zap.Float64("throughput", h.Throughput))
	}
}

// Health is the store's health, reported critical once shutdown begins.
func (a *App) Health() store.Health {
	h := a.store.Health()
	if a.shutdown != nil && a.shutdown.IsShuttingDown() {
		h.Status = observability.Critical
		h.Reasons = append(h.Reasons, "shutting down: "+a.shutdown.Reason())
	}
	return h
}

// shutdownStarted waits for queued archive uploads before the drain.
func (a *App) shutdownStarted() {
	a.mu.Lock()
	a.stopping = time.Now()
	a.mu.Unlock()

	a.logger.Info("shutdown requested",
		zap.String("reason", a.shutdown.Reason()),
		zap.Int64("in_flight", a.shutdown.InFlightCount()),
		zap.Uint64("last_lsn", a.store.LastLSN()))

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := a.store.Flush(ctx); err != nil {
		a.logger.Warn("flush before shutdown failed", zap.Error(err))
	}
}

func (a *App) shutdownEnded() {
	a.mu.Lock()
	elapsed := time.Since(a.stopping)
	a.mu.Unlock()

	a.logger.Info("shutdown drained",
		zap.String("reason", a.shutdown.Reason()),
		zap.Int64("abandoned", a.shutdown.InFlightCount()),
		zap.Duration("elapsed", elapsed))
}

// Store returns the open store. It is nil before Start.
func (a *App) Store() *store.Store {
	return a.store
}

// Stop gracefully stops maintenance and closes the log.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.logger.Info("initiating graceful shutdown")
	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.logger.Info("eventlog stopped")
	return err
}

// WaitForShutdown blocks until a shutdown signal is received or ctx is
// cancelled, then shuts down.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	return err
}
