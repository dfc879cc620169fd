package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arkilian/eventlog/pkg/types"
)

// CatalogFileName is the catalog database inside the snapshot directory.
const CatalogFileName = "catalog.db"

// Catalog indexes snapshot headers in SQLite.
type Catalog struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex // serializes writes
}

// OpenCatalog opens or creates the catalog at dbPath.
func OpenCatalog(dbPath string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("snapshot catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Catalog{db: db, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot catalog: failed to initialize schema: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

const selectColumns = `snapshot_id, created_at, last_event_id, last_sequence, kind, base_id,
	trigger_kind, event_count, state_bytes, checksum, size_bytes`

// Put inserts or replaces a header.
func (c *Catalog) Put(ctx context.Context, h Header) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return putHeader(ctx, c.db, h)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func putHeader(ctx context.Context, db execer, h Header) error {
	var base interface{}
	if h.BaseID != "" {
		base = h.BaseID
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Timestamp.UnixNano(), string(h.LastEventID), int64(h.LastSequence),
		string(h.Kind), base, string(h.Trigger), int64(h.EventCount), h.StateBytes,
		h.Checksum, h.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("snapshot catalog: failed to insert %s: %w", h.ID, err)
	}
	return nil
}

// Delete removes a header.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, "DELETE FROM snapshots WHERE snapshot_id = ?", id); err != nil {
		return fmt.Errorf("snapshot catalog: failed to delete %s: %w", id, err)
	}
	return nil
}

// Replace makes the catalog hold exactly headers.
func (c *Catalog) Replace(ctx context.Context, headers []Header) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snapshot catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshots"); err != nil {
		return fmt.Errorf("snapshot catalog: failed to clear: %w", err)
	}
	for _, h := range headers {
		if err := putHeader(ctx, tx, h); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("snapshot catalog: failed to commit: %w", err)
	}
	return nil
}

// Get returns the header of snapshot id.
func (c *Catalog) Get(ctx context.Context, id string) (Header, bool, error) {
	return c.queryOne(ctx, "SELECT "+selectColumns+" FROM snapshots WHERE snapshot_id = ?", id)
}

// Latest returns the newest snapshot of any kind.
func (c *Catalog) Latest(ctx context.Context) (Header, bool, error) {
	return c.queryOne(ctx, "SELECT "+selectColumns+" FROM snapshots ORDER BY snapshot_id DESC LIMIT 1")
}

// LatestFull returns the newest full snapshot.
func (c *Catalog) LatestFull(ctx context.Context) (Header, bool, error) {
	return c.queryOne(ctx, "SELECT "+selectColumns+" FROM snapshots WHERE kind = ? ORDER BY snapshot_id DESC LIMIT 1", string(KindFull))
}

// List returns every header, oldest first.
func (c *Catalog) List(ctx context.Context) ([]Header, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT "+selectColumns+" FROM snapshots ORDER BY snapshot_id")
	if err != nil {
		return nil, fmt.Errorf("snapshot catalog: failed to list: %w", err)
	}
	defer rows.Close()

	var out []Header
	for rows.Next() {
		h, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) queryOne(ctx context.Context, query string, args ...interface{}) (Header, bool, error) {
	h, err := scanHeader(c.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return Header{}, false, nil
	}
	if err != nil {
		return Header{}, false, err
	}
	return h, true, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanHeader(s scanner) (Header, error) {
	var (
		h                   Header
		createdAt           int64
		lastID, kind, trig  string
		base                sql.NullString
		lastSeq, eventCount int64
	)
	err := s.Scan(&h.ID, &createdAt, &lastID, &lastSeq, &kind, &base,
		&trig, &eventCount, &h.StateBytes, &h.Checksum, &h.SizeBytes)
	if err == sql.ErrNoRows {
		return Header{}, err
	}
	if err != nil {
		return Header{}, fmt.Errorf("snapshot catalog: failed to scan row: %w", err)
	}
	h.Timestamp = time.Unix(0, createdAt).UTC()
	h.LastEventID = types.EventID(lastID)
	h.LastSequence = uint64(lastSeq)
	h.Kind = Kind(kind)
	h.BaseID = base.String
	h.Trigger = Trigger(trig)
	h.EventCount = uint64(eventCount)
	return h, nil
}
