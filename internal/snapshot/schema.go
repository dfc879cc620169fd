package snapshot

// The snapshot catalog (catalog.db) mirrors snapshot headers for listing and
// retention queries. The .snap files remain the source of truth; the catalog
// is rebuilt from them on open.

// CreateSnapshotsTableSQL creates the snapshots table.
const CreateSnapshotsTableSQL = `
CREATE TABLE IF NOT EXISTS snapshots (
    snapshot_id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    last_event_id TEXT NOT NULL,
    last_sequence INTEGER NOT NULL,
    kind TEXT NOT NULL,
    base_id TEXT,
    trigger_kind TEXT NOT NULL,
    event_count INTEGER NOT NULL,
    state_bytes INTEGER NOT NULL,
    checksum TEXT NOT NULL,
    size_bytes INTEGER NOT NULL
)`

// CreateSnapshotsIndexesSQL creates the catalog indexes.
var CreateSnapshotsIndexesSQL = []string{
	// Latest-full lookup for diff bases
	`CREATE INDEX IF NOT EXISTS idx_snapshots_kind ON snapshots(kind, snapshot_id)`,

	// Base references protect full snapshots from retention
	`CREATE INDEX IF NOT EXISTS idx_snapshots_base ON snapshots(base_id) WHERE base_id IS NOT NULL`,

	`CREATE INDEX IF NOT EXISTS idx_snapshots_sequence ON snapshots(last_sequence)`,
}

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	stmts := []string{CreateSnapshotsTableSQL}
	return append(stmts, CreateSnapshotsIndexesSQL...)
}
