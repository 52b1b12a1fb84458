package sqlstore

import (
	"context"
	"fmt"
)

// migrations are applied in order; the index+1 of the last applied one is
// kept in PRAGMA user_version. Never edit an entry, append a new one.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_activity_at INTEGER NOT NULL,
	current_version INTEGER NOT NULL DEFAULT 0,
	archive_location TEXT NOT NULL DEFAULT '',
	checkpoints_erased INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_status_activity
ON sessions(status, last_activity_at);
CREATE INDEX IF NOT EXISTS idx_sessions_owner
ON sessions(owner_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	parent_version INTEGER NOT NULL,
	state BLOB,
	committed_at INTEGER NOT NULL,
	commit_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, version)
);

CREATE TABLE IF NOT EXISTS tombstones (
	session_id TEXT PRIMARY KEY,
	purged_at INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT ''
);`,
	`
CREATE TABLE IF NOT EXISTS audit_records (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	action TEXT NOT NULL,
	policy TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_records_at
ON audit_records(at);`,
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var applied int
	if err := tx.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&applied); err != nil {
		return fmt.Errorf("sqlstore: read schema version: %w", err)
	}
	if applied > len(migrations) {
		return fmt.Errorf("sqlstore: schema version %d is newer than this build (%d)", applied, len(migrations))
	}

	for i := applied; i < len(migrations); i++ {
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("sqlstore: migration %d: %w", i+1, err)
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, len(migrations))); err != nil {
		return fmt.Errorf("sqlstore: write schema version: %w", err)
	}
	return tx.Commit()
}
