package store

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// schemaVersion is the current PRAGMA user_version. Bump it whenever the
// migration chain below grows.
const schemaVersion = 4

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	tag TEXT NOT NULL,
	namespace TEXT NOT NULL DEFAULT 'default',
	machine_id TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	metadata_version INTEGER NOT NULL DEFAULT 1,
	agent_state TEXT NOT NULL DEFAULT '{}',
	agent_state_version INTEGER NOT NULL DEFAULT 1,
	todos TEXT,
	todos_updated_at INTEGER,
	active INTEGER NOT NULL DEFAULT 0,
	active_at INTEGER NOT NULL DEFAULT 0,
	thinking INTEGER NOT NULL DEFAULT 0,
	thinking_at INTEGER NOT NULL DEFAULT 0,
	seq INTEGER NOT NULL DEFAULT 0,
	UNIQUE(namespace, tag)
);

CREATE TABLE IF NOT EXISTS machines (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL DEFAULT 'default',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	metadata_version INTEGER NOT NULL DEFAULT 1,
	runner_state TEXT NOT NULL DEFAULT '{}',
	runner_state_version INTEGER NOT NULL DEFAULT 1,
	active INTEGER NOT NULL DEFAULT 0,
	active_at INTEGER NOT NULL DEFAULT 0,
	seq INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	local_id TEXT,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(session_id, seq),
	UNIQUE(session_id, local_id)
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL DEFAULT 'default',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS push_subscriptions (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL DEFAULT 'default',
	endpoint TEXT NOT NULL,
	key_p256dh TEXT NOT NULL,
	key_auth TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(namespace, endpoint)
);

CREATE TABLE IF NOT EXISTS session_sort_preferences (
	namespace TEXT NOT NULL,
	user_id TEXT NOT NULL,
	value TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY(namespace, user_id)
);

CREATE TABLE IF NOT EXISTS drafts (
	session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	namespace TEXT NOT NULL DEFAULT 'default',
	content TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_namespace ON sessions(namespace);
CREATE INDEX IF NOT EXISTS idx_sessions_machine_id ON sessions(machine_id);
CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);
`

// migrate brings the database to the current schema version. Version 0 means
// a fresh database; anything newer than schemaVersion was written by a newer
// binary and must not be touched.
func (s *Store) migrate() error {
	var version int
	if err := s.db.Get(&version, `PRAGMA user_version`); err != nil {
		return fmt.Errorf("failed to read user_version: %w", err)
	}

	switch version {
	case 0:
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		return s.setVersion(schemaVersion)
	case 1:
		if err := s.migrateRunnerState(); err != nil {
			return err
		}
		fallthrough
	case 2:
		// v2 -> v3 carried no schema change.
		fallthrough
	case 3:
		if err := s.migrateSortPreferences(); err != nil {
			return err
		}
		fallthrough
	case schemaVersion:
		// Re-apply idempotent DDL so additive tables exist even when the
		// version marker is already current.
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
		return s.setVersion(schemaVersion)
	default:
		return fmt.Errorf("unrecognized database schema version %d (current is %d): back up the database and migrate offline", version, schemaVersion)
	}
}

func (s *Store) setVersion(v int) error {
	if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, v)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

// migrateRunnerState renames the legacy daemon_state columns on machines.
// ALTER TABLE RENAME COLUMN needs SQLite >= 3.25; fall back to a table copy
// when it is unavailable.
func (s *Store) migrateRunnerState() error {
	err := inTx(s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`ALTER TABLE machines RENAME COLUMN daemon_state TO runner_state`); err != nil {
			return err
		}
		_, err := tx.Exec(`ALTER TABLE machines RENAME COLUMN daemon_state_version TO runner_state_version`)
		return err
	})
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "no such column") {
		// RENAME COLUMN unsupported: rebuild the table.
		return inTx(s.db, func(tx *sqlx.Tx) error {
			stmts := []string{
				`CREATE TABLE machines_new (
					id TEXT PRIMARY KEY,
					namespace TEXT NOT NULL DEFAULT 'default',
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL,
					metadata TEXT NOT NULL DEFAULT '{}',
					metadata_version INTEGER NOT NULL DEFAULT 1,
					runner_state TEXT NOT NULL DEFAULT '{}',
					runner_state_version INTEGER NOT NULL DEFAULT 1,
					active INTEGER NOT NULL DEFAULT 0,
					active_at INTEGER NOT NULL DEFAULT 0,
					seq INTEGER NOT NULL DEFAULT 0
				)`,
				`INSERT INTO machines_new (id, namespace, created_at, updated_at, metadata, metadata_version, runner_state, runner_state_version, active, active_at, seq)
					SELECT id, namespace, created_at, updated_at, metadata, metadata_version, daemon_state, daemon_state_version, active, active_at, seq FROM machines`,
				`DROP TABLE machines`,
				`ALTER TABLE machines_new RENAME TO machines`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("failed to rebuild machines table: %w", err)
				}
			}
			return nil
		})
	}
	return nil
}

// migrateSortPreferences adds the session_sort_preferences table (v3 -> v4).
func (s *Store) migrateSortPreferences() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS session_sort_preferences (
		namespace TEXT NOT NULL,
		user_id TEXT NOT NULL,
		value TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY(namespace, user_id)
	)`)
	if err != nil {
		return fmt.Errorf("failed to add session_sort_preferences: %w", err)
	}
	return nil
}

// inTx runs fn in a transaction, rolling back on error.
func inTx(db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
