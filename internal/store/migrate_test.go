package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/hapi-sh/hapi/internal/db"
)

func openRaw(t *testing.T, path string) *sqlx.DB {
	t.Helper()
	writer, err := db.OpenWriter(path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return sqlx.NewDb(writer, "sqlite3")
}

func TestMigrate_UnrecognizedVersionAborts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")
	raw := openRaw(t, path)
	if _, err := raw.Exec(`PRAGMA user_version = 99`); err != nil {
		t.Fatalf("failed to set version: %v", err)
	}
	_ = raw.Close()

	_, err := Open(path)
	if err == nil {
		t.Fatal("expected migration to abort on unknown version")
	}
	if !strings.Contains(err.Error(), "back up") {
		t.Errorf("expected offline-migration guidance, got: %v", err)
	}
}

func TestMigrate_RenamesDaemonState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	raw := openRaw(t, path)
	stmts := []string{
		`CREATE TABLE machines (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL DEFAULT 'default',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			metadata_version INTEGER NOT NULL DEFAULT 1,
			daemon_state TEXT NOT NULL DEFAULT '{}',
			daemon_state_version INTEGER NOT NULL DEFAULT 1,
			active INTEGER NOT NULL DEFAULT 0,
			active_at INTEGER NOT NULL DEFAULT 0,
			seq INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT INTO machines (id, namespace, created_at, updated_at, daemon_state, daemon_state_version)
			VALUES ('m-legacy', 'default', 1, 1, '{"pid":42}', 3)`,
		`PRAGMA user_version = 1`,
	}
	for _, stmt := range stmts {
		if _, err := raw.Exec(stmt); err != nil {
			t.Fatalf("failed to seed legacy schema: %v", err)
		}
	}
	_ = raw.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	machine, err := s.GetMachine(context.Background(), "m-legacy", "default")
	if err != nil {
		t.Fatalf("failed to read migrated machine: %v", err)
	}
	if string(machine.RunnerState) != `{"pid":42}` {
		t.Errorf("expected runner state carried over, got %s", machine.RunnerState)
	}
	if machine.RunnerStateVersion != 3 {
		t.Errorf("expected version carried over, got %d", machine.RunnerStateVersion)
	}
}

func TestMigrate_FreshDatabaseIsCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	_ = s.Close()

	raw := openRaw(t, path)
	defer func() { _ = raw.Close() }()
	var version int
	if err := raw.Get(&version, `PRAGMA user_version`); err != nil {
		t.Fatalf("failed to read version: %v", err)
	}
	if version != schemaVersion {
		t.Errorf("expected user_version %d, got %d", schemaVersion, version)
	}
}
