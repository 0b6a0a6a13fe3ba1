// Package store provides SQLite-backed durable storage for sessions,
// machines, messages and the other hub records. All mutating writes bump the
// record's seq counter and never move updated_at backwards.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hapi-sh/hapi/internal/db"
)

var (
	// ErrNotFound is returned when a record does not exist in the
	// requested namespace.
	ErrNotFound = errors.New("store: not found")
	// ErrNamespaceMismatch is returned when an id exists but belongs to a
	// different namespace.
	ErrNamespaceMismatch = errors.New("store: namespace mismatch")
)

// Store provides access to the hub's durable state. It holds a single write
// connection and a read-only pool; WAL mode lets readers proceed alongside
// the writer.
type Store struct {
	db     *sqlx.DB // writer, single connection
	ro     *sqlx.DB // reader pool
	ownsDB bool
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	writer, err := db.OpenWriter(path)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return newStore(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"), true)
}

// NewWithDB creates a Store over existing connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, false)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: writer, ro: reader, ownsDB: ownsDB}
	if err := s.migrate(); err != nil {
		if ownsDB {
			_ = writer.Close()
			_ = reader.Close()
		}
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the database connections if the store owns them.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	err := s.db.Close()
	if roErr := s.ro.Close(); err == nil {
		err = roErr
	}
	return err
}

// DB returns the underlying writer for shared access.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// nowMs returns the current wall clock in Unix milliseconds, the unit used
// for every stored timestamp.
func nowMs() int64 {
	return time.Now().UnixMilli()
}
