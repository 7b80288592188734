// Package store persists thread and comment snapshots in SQLite.
// Threads, their textual content and their images live in separate
// relations keyed by thread id; comment image URLs are normalized into
// their own relation as well.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"threadwatch/internal/logging"
)

// ErrNotFound is returned by reads that match no row.
var ErrNotFound = errors.New("store: not found")

// Store is the SQLite-backed storage engine.
type Store struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time // injectable clock for upsert activity bumps
}

// Open initializes the database at path (":memory:" for tests and TEST
// mode), applies the schema idempotently and runs pending migrations.
func Open(path string) (*Store, error) {
	log := logging.Get(logging.CategoryStore)
	log.Infow("opening store", "path", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debugw("could not set busy_timeout", "error", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debugw("could not set journal_mode=WAL", "error", err)
	}
	// NORMAL is safe under WAL and considerably faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debugw("could not set synchronous=NORMAL", "error", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		log.Debugw("could not enable foreign_keys", "error", err)
	}

	s := &Store{db: db, dbPath: path, now: time.Now}
	if err := s.applySchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	log.Infow("store ready", "path", path)
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Get(logging.CategoryStore).Errorw("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
