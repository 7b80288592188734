package store

import (
	"database/sql"
	"fmt"

	"threadwatch/internal/logging"
)

// Schema history:
// v1: threads without last_activity_utc, comments, image relations
// v2: threads.last_activity_utc added, backfilled from created_utc
const currentSchemaVersion = 2

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS threads (
		id                TEXT PRIMARY KEY,
		board             TEXT NOT NULL,
		title             TEXT NOT NULL,
		author            TEXT NOT NULL,
		created_utc       INTEGER NOT NULL,
		permalink         TEXT NOT NULL,
		score             INTEGER NOT NULL DEFAULT 0,
		upvote_ratio      REAL NOT NULL DEFAULT 0,
		comment_count     INTEGER NOT NULL DEFAULT 0,
		fetched_at        INTEGER NOT NULL DEFAULT 0,
		last_activity_utc INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS thread_contents (
		thread_id TEXT PRIMARY KEY REFERENCES threads(id) ON DELETE CASCADE,
		text      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS thread_images (
		thread_id TEXT PRIMARY KEY REFERENCES threads(id) ON DELETE CASCADE,
		url       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS comments (
		id               TEXT PRIMARY KEY,
		thread_id        TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
		parent_id        TEXT NOT NULL,
		author           TEXT NOT NULL,
		body             TEXT NOT NULL,
		score            INTEGER NOT NULL DEFAULT 0,
		created_utc      INTEGER NOT NULL,
		fetched_at       INTEGER NOT NULL DEFAULT 0,
		last_updated_utc INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS comment_images (
		comment_id TEXT NOT NULL REFERENCES comments(id) ON DELETE CASCADE,
		url        TEXT NOT NULL,
		PRIMARY KEY (comment_id, url)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_threads_board ON threads(board)`,
	`CREATE INDEX IF NOT EXISTS idx_threads_created ON threads(created_utc)`,
	`CREATE INDEX IF NOT EXISTS idx_threads_last_activity ON threads(last_activity_utc)`,
	`CREATE INDEX IF NOT EXISTS idx_comments_thread ON comments(thread_id)`,
	`CREATE INDEX IF NOT EXISTS idx_comments_parent ON comments(parent_id)`,
}

// applySchema creates all tables and indexes. Safe to run repeatedly.
func (s *Store) applySchema() error {
	return s.inTx(func(tx *sql.Tx) error {
		for _, stmt := range schemaStatements {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("schema statement failed: %w", err)
			}
		}
		return nil
	})
}

// migrate upgrades databases created before last_activity_utc existed:
// the column is added and backfilled from created_utc, once.
func (s *Store) migrate() error {
	log := logging.Get(logging.CategoryStore)

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}

	return s.inTx(func(tx *sql.Tx) error {
		hasColumn, err := tableHasColumn(tx, "threads", "last_activity_utc")
		if err != nil {
			return err
		}
		if !hasColumn {
			if _, err := tx.Exec(`ALTER TABLE threads ADD COLUMN last_activity_utc INTEGER NOT NULL DEFAULT 0`); err != nil {
				return fmt.Errorf("failed to add last_activity_utc: %w", err)
			}
			log.Infow("migration: added threads.last_activity_utc")
		}
		if _, err := tx.Exec(`UPDATE threads SET last_activity_utc = created_utc WHERE last_activity_utc = 0`); err != nil {
			return fmt.Errorf("failed to backfill last_activity_utc: %w", err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
		log.Infow("migrated schema", "from", version, "to", currentSchemaVersion)
		return nil
	})
}

func tableHasColumn(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
