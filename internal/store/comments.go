package store

import (
	"database/sql"
	"fmt"

	"threadwatch/internal/types"
)

// SaveComment upserts a comment snapshot. When the comment is new, the
// owning thread's last_activity_utc is bumped to now — a fresh descendant
// means fresh activity.
func (s *Store) SaveComment(c types.Comment) error {
	return s.inTx(func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRow(`SELECT 1 FROM comments WHERE id = ?`, c.ID).Scan(&exists)
		isNew := err == sql.ErrNoRows
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read existing comment %s: %w", c.ID, err)
		}

		if _, err := tx.Exec(`
			INSERT INTO comments (id, thread_id, parent_id, author, body,
				score, created_utc, fetched_at, last_updated_utc)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				thread_id = excluded.thread_id,
				parent_id = excluded.parent_id,
				author = excluded.author,
				body = excluded.body,
				score = excluded.score,
				created_utc = excluded.created_utc,
				fetched_at = excluded.fetched_at,
				last_updated_utc = excluded.last_updated_utc`,
			c.ID, c.ThreadID, c.ParentID, c.Author, c.Body,
			c.Score, c.CreatedUTC, c.FetchedAt, c.LastUpdatedUTC,
		); err != nil {
			return fmt.Errorf("failed to upsert comment %s: %w", c.ID, err)
		}

		for _, url := range c.ImageURLs {
			if _, err := tx.Exec(`
				INSERT INTO comment_images (comment_id, url) VALUES (?, ?)
				ON CONFLICT(comment_id, url) DO NOTHING`,
				c.ID, url,
			); err != nil {
				return fmt.Errorf("failed to upsert comment image %s: %w", c.ID, err)
			}
		}

		if isNew {
			if _, err := tx.Exec(
				`UPDATE threads SET last_activity_utc = ? WHERE id = ?`,
				s.now().Unix(), c.ThreadID,
			); err != nil {
				return fmt.Errorf("failed to bump thread activity %s: %w", c.ThreadID, err)
			}
		}
		return nil
	})
}

// GetCommentsForThread returns up to limit comments of a thread, newest
// first by created_utc, with their image URLs attached. ImageURLs is
// always non-nil.
func (s *Store) GetCommentsForThread(threadID string, limit int) ([]types.Comment, error) {
	rows, err := s.db.Query(`
		SELECT id, thread_id, parent_id, author, body, score,
			created_utc, fetched_at, last_updated_utc
		FROM comments
		WHERE thread_id = ?
		ORDER BY created_utc DESC
		LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query comments for %s: %w", threadID, err)
	}
	defer rows.Close()

	var out []types.Comment
	for rows.Next() {
		c := types.Comment{ImageURLs: []string{}}
		if err := rows.Scan(&c.ID, &c.ThreadID, &c.ParentID, &c.Author, &c.Body,
			&c.Score, &c.CreatedUTC, &c.FetchedAt, &c.LastUpdatedUTC); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		urls, err := s.commentImages(out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].ImageURLs = urls
	}
	return out, nil
}

func (s *Store) commentImages(commentID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT url FROM comment_images WHERE comment_id = ? ORDER BY url`, commentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query comment images: %w", err)
	}
	defer rows.Close()

	urls := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}
