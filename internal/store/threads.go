package store

import (
	"database/sql"
	"fmt"

	"threadwatch/internal/types"
)

// SaveThread upserts a thread snapshot by id.
//
// Conflict semantics: all scalar fields are overwritten except
// last_activity_utc, which keeps max(existing, incoming). If the incoming
// snapshot carries more comments than the stored one, activity is bumped
// to now. New rows without an explicit last activity take created_utc.
func (s *Store) SaveThread(t types.Thread) error {
	return s.inTx(func(tx *sql.Tx) error {
		return s.saveThreadTx(tx, t)
	})
}

// SaveThreadsBatch upserts all threads in a single transaction.
// A nil or empty slice is a successful no-op.
func (s *Store) SaveThreadsBatch(threads []types.Thread) error {
	if len(threads) == 0 {
		return nil
	}
	return s.inTx(func(tx *sql.Tx) error {
		for _, t := range threads {
			if err := s.saveThreadTx(tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) saveThreadTx(tx *sql.Tx, t types.Thread) error {
	var (
		existingComments int64
		existingActivity int64
	)
	err := tx.QueryRow(
		`SELECT comment_count, last_activity_utc FROM threads WHERE id = ?`, t.ID,
	).Scan(&existingComments, &existingActivity)

	lastActivity := t.LastActivityUTC
	switch {
	case err == sql.ErrNoRows:
		if lastActivity == 0 {
			lastActivity = t.CreatedUTC
		}
	case err != nil:
		return fmt.Errorf("failed to read existing thread %s: %w", t.ID, err)
	default:
		if existingActivity > lastActivity {
			lastActivity = existingActivity
		}
		if t.CommentCount > existingComments {
			lastActivity = s.now().Unix()
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO threads (id, board, title, author, created_utc, permalink,
			score, upvote_ratio, comment_count, fetched_at, last_activity_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			board = excluded.board,
			title = excluded.title,
			author = excluded.author,
			created_utc = excluded.created_utc,
			permalink = excluded.permalink,
			score = excluded.score,
			upvote_ratio = excluded.upvote_ratio,
			comment_count = excluded.comment_count,
			fetched_at = excluded.fetched_at,
			last_activity_utc = excluded.last_activity_utc`,
		t.ID, t.Board, t.Title, t.Author, t.CreatedUTC, t.Permalink,
		t.Score, t.UpvoteRatio, t.CommentCount, t.FetchedAt, lastActivity,
	); err != nil {
		return fmt.Errorf("failed to upsert thread %s: %w", t.ID, err)
	}

	if t.Text != "" {
		if _, err := tx.Exec(`
			INSERT INTO thread_contents (thread_id, text) VALUES (?, ?)
			ON CONFLICT(thread_id) DO UPDATE SET text = excluded.text`,
			t.ID, t.Text,
		); err != nil {
			return fmt.Errorf("failed to upsert thread content %s: %w", t.ID, err)
		}
	}
	if t.ImageURL != "" {
		if _, err := tx.Exec(`
			INSERT INTO thread_images (thread_id, url) VALUES (?, ?)
			ON CONFLICT(thread_id) DO UPDATE SET url = excluded.url`,
			t.ID, t.ImageURL,
		); err != nil {
			return fmt.Errorf("failed to upsert thread image %s: %w", t.ID, err)
		}
	}
	return nil
}

const threadSelect = `
	SELECT t.id, t.board, t.title, t.author, COALESCE(tc.text, ''),
		t.created_utc, t.permalink, t.score, t.upvote_ratio,
		t.comment_count, t.fetched_at, t.last_activity_utc,
		COALESCE(ti.url, '')
	FROM threads t
	LEFT JOIN thread_contents tc ON tc.thread_id = t.id
	LEFT JOIN thread_images ti ON ti.thread_id = t.id`

func scanThread(row interface{ Scan(...any) error }) (types.Thread, error) {
	var t types.Thread
	err := row.Scan(&t.ID, &t.Board, &t.Title, &t.Author, &t.Text,
		&t.CreatedUTC, &t.Permalink, &t.Score, &t.UpvoteRatio,
		&t.CommentCount, &t.FetchedAt, &t.LastActivityUTC, &t.ImageURL)
	return t, err
}

// GetThread returns the thread joined with its content and image rows.
// Returns ErrNotFound when the id is unknown.
func (s *Store) GetThread(id string) (types.Thread, error) {
	t, err := scanThread(s.db.QueryRow(threadSelect+` WHERE t.id = ?`, id))
	if err == sql.ErrNoRows {
		return types.Thread{}, ErrNotFound
	}
	if err != nil {
		return types.Thread{}, fmt.Errorf("failed to load thread %s: %w", id, err)
	}
	return t, nil
}

// GetAllThreads returns every stored thread, most recently active first.
func (s *Store) GetAllThreads() ([]types.Thread, error) {
	return s.queryThreads(threadSelect + ` ORDER BY t.last_activity_utc DESC`)
}

// GetRecentThreads returns the n most recently active threads.
func (s *Store) GetRecentThreads(n int) ([]types.Thread, error) {
	return s.queryThreads(threadSelect+` ORDER BY t.last_activity_utc DESC LIMIT ?`, n)
}

func (s *Store) queryThreads(query string, args ...any) ([]types.Thread, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var out []types.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
