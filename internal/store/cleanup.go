package store

import (
	"database/sql"
	"fmt"

	"threadwatch/internal/logging"
)

// CleanupOldThreads deletes every thread whose last_activity_utc is older
// than now − ttlSeconds, cascading over the thread's entire comment
// subtree. The subtree is the transitive closure over parent_id starting
// at parent_id = thread id, collected with a recursive CTE; content and
// image rows go in the same transaction. Returns the number of threads
// deleted.
func (s *Store) CleanupOldThreads(ttlSeconds int64) (int, error) {
	cutoff := s.now().Unix() - ttlSeconds

	rows, err := s.db.Query(`SELECT id FROM threads WHERE last_activity_utc < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to query expired threads: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan expired thread id: %w", err)
		}
		expired = append(expired, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	deleted := 0
	err = s.inTx(func(tx *sql.Tx) error {
		for _, id := range expired {
			if err := deleteThreadTree(tx, id); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	logging.Get(logging.CategoryStore).Infow("cleanup removed threads",
		"count", deleted, "ttl_seconds", ttlSeconds)
	return deleted, nil
}

// commentSubtree is the least fixed point of: start with the comments
// whose parent is the thread itself, then repeatedly add comments whose
// parent is already in the set. The thread id itself is never a member.
const commentSubtree = `
	WITH RECURSIVE subtree(id) AS (
		SELECT id FROM comments WHERE thread_id = ?1 AND parent_id = ?1
		UNION
		SELECT c.id FROM comments c JOIN subtree s ON c.parent_id = s.id
	)`

func deleteThreadTree(tx *sql.Tx, threadID string) error {
	if _, err := tx.Exec(commentSubtree+
		` DELETE FROM comment_images WHERE comment_id IN (SELECT id FROM subtree)`,
		threadID); err != nil {
		return fmt.Errorf("failed to delete comment images for %s: %w", threadID, err)
	}
	if _, err := tx.Exec(commentSubtree+
		` DELETE FROM comments WHERE id IN (SELECT id FROM subtree)`,
		threadID); err != nil {
		return fmt.Errorf("failed to delete comment subtree for %s: %w", threadID, err)
	}
	// Orphans that lost their parents in an earlier partial fetch still
	// belong to the thread; sweep them so the FK cascade has nothing left.
	if _, err := tx.Exec(`DELETE FROM comment_images WHERE comment_id IN
		(SELECT id FROM comments WHERE thread_id = ?)`, threadID); err != nil {
		return fmt.Errorf("failed to delete orphan comment images for %s: %w", threadID, err)
	}
	if _, err := tx.Exec(`DELETE FROM comments WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete orphan comments for %s: %w", threadID, err)
	}
	if _, err := tx.Exec(`DELETE FROM thread_contents WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete thread content for %s: %w", threadID, err)
	}
	if _, err := tx.Exec(`DELETE FROM thread_images WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete thread image for %s: %w", threadID, err)
	}
	if _, err := tx.Exec(`DELETE FROM threads WHERE id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete thread %s: %w", threadID, err)
	}
	return nil
}
