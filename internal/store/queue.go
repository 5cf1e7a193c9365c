package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Claimed is one claimed work item: the path plus the size recorded in the
// fs table, which lets the hash stage pick a read strategy before stat.
type Claimed struct {
	Path string
	Size int64
}

// Claim atomically reserves one unclaimed work item for workerID.
// It returns (nil, nil) when no work is available; that is a normal
// result, not an error. The conditional UPDATE re-checks claimed_at so two
// racing claims can never both succeed on the same row; the partial index
// on unclaimed rows keeps candidate selection off the full table.
func (s *Store) Claim(workerID string) (*Claimed, error) {
	var path string
	err := s.writer.ExecuteTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			UPDATE work_queue
			SET claimed_at = ?, claimed_by = ?
			WHERE path = (
				SELECT path FROM work_queue
				WHERE claimed_at IS NULL
				LIMIT 1
			)
			AND claimed_at IS NULL
			RETURNING path
		`, formatTime(time.Now()), workerID)
		return row.Scan(&path)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim work: %w", err)
	}

	claimed := &Claimed{Path: path}
	// Size is advisory; a missing fs row leaves it at zero.
	err = s.db.Read.QueryRow("SELECT size FROM fs WHERE path = ?", path).Scan(&claimed.Size)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read claimed size: %w", err)
	}
	return claimed, nil
}

// Release clears the claim so the item becomes claimable again.
// Used when a worker fails an item and wants it retried promptly rather
// than waiting for the stale-claim sweep.
func (s *Store) Release(path string) error {
	_, err := s.writer.Execute(`
		UPDATE work_queue
		SET claimed_at = NULL, claimed_by = NULL
		WHERE path = ?
	`, path)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// Complete removes the item from the work queue after its terminal state
// (success, dedup, or permanent-miss) has been recorded in fs.
func (s *Store) Complete(path string) error {
	_, err := s.writer.Execute("DELETE FROM work_queue WHERE path = ?", path)
	if err != nil {
		return fmt.Errorf("complete work item: %w", err)
	}
	return nil
}

// Enqueue adds a single path to the work queue. Already-queued paths are
// left untouched.
func (s *Store) Enqueue(path string) error {
	_, err := s.writer.Execute(`
		INSERT INTO work_queue (path) VALUES (?)
		ON CONFLICT (path) DO NOTHING
	`, path)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Populate inserts every fs row still needing a blob into the work queue.
// Idempotent: paths already queued are skipped.
func (s *Store) Populate() (int64, error) {
	res, err := s.writer.Execute(`
		INSERT INTO work_queue (path)
		SELECT path FROM fs
		WHERE blob_id IS NULL
		  AND last_missing_at IS NULL
		  AND skipped_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM work_queue wq WHERE wq.path = fs.path
		  )
		ON CONFLICT (path) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("populate work queue: %w", err)
	}
	return res.RowsAffected()
}

// ResetStaleClaims forcibly releases claims older than olderThan, so work
// held by a crashed or hung worker becomes claimable again.
func (s *Store) ResetStaleClaims(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	res, err := s.writer.Execute(`
		UPDATE work_queue
		SET claimed_at = NULL, claimed_by = NULL
		WHERE claimed_at IS NOT NULL AND claimed_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale claims: %w", err)
	}
	return res.RowsAffected()
}

// RemoveCompleted drops queue items whose fs row already reached a terminal
// state, covering items completed by a different path (dedup propagation,
// manual repair).
func (s *Store) RemoveCompleted() (int64, error) {
	res, err := s.writer.Execute(`
		DELETE FROM work_queue
		WHERE path IN (
			SELECT wq.path
			FROM work_queue wq
			JOIN fs ON fs.path = wq.path
			WHERE fs.blob_id IS NOT NULL
			   OR fs.last_missing_at IS NOT NULL
			   OR fs.skipped_at IS NOT NULL
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("remove completed: %w", err)
	}
	return res.RowsAffected()
}

// Stats reports queue and overall ledger progress.
func (s *Store) Stats() (*QueueStats, error) {
	st := &QueueStats{}
	var oldest sql.NullString
	err := s.db.Read.QueryRow(`
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE claimed_at IS NULL),
		       COUNT(*) FILTER (WHERE claimed_at IS NOT NULL),
		       MIN(claimed_at)
		FROM work_queue
	`).Scan(&st.Total, &st.Unclaimed, &st.Claimed, &oldest)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	if oldest.Valid {
		if t, err := parseTime(oldest.String); err == nil {
			st.OldestClaim = &t
		}
	}

	err = s.db.Read.QueryRow(`
		SELECT COUNT(*) FILTER (WHERE blob_id IS NOT NULL),
		       COUNT(*) FILTER (WHERE blob_id IS NULL AND last_missing_at IS NULL AND skipped_at IS NULL),
		       COUNT(*) FILTER (WHERE last_missing_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE skipped_at IS NOT NULL)
		FROM fs
	`).Scan(&st.Completed, &st.Pending, &st.Missing, &st.Skipped)
	if err != nil {
		return nil, fmt.Errorf("ledger stats: %w", err)
	}
	return st, nil
}
