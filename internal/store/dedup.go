package store

import (
	"fmt"
)

// Propagation copies blob_id from already-processed rows to rows known to
// be duplicates without re-hashing anything. Two independent criteria:
// identical catalog content hash, and identical (tree, device, inode)
// filesystem identity. Both run as small idempotent batches so they can
// interleave with live worker traffic without long lock hold times.

// PropagateByHash copies blob_id (and uploaded_at) to up to limit rows that
// share a content hash with a row that already has a blob. Returns the
// number of rows updated; zero means the pass has converged.
func (s *Store) PropagateByHash(limit int) (int64, error) {
	res, err := s.writer.Execute(`
		UPDATE fs SET
			blob_id = (
				SELECT src.blob_id FROM fs AS src
				WHERE src.hash = fs.hash AND src.blob_id IS NOT NULL
				LIMIT 1
			),
			uploaded_at = (
				SELECT src.uploaded_at FROM fs AS src
				WHERE src.hash = fs.hash AND src.blob_id IS NOT NULL
				LIMIT 1
			)
		WHERE path IN (
			SELECT dup.path
			FROM fs AS dup
			JOIN fs AS src ON src.hash = dup.hash
			WHERE dup.blob_id IS NULL
			  AND dup.hash IS NOT NULL
			  AND src.blob_id IS NOT NULL
			LIMIT ?
		)
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("propagate by hash: %w", err)
	}
	return res.RowsAffected()
}

// PropagateByIdentity copies blob_id (and uploaded_at) to up to limit rows
// that share (tree, device, inode) with a row that already has a blob.
// This catches hardlinks and snapshot copies by filesystem identity
// without re-hashing anything.
func (s *Store) PropagateByIdentity(limit int) (int64, error) {
	res, err := s.writer.Execute(`
		UPDATE fs SET
			blob_id = (
				SELECT src.blob_id FROM fs AS src
				WHERE src.tree = fs.tree AND src.device = fs.device
				  AND src.inode = fs.inode AND src.blob_id IS NOT NULL
				LIMIT 1
			),
			uploaded_at = (
				SELECT src.uploaded_at FROM fs AS src
				WHERE src.tree = fs.tree AND src.device = fs.device
				  AND src.inode = fs.inode AND src.blob_id IS NOT NULL
				LIMIT 1
			)
		WHERE path IN (
			SELECT dup.path
			FROM fs AS dup
			JOIN fs AS src
			  ON src.tree = dup.tree
			 AND src.device = dup.device
			 AND src.inode = dup.inode
			WHERE dup.blob_id IS NULL
			  AND dup.tree IS NOT NULL
			  AND dup.inode != 0
			  AND src.blob_id IS NOT NULL
			  AND src.path != dup.path
			LIMIT ?
		)
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("propagate by identity: %w", err)
	}
	return res.RowsAffected()
}
