package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UpsertFiles inserts or refreshes fs rows from a filesystem scan.
// Size, mtime, and identity fields are updated; processing state
// (blob_id, uploaded_at, last_missing_at) is preserved.
func (s *Store) UpsertFiles(records []FileRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.writer.ExecuteTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO fs (path, size, mtime, hash, tree, device, inode)
			VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)
			ON CONFLICT (path) DO UPDATE SET
				size   = excluded.size,
				mtime  = excluded.mtime,
				tree   = excluded.tree,
				device = excluded.device,
				inode  = excluded.inode
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range records {
			if _, err := stmt.Exec(r.Path, r.Size, r.Mtime, r.Hash, r.Tree, r.Device, r.Inode); err != nil {
				return fmt.Errorf("upsert %s: %w", r.Path, err)
			}
		}
		return nil
	})
}

// SetBlobID records the content hash for a path. uploaded_at is deliberately
// not touched here: staging a blob is not uploading it.
func (s *Store) SetBlobID(path, blobID string) error {
	_, err := s.writer.Execute("UPDATE fs SET blob_id = ? WHERE path = ?", blobID, path)
	if err != nil {
		return fmt.Errorf("set blob_id: %w", err)
	}
	return nil
}

// MarkMissing records that the file was absent at claim time. Terminal,
// not retried.
func (s *Store) MarkMissing(path string) error {
	_, err := s.writer.Execute(
		"UPDATE fs SET last_missing_at = ? WHERE path = ?",
		formatTime(time.Now()), path)
	if err != nil {
		return fmt.Errorf("mark missing: %w", err)
	}
	return nil
}

// MarkSkipped records that the path holds no archivable content (symlink,
// directory, device node). Terminal: populate will not re-enqueue it.
func (s *Store) MarkSkipped(path string) error {
	_, err := s.writer.Execute(
		"UPDATE fs SET skipped_at = ? WHERE path = ?",
		formatTime(time.Now()), path)
	if err != nil {
		return fmt.Errorf("mark skipped: %w", err)
	}
	return nil
}

// MarkUploadedForBlobs sets uploaded_at for every fs row referencing one of
// the given blob ids. Called only after the transfer is confirmed; rows
// already marked are left alone so retries never move the timestamp.
func (s *Store) MarkUploadedForBlobs(blobIDs []string) (int64, error) {
	if len(blobIDs) == 0 {
		return 0, nil
	}
	holders := strings.Repeat("?,", len(blobIDs))
	holders = holders[:len(holders)-1]
	args := make([]interface{}, 0, len(blobIDs)+1)
	args = append(args, formatTime(time.Now()))
	for _, id := range blobIDs {
		args = append(args, id)
	}
	res, err := s.writer.Execute(`
		UPDATE fs SET uploaded_at = ?
		WHERE blob_id IN (`+holders+`) AND uploaded_at IS NULL
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("mark uploaded: %w", err)
	}
	return res.RowsAffected()
}

// BlobExists reports whether any fs row already references this blob id.
// This is the inline dedup check on the hash stage's hot path.
func (s *Store) BlobExists(blobID string) (bool, error) {
	var one int
	err := s.db.Read.QueryRow("SELECT 1 FROM fs WHERE blob_id = ? LIMIT 1", blobID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check blob exists: %w", err)
	}
	return true, nil
}

// GetFile returns the fs row for path, or nil if absent.
func (s *Store) GetFile(path string) (*FileRecord, error) {
	r := &FileRecord{}
	var mtime sql.NullFloat64
	var hash, blobID, tree sql.NullString
	var uploadedAt, lastMissingAt, skippedAt sql.NullString
	var device, inode sql.NullInt64
	err := s.db.Read.QueryRow(`
		SELECT path, size, mtime, hash, blob_id, uploaded_at, last_missing_at, skipped_at, tree, device, inode
		FROM fs WHERE path = ?
	`, path).Scan(&r.Path, &r.Size, &mtime, &hash, &blobID,
		&uploadedAt, &lastMissingAt, &skippedAt, &tree, &device, &inode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	r.Mtime = mtime.Float64
	r.Hash = hash.String
	r.BlobID = blobID.String
	r.Tree = tree.String
	r.Device = device.Int64
	r.Inode = inode.Int64
	if uploadedAt.Valid {
		if t, err := parseTime(uploadedAt.String); err == nil {
			r.UploadedAt = &t
		}
	}
	if lastMissingAt.Valid {
		if t, err := parseTime(lastMissingAt.String); err == nil {
			r.LastMissingAt = &t
		}
	}
	if skippedAt.Valid {
		if t, err := parseTime(skippedAt.String); err == nil {
			r.SkippedAt = &t
		}
	}
	return r, nil
}
