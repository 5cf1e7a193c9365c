package store

import "time"

// FileRecord is the canonical per-path metadata row in the fs table.
type FileRecord struct {
	Path          string
	Size          int64
	Mtime         float64
	Hash          string
	BlobID        string
	UploadedAt    *time.Time
	LastMissingAt *time.Time
	SkippedAt     *time.Time
	Tree          string
	Device        int64
	Inode         int64
}

// QueueStats summarizes the work queue and overall ledger progress.
type QueueStats struct {
	Total       int64
	Unclaimed   int64
	Claimed     int64
	OldestClaim *time.Time
	Completed   int64
	Pending     int64
	Missing     int64
	Skipped     int64
}
