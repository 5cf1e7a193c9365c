package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Writer abstracts write operations so the async batch applier can share
// code paths with direct writes.
type Writer interface {
	Execute(query string, args ...interface{}) (sql.Result, error)
	ExecuteTx(fn func(tx *sql.Tx) error) error
}

// Store is the data access layer for the archive ledger and work queue.
type Store struct {
	db     *DB
	writer Writer
}

// NewStore creates a Store that writes to SQLite immediately.
func NewStore(db *DB) *Store {
	return &Store{
		db:     db,
		writer: &DirectWriter{db: db.Write},
	}
}

// DirectWriter executes SQL directly against the SQLite write connection.
type DirectWriter struct {
	db *sql.DB
}

func (w *DirectWriter) Execute(query string, args ...interface{}) (sql.Result, error) {
	return w.db.Exec(query, args...)
}

func (w *DirectWriter) ExecuteTx(fn func(tx *sql.Tx) error) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// ReadDB returns the read connection for ad hoc queries.
func (s *Store) ReadDB() *sql.DB {
	return s.db.Read
}

// timeFormat matches the strftime('%Y-%m-%dT%H:%M:%f') default used in the
// schema, so Go-written and SQLite-written timestamps compare lexically.
const timeFormat = "2006-01-02T15:04:05.000"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}
