package store

import (
	"database/sql"
	"log/slog"
	"time"
)

type opKind int

const (
	opSetBlobID opKind = iota
	opMarkMissing
	opMarkSkipped
	opComplete
)

type ledgerOp struct {
	kind   opKind
	path   string
	blobID string
}

// AsyncApplier is the database stage: a single goroutine draining an op
// channel and applying same-type operations in batched transactions, so
// the hash and compress workers never block on individual row commits.
//
// Within each flush, fs updates are applied before work_queue removals:
// a path must never leave the queue before its terminal state is durable.
// A failed flush only logs; the affected items are recovered later by the
// stale-claim sweep re-claiming them.
type AsyncApplier struct {
	store         *Store
	ops           chan ledgerOp
	stop          chan struct{}
	done          chan struct{}
	maxBatchSize  int
	flushInterval time.Duration
}

// AsyncApplierConfig configures the AsyncApplier.
type AsyncApplierConfig struct {
	MaxBatchSize  int
	FlushInterval time.Duration
}

// DefaultAsyncApplierConfig returns sensible defaults.
func DefaultAsyncApplierConfig() AsyncApplierConfig {
	return AsyncApplierConfig{
		MaxBatchSize:  50,
		FlushInterval: 500 * time.Millisecond,
	}
}

// NewAsyncApplier creates and starts an AsyncApplier.
func NewAsyncApplier(s *Store, cfg AsyncApplierConfig) *AsyncApplier {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	a := &AsyncApplier{
		store:         s,
		ops:           make(chan ledgerOp, cfg.MaxBatchSize*4),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		maxBatchSize:  cfg.MaxBatchSize,
		flushInterval: cfg.FlushInterval,
	}
	go a.loop()
	return a
}

// SetBlobID queues a blob_id update for path.
func (a *AsyncApplier) SetBlobID(path, blobID string) {
	a.submit(ledgerOp{kind: opSetBlobID, path: path, blobID: blobID})
}

// MarkMissing queues a permanent-miss record for path.
func (a *AsyncApplier) MarkMissing(path string) {
	a.submit(ledgerOp{kind: opMarkMissing, path: path})
}

// MarkSkipped queues a no-archivable-content record for path.
func (a *AsyncApplier) MarkSkipped(path string) {
	a.submit(ledgerOp{kind: opMarkSkipped, path: path})
}

// Complete queues removal of path from the work queue.
func (a *AsyncApplier) Complete(path string) {
	a.submit(ledgerOp{kind: opComplete, path: path})
}

func (a *AsyncApplier) submit(op ledgerOp) {
	select {
	case a.ops <- op:
	case <-a.stop:
	}
}

// Pending returns the number of queued, unflushed ops.
func (a *AsyncApplier) Pending() int {
	return len(a.ops)
}

// Stop flushes remaining ops and shuts the applier down.
func (a *AsyncApplier) Stop() {
	close(a.stop)
	<-a.done
}

func (a *AsyncApplier) loop() {
	defer close(a.done)

	timer := time.NewTimer(a.flushInterval)
	defer timer.Stop()

	batch := make([]ledgerOp, 0, a.maxBatchSize)

	for {
		select {
		case op := <-a.ops:
			batch = append(batch, op)
		case <-timer.C:
			if len(batch) == 0 {
				timer.Reset(a.flushInterval)
				continue
			}
		case <-a.stop:
			a.drain(&batch)
			a.flush(batch)
			return
		}

		for len(batch) < a.maxBatchSize {
			select {
			case op := <-a.ops:
				batch = append(batch, op)
			default:
				goto flush
			}
		}

	flush:
		a.flush(batch)
		batch = batch[:0]
		timer.Reset(a.flushInterval)
	}
}

func (a *AsyncApplier) drain(batch *[]ledgerOp) {
	for {
		select {
		case op := <-a.ops:
			*batch = append(*batch, op)
		default:
			return
		}
	}
}

func (a *AsyncApplier) flush(batch []ledgerOp) {
	if len(batch) == 0 {
		return
	}
	now := formatTime(time.Now())
	err := a.store.writer.ExecuteTx(func(tx *sql.Tx) error {
		// fs updates first, queue removals last.
		for _, op := range batch {
			switch op.kind {
			case opSetBlobID:
				// A dedup hit may point at a blob some other row already
				// shipped. Inherit that row's uploaded_at: the upload pass
				// only marks rows holding the blob id at confirmation time,
				// and propagation skips rows whose blob_id is already set.
				if _, err := tx.Exec(`
					UPDATE fs SET blob_id = ?,
						uploaded_at = COALESCE(uploaded_at, (
							SELECT MAX(src.uploaded_at) FROM fs AS src
							WHERE src.blob_id = ? AND src.path != fs.path
						))
					WHERE path = ?
				`, op.blobID, op.blobID, op.path); err != nil {
					return err
				}
			case opMarkMissing:
				if _, err := tx.Exec("UPDATE fs SET last_missing_at = ? WHERE path = ?", now, op.path); err != nil {
					return err
				}
			case opMarkSkipped:
				if _, err := tx.Exec("UPDATE fs SET skipped_at = ? WHERE path = ?", now, op.path); err != nil {
					return err
				}
			}
		}
		for _, op := range batch {
			if op.kind != opComplete {
				continue
			}
			if _, err := tx.Exec("DELETE FROM work_queue WHERE path = ?", op.path); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("ledger batch flush failed", "ops", len(batch), "error", err)
	}
}
