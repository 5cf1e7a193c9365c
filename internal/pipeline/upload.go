package pipeline

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hrdag/n2s/internal/blob"
	"github.com/hrdag/n2s/internal/store"
	"github.com/hrdag/n2s/internal/transfer"
)

const uploadScanInterval = 500 * time.Millisecond

// uploader is the third stage. It collects staged artifacts by scanning
// the staging directory (scan-based collection survives restarts: whatever
// is on disk is the truth) and ships them in batches. A batch fires when
// it is full or when the oldest pending artifact has waited long enough.
//
// uploaded_at is only ever set after the transferer confirms a batch.
type uploader struct {
	store      *store.Store
	metrics    *Metrics
	tr         transfer.Transferer
	stagingDir string
	batchSize  int
	maxAge     time.Duration

	workers atomic.Int64 // max concurrent batch transfers
	active  atomic.Int64

	mu        sync.Mutex
	collected map[string]struct{} // rel paths seen by scan, not yet resolved
	pending   []string            // rel paths awaiting dispatch
	oldest    time.Time           // when the current pending run started

	wg sync.WaitGroup
}

func newUploader(s *store.Store, m *Metrics, tr transfer.Transferer, stagingDir string, batchSize int, maxAge time.Duration, workers int) *uploader {
	u := &uploader{
		store:      s,
		metrics:    m,
		tr:         tr,
		stagingDir: stagingDir,
		batchSize:  batchSize,
		maxAge:     maxAge,
		collected:  make(map[string]struct{}),
	}
	u.workers.Store(int64(workers))
	return u
}

func (u *uploader) run(ctx context.Context) {
	t := time.NewTicker(uploadScanInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			u.scan()
			u.dispatch(ctx, false)
		}
	}
}

// finalSweep ships everything still staged, regardless of batch triggers,
// and waits for in-flight transfers. Called once during shutdown so a
// stopped pipeline leaves as little as possible behind in staging.
func (u *uploader) finalSweep(ctx context.Context) {
	u.scan()
	for {
		u.dispatch(ctx, true)
		u.wg.Wait()
		u.mu.Lock()
		remaining := len(u.pending)
		u.mu.Unlock()
		if remaining == 0 || ctx.Err() != nil {
			return
		}
	}
}

// scan walks the staging tree and records artifacts not yet collected.
func (u *uploader) scan() {
	var found []string
	err := filepath.WalkDir(u.stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // a shard dir vanishing mid-walk is fine
		}
		if d.IsDir() || !blob.ValidID(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(u.stagingDir, path)
		if err != nil {
			return nil
		}
		found = append(found, rel)
		return nil
	})
	if err != nil {
		slog.Warn("staging scan failed", "error", err)
		return
	}

	u.mu.Lock()
	for _, rel := range found {
		if _, ok := u.collected[rel]; ok {
			continue
		}
		u.collected[rel] = struct{}{}
		if len(u.pending) == 0 {
			u.oldest = time.Now()
		}
		u.pending = append(u.pending, rel)
	}
	u.mu.Unlock()
}

// dispatch starts batch transfers for pending artifacts. Without force, a
// batch only fires when full or when the pending run is older than maxAge.
func (u *uploader) dispatch(ctx context.Context, force bool) {
	for {
		u.mu.Lock()
		ready := force ||
			len(u.pending) >= u.batchSize ||
			(len(u.pending) > 0 && time.Since(u.oldest) >= u.maxAge)
		if !ready || len(u.pending) == 0 || u.active.Load() >= u.workers.Load() {
			u.mu.Unlock()
			return
		}
		n := len(u.pending)
		if n > u.batchSize {
			n = u.batchSize
		}
		batch := make([]string, n)
		copy(batch, u.pending[:n])
		u.pending = u.pending[n:]
		u.oldest = time.Now()
		u.mu.Unlock()

		u.active.Add(1)
		u.wg.Add(1)
		go u.send(ctx, batch)
	}
}

func (u *uploader) send(ctx context.Context, batch []string) {
	defer u.wg.Done()
	defer u.active.Add(-1)

	u.metrics.UploadBatches.Add(1)
	if err := u.tr.Send(ctx, u.stagingDir, batch); err != nil {
		u.metrics.UploadFailures.Add(1)
		slog.Warn("upload batch failed, files remain staged", "files", len(batch), "error", err)
		// Forget the batch so the next scan re-collects whatever is
		// still on disk. uploaded_at was never set, so retrying cannot
		// double-count.
		u.forget(batch)
		return
	}

	ids := make([]string, len(batch))
	for i, rel := range batch {
		ids[i] = filepath.Base(rel)
	}
	n, err := u.store.MarkUploadedForBlobs(ids)
	if err != nil {
		slog.Error("mark uploaded failed", "blobs", len(ids), "error", err)
	} else {
		slog.Debug("upload batch confirmed", "files", len(batch), "rows", n)
	}
	u.metrics.FilesUploaded.Add(int64(len(batch)))
	u.forget(batch)
}

func (u *uploader) forget(batch []string) {
	u.mu.Lock()
	for _, rel := range batch {
		delete(u.collected, rel)
	}
	u.mu.Unlock()
}

// backlog reports staged artifacts awaiting a confirmed transfer.
func (u *uploader) backlog() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.collected)
}

func (u *uploader) setWorkers(n int) {
	if n < 1 {
		n = 1
	}
	u.workers.Store(int64(n))
}

func (u *uploader) workerCount() int {
	return int(u.workers.Load())
}
