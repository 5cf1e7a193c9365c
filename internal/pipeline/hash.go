package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hrdag/n2s/internal/blob"
	"github.com/hrdag/n2s/internal/store"
)

const (
	claimBackoffMin = 500 * time.Millisecond
	claimBackoffMax = 5 * time.Second
)

// runHashWorker is the first stage: claim a path, read and hash it, check
// for an existing blob, and hand the item to the compress stage. One bad
// file releases its claim and the loop continues.
func (p *Pipeline) runHashWorker(workerID string, stop <-chan struct{}) {
	backoff := claimBackoffMin
	for {
		select {
		case <-stop:
			return
		default:
		}

		cl, err := p.store.Claim(workerID)
		if err != nil {
			slog.Warn("claim failed", "worker", workerID, "error", err)
			if !sleepOrStop(backoff, stop) {
				return
			}
			continue
		}
		if cl == nil {
			// Queue empty right now. Back off so idle workers do not
			// hammer the database.
			if !sleepOrStop(backoff, stop) {
				return
			}
			if backoff *= 2; backoff > claimBackoffMax {
				backoff = claimBackoffMax
			}
			continue
		}
		backoff = claimBackoffMin

		if err := p.hashOne(cl, stop); err != nil {
			slog.Warn("hash stage item failed", "path", cl.Path, "error", err)
			p.metrics.FilesFailed.Add(1)
			if rerr := p.store.Release(cl.Path); rerr != nil {
				slog.Warn("release claim failed", "path", cl.Path, "error", rerr)
			}
		}
	}
}

func (p *Pipeline) hashOne(cl *store.Claimed, stop <-chan struct{}) error {
	abs := filepath.Join(p.cfg.SourceRoot, cl.Path)

	info, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		// Permanent miss: the file disappeared between discovery and
		// claim. Terminal, recorded, not retried.
		p.async.MarkMissing(cl.Path)
		p.async.Complete(cl.Path)
		p.metrics.FilesMissing.Add(1)
		p.metrics.FilesProcessed.Add(1)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	if !info.Mode().IsRegular() {
		// Symlinks and specials carry no content to archive. Record the
		// skip in fs before completing, so populate never re-enqueues the
		// path and it stops counting as pending.
		p.async.MarkSkipped(cl.Path)
		p.async.Complete(cl.Path)
		p.metrics.FilesSkipped.Add(1)
		p.metrics.FilesProcessed.Add(1)
		return nil
	}

	size := info.Size()
	it := &Item{
		Path:    cl.Path,
		AbsPath: abs,
		Size:    size,
		Mtime:   info.ModTime(),
	}

	if err := p.gate.Acquire(p.ctx); err != nil {
		if rerr := p.store.Release(cl.Path); rerr != nil {
			slog.Warn("release claim failed", "path", cl.Path, "error", rerr)
		}
		return nil // shutting down
	}
	start := time.Now()
	switch {
	case size <= p.InlineMax():
		data, err := os.ReadFile(abs)
		p.gate.Release()
		p.metrics.ObserveReadLatency(time.Since(start))
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		p.metrics.BytesRead.Add(int64(len(data)))
		it.Size = int64(len(data))
		it.BlobID = blob.Sum(data)
		it.Kind = PayloadInline
		it.Data = data
	default:
		f, err := os.Open(abs)
		if err != nil {
			p.gate.Release()
			return fmt.Errorf("open: %w", err)
		}
		id, n, err := blob.SumReader(f)
		f.Close()
		p.gate.Release()
		p.metrics.ObserveReadLatency(time.Since(start))
		if err != nil {
			return fmt.Errorf("hash: %w", err)
		}
		p.metrics.BytesRead.Add(n)
		it.Size = n
		it.BlobID = id
		if n <= p.cfg.RereadMax {
			it.Kind = PayloadReread
		} else {
			it.Kind = PayloadStream
		}
	}

	exists, err := p.store.BlobExists(it.BlobID)
	if err != nil {
		it.Release()
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if exists {
		// Content already archived under this id. Record the mapping and
		// finish without compressing or uploading anything.
		it.Release()
		p.async.SetBlobID(it.Path, it.BlobID)
		p.async.Complete(it.Path)
		p.metrics.DedupHits.Add(1)
		p.metrics.BytesDeduped.Add(it.Size)
		p.metrics.FilesProcessed.Add(1)
		return nil
	}

	select {
	case p.compressCh <- it:
		return nil
	case <-stop:
	case <-time.After(p.cfg.PutTimeout):
		slog.Warn("compress queue full, releasing item", "path", it.Path)
	}
	// Not handed off. Release the claim so the item is picked up again.
	it.Release()
	if err := p.store.Release(cl.Path); err != nil {
		slog.Warn("release claim failed", "path", cl.Path, "error", err)
	}
	return nil
}

// sleepOrStop sleeps for d, returning false if stop fires first.
func sleepOrStop(d time.Duration, stop <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
