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
)

// runCompressWorker is the second stage: encode each item into the
// staging area and queue its ledger updates. Exits when its stop channel
// fires or when the input channel is closed and drained.
func (p *Pipeline) runCompressWorker(stop <-chan struct{}) {
	for {
		waitStart := time.Now()
		select {
		case <-stop:
			return
		case it, ok := <-p.compressCh:
			if !ok {
				return
			}
			p.metrics.CompressWaitNs.Add(int64(time.Since(waitStart)))
			workStart := time.Now()
			p.compressOne(it)
			p.metrics.CompressWorkNs.Add(int64(time.Since(workStart)))
		}
	}
}

func (p *Pipeline) compressOne(it *Item) {
	defer it.Release()

	staged, err := p.encodeItem(it)
	if errors.Is(err, fs.ErrNotExist) {
		// Source vanished after the hash stage read it. Permanent miss.
		p.async.MarkMissing(it.Path)
		p.async.Complete(it.Path)
		p.metrics.FilesMissing.Add(1)
		p.metrics.FilesProcessed.Add(1)
		return
	}
	if err != nil {
		slog.Warn("compress stage item failed", "path", it.Path, "error", err)
		p.metrics.FilesFailed.Add(1)
		if rerr := p.store.Release(it.Path); rerr != nil {
			slog.Warn("release claim failed", "path", it.Path, "error", rerr)
		}
		return
	}

	p.async.SetBlobID(it.Path, it.BlobID)
	p.async.Complete(it.Path)
	p.metrics.FilesCompressed.Add(1)
	p.metrics.BytesStaged.Add(staged)
	p.metrics.FilesProcessed.Add(1)
}

// encodeItem writes the item's artifact into staging and returns the
// artifact size. On return it.BlobID reflects the content actually
// encoded, which can differ from the hash-stage id if the source changed
// in between.
func (p *Pipeline) encodeItem(it *Item) (int64, error) {
	switch it.Kind {
	case PayloadInline:
		id, artifact, err := blob.Encode(it.Data, blob.NewMetadata(it.Data, it.Mtime))
		if err != nil {
			return 0, fmt.Errorf("encode: %w", err)
		}
		if err := blob.WriteArtifact(p.cfg.StagingDir, id, artifact); err != nil {
			return 0, err
		}
		it.BlobID = id
		return int64(len(artifact)), nil

	case PayloadReread:
		if err := p.gate.Acquire(p.ctx); err != nil {
			return 0, err
		}
		data, err := os.ReadFile(it.AbsPath)
		p.gate.Release()
		if err != nil {
			return 0, err
		}
		p.metrics.BytesRead.Add(int64(len(data)))
		id, artifact, err := blob.Encode(data, blob.NewMetadata(data, it.Mtime))
		if err != nil {
			return 0, fmt.Errorf("encode: %w", err)
		}
		if id != it.BlobID {
			slog.Debug("content changed between hash and encode", "path", it.Path)
			it.BlobID = id
		}
		if err := blob.WriteArtifact(p.cfg.StagingDir, id, artifact); err != nil {
			return 0, err
		}
		return int64(len(artifact)), nil

	case PayloadStream:
		if err := p.gate.Acquire(p.ctx); err != nil {
			return 0, err
		}
		defer p.gate.Release()
		f, err := os.Open(it.AbsPath)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		id, err := blob.EncodeStream(f, it.Size, it.Mtime, p.cfg.StagingDir)
		if err != nil {
			return 0, fmt.Errorf("encode stream: %w", err)
		}
		p.metrics.BytesRead.Add(it.Size)
		if id != it.BlobID {
			slog.Debug("content changed between hash and encode", "path", it.Path)
			it.BlobID = id
		}
		info, err := os.Stat(filepath.Join(p.cfg.StagingDir, blob.ShardPath(id)))
		if err != nil {
			return 0, err
		}
		return info.Size(), nil

	default:
		return 0, fmt.Errorf("unknown payload kind %d", it.Kind)
	}
}
