// Package pipeline runs the archive worker stages: hash workers claim
// paths from the work queue and read source files, compress workers
// encode artifacts into staging, the uploader ships staged artifacts in
// batches, and a single async applier commits ledger updates. Pool sizes
// and shared thresholds are mutable at runtime so the tuning controller
// can chase the current bottleneck.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hrdag/n2s/internal/blob"
	"github.com/hrdag/n2s/internal/store"
	"github.com/hrdag/n2s/internal/transfer"
)

// Stage identifies one resizable worker pool.
type Stage string

const (
	StageHash     Stage = "hash"
	StageCompress Stage = "compress"
	StageUpload   Stage = "upload"
)

// Config carries the pipeline's initial shape. The tuner moves most of
// these at runtime; Config only sets the starting point.
type Config struct {
	SourceRoot string // archive root the queue paths are relative to
	StagingDir string

	HashWorkers     int
	CompressWorkers int
	UploadWorkers   int
	MaxWorkers      int // per-stage ceiling for the tuner

	InlineMax int64 // files at most this big ride inline in memory
	RereadMax int64 // files at most this big are re-read at compress time

	DiskLimit    int // concurrent source-disk readers
	DiskMaxLimit int

	QueueDepth int // hash to compress channel buffer

	UploadBatchSize int
	UploadMaxAge    time.Duration

	StaleClaimAfter     time.Duration
	MaintenanceInterval time.Duration
	PutTimeout          time.Duration
	ShutdownGrace       time.Duration
}

// DefaultConfig returns a conservative starting shape for commodity
// hardware. The tuner grows pools from here when the machine has headroom.
func DefaultConfig() Config {
	return Config{
		HashWorkers:         4,
		CompressWorkers:     2,
		UploadWorkers:       1,
		MaxWorkers:          16,
		InlineMax:           4 << 20,
		RereadMax:           64 << 20,
		DiskLimit:           4,
		DiskMaxLimit:        16,
		QueueDepth:          64,
		UploadBatchSize:     200,
		UploadMaxAge:        time.Minute,
		StaleClaimAfter:     30 * time.Minute,
		MaintenanceInterval: time.Minute,
		PutTimeout:          30 * time.Second,
		ShutdownGrace:       2 * time.Minute,
	}
}

type workerHandle struct {
	stop chan struct{}
}

// Pipeline wires the stages together and owns their lifecycles. It is
// the sole writer of pool sizes; the tuner mutates them only through the
// Add/Remove/Set methods here.
type Pipeline struct {
	cfg     Config
	store   *store.Store
	async   *store.AsyncApplier
	metrics *Metrics
	gate    *DiskGate
	up      *uploader

	ctx    context.Context
	cancel context.CancelFunc

	inlineMax atomic.Int64

	compressCh chan *Item

	mu       sync.Mutex
	hash     []workerHandle
	compress []workerHandle
	stopping bool
	nextID   int

	// hashWG and compressWG cover every worker goroutine ever started in
	// the stage, including ones whose handle RemoveWorker already dropped.
	// Shutdown waits on them, not on the handle list: a removed worker may
	// still be mid-item and about to touch the compress channel or the
	// async applier.
	hashWG     sync.WaitGroup
	compressWG sync.WaitGroup
}

// New builds a pipeline. Run starts it.
func New(cfg Config, s *store.Store, tr transfer.Transferer, m *Metrics) *Pipeline {
	p := &Pipeline{
		cfg:        cfg,
		store:      s,
		async:      store.NewAsyncApplier(s, store.DefaultAsyncApplierConfig()),
		metrics:    m,
		gate:       NewDiskGate(cfg.DiskLimit, cfg.DiskMaxLimit),
		compressCh: make(chan *Item, cfg.QueueDepth),
	}
	p.inlineMax.Store(cfg.InlineMax)
	p.up = newUploader(s, m, tr, cfg.StagingDir, cfg.UploadBatchSize, cfg.UploadMaxAge, cfg.UploadWorkers)
	return p
}

// Metrics exposes the shared counter block.
func (p *Pipeline) Metrics() *Metrics { return p.metrics }

// Run starts all stages and blocks until ctx is canceled, then shuts the
// stages down in dependency order: hash stops first so no new items enter,
// compress drains what is in flight, the uploader sweeps staging, and the
// async applier flushes last so every completed item reaches the ledger.
func (p *Pipeline) Run(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	if err := os.MkdirAll(p.cfg.StagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	if n, err := blob.RemoveStaleTemps(p.cfg.StagingDir, 0); err != nil {
		slog.Warn("staging temp sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("removed stranded encode temps", "count", n)
	}

	p.mu.Lock()
	for i := 0; i < p.cfg.HashWorkers; i++ {
		p.startHashWorker()
	}
	for i := 0; i < p.cfg.CompressWorkers; i++ {
		p.startCompressWorker()
	}
	p.mu.Unlock()

	upCtx, upCancel := context.WithCancel(context.Background())
	var upDone sync.WaitGroup
	upDone.Add(1)
	go func() {
		defer upDone.Done()
		p.up.run(upCtx)
	}()

	maintDone := make(chan struct{})
	go p.maintenanceLoop(maintDone)

	<-p.ctx.Done()
	slog.Info("pipeline shutting down")

	// 1. Stop hash workers. In-flight claims are released by the workers
	// themselves; anything missed is recovered by the stale-claim sweep.
	// stopping is flipped under the same lock AddWorker takes, so no new
	// worker can start once shutdown begins.
	p.mu.Lock()
	p.stopping = true
	hash := p.hash
	p.hash = nil
	p.mu.Unlock()
	for _, h := range hash {
		close(h.stop)
	}
	p.hashWG.Wait()

	// 2. Drain the compress stage. Every hash worker has exited, so the
	// channel is safe to close; workers finish queued items and exit.
	close(p.compressCh)
	p.mu.Lock()
	p.compress = nil
	p.mu.Unlock()
	p.compressWG.Wait()

	// 3. Sweep staging so a clean shutdown leaves nothing unsent.
	upCancel()
	upDone.Wait()
	sweepCtx, sweepCancel := context.WithTimeout(context.Background(), p.cfg.ShutdownGrace)
	p.up.finalSweep(sweepCtx)
	sweepCancel()

	// 4. Flush the ledger.
	p.async.Stop()
	<-maintDone
	slog.Info("pipeline stopped")
	return nil
}

// Stop cancels the pipeline's run context.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pipeline) maintenanceLoop(done chan struct{}) {
	defer close(done)
	t := time.NewTicker(p.cfg.MaintenanceInterval)
	defer t.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-t.C:
			if n, err := p.store.ResetStaleClaims(p.cfg.StaleClaimAfter); err != nil {
				slog.Warn("stale claim sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("released stale claims", "count", n)
			}
			if _, err := p.store.RemoveCompleted(); err != nil {
				slog.Warn("queue cleanup failed", "error", err)
			}
			if _, err := blob.RemoveStaleTemps(p.cfg.StagingDir, time.Hour); err != nil {
				slog.Warn("staging temp sweep failed", "error", err)
			}
		}
	}
}

// startHashWorker and startCompressWorker require p.mu held.

func (p *Pipeline) startHashWorker() {
	h := workerHandle{stop: make(chan struct{})}
	p.nextID++
	id := fmt.Sprintf("hash-%d-%d", os.Getpid(), p.nextID)
	p.hash = append(p.hash, h)
	p.hashWG.Add(1)
	go func() {
		defer p.hashWG.Done()
		p.runHashWorker(id, h.stop)
	}()
}

func (p *Pipeline) startCompressWorker() {
	h := workerHandle{stop: make(chan struct{})}
	p.compress = append(p.compress, h)
	p.compressWG.Add(1)
	go func() {
		defer p.compressWG.Done()
		p.runCompressWorker(h.stop)
	}()
}

// Workers returns the current pool size for a stage.
func (p *Pipeline) Workers(st Stage) int {
	switch st {
	case StageUpload:
		return p.up.workerCount()
	case StageHash:
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.hash)
	case StageCompress:
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.compress)
	}
	return 0
}

// AddWorker grows a stage's pool by one, bounded by MaxWorkers. Returns
// false once shutdown has begun: the check shares p.mu with the shutdown
// path, so a worker is either started before stopping flips and covered
// by the stage wait group, or not started at all.
func (p *Pipeline) AddWorker(st Stage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return false
	}
	switch st {
	case StageUpload:
		n := p.up.workerCount()
		if n >= p.cfg.MaxWorkers {
			return false
		}
		p.up.setWorkers(n + 1)
		return true
	case StageHash:
		if len(p.hash) >= p.cfg.MaxWorkers {
			return false
		}
		p.startHashWorker()
		return true
	case StageCompress:
		if len(p.compress) >= p.cfg.MaxWorkers {
			return false
		}
		p.startCompressWorker()
		return true
	}
	return false
}

// RemoveWorker shrinks a stage's pool by one, never below one worker.
func (p *Pipeline) RemoveWorker(st Stage) bool {
	switch st {
	case StageUpload:
		n := p.up.workerCount()
		if n <= 1 {
			return false
		}
		p.up.setWorkers(n - 1)
		return true
	case StageHash:
		p.mu.Lock()
		if len(p.hash) <= 1 {
			p.mu.Unlock()
			return false
		}
		h := p.hash[len(p.hash)-1]
		p.hash = p.hash[:len(p.hash)-1]
		p.mu.Unlock()
		close(h.stop)
		return true
	case StageCompress:
		p.mu.Lock()
		if len(p.compress) <= 1 {
			p.mu.Unlock()
			return false
		}
		h := p.compress[len(p.compress)-1]
		p.compress = p.compress[:len(p.compress)-1]
		p.mu.Unlock()
		close(h.stop)
		return true
	}
	return false
}

// InlineMax returns the current inline-payload ceiling.
func (p *Pipeline) InlineMax() int64 { return p.inlineMax.Load() }

// SetInlineMax moves the inline-payload ceiling, clamped to [64 KiB, RereadMax].
func (p *Pipeline) SetInlineMax(n int64) {
	const floor = 64 << 10
	if n < floor {
		n = floor
	}
	if n > p.cfg.RereadMax {
		n = p.cfg.RereadMax
	}
	p.inlineMax.Store(n)
}

// DiskLimit returns the current concurrent-read limit.
func (p *Pipeline) DiskLimit() int { return p.gate.Limit() }

// SetDiskLimit moves the concurrent-read limit.
func (p *Pipeline) SetDiskLimit(n int) { p.gate.SetLimit(n) }

// MaxDiskLimit returns the ceiling for the concurrent-read limit.
func (p *Pipeline) MaxDiskLimit() int { return p.gate.MaxLimit() }

// StagedBacklog reports staged artifacts not yet confirmed uploaded.
func (p *Pipeline) StagedBacklog() int { return p.up.backlog() }
