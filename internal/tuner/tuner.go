// Package tuner implements the closed-loop controller that resizes the
// pipeline's worker pools and shared thresholds at runtime. It is a
// hill climber, not an optimizer: sample throughput, nudge one tunable,
// wait out a cooldown, and keep the nudge only if throughput did not
// fall. The bottleneck on commodity hardware drifts between disk, CPU
// and network, and a robust follower beats a stale optimum.
package tuner

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/hrdag/n2s/internal/pipeline"
)

// Controls is the mutation surface the controller drives. Implemented by
// *pipeline.Pipeline.
type Controls interface {
	Workers(pipeline.Stage) int
	AddWorker(pipeline.Stage) bool
	RemoveWorker(pipeline.Stage) bool
	DiskLimit() int
	SetDiskLimit(int)
	InlineMax() int64
	SetInlineMax(int64)
	StagedBacklog() int
	Metrics() *pipeline.Metrics
}

// Config holds the controller's time constants and heuristics.
type Config struct {
	SampleInterval time.Duration
	Cooldown       time.Duration // wait after an action before judging it
	BlacklistFor   time.Duration // how long a backfiring action class is benched
	TrendWindow    int           // samples needed before classifying a trend
	TrendEpsilon   float64       // relative change below this is "stable"

	BacklogThreshold int     // staged files before the upload pool grows
	IdleThreshold    float64 // compress idle pct meaning the pool is starved
	ThrashRatio      float64 // read p95/p50 ratio meaning the disk is thrashing
	MemoryBudget     uint64  // heap bytes before inline payloads shrink

	LogPath string // JSONL action log, empty disables
}

// DefaultConfig returns the production time constants.
func DefaultConfig() Config {
	return Config{
		SampleInterval:   30 * time.Second,
		Cooldown:         time.Minute,
		BlacklistFor:     5 * time.Minute,
		TrendWindow:      3,
		TrendEpsilon:     0.10,
		BacklogThreshold: 1000,
		IdleThreshold:    80,
		ThrashRatio:      10,
		MemoryBudget:     2 << 30,
	}
}

// Sample is one throughput observation.
type Sample struct {
	When        time.Time `json:"ts"`
	FilesPerSec float64   `json:"files_per_sec"`
	BytesPerSec float64   `json:"bytes_per_sec"`
}

type trend int

const (
	trendUnknown trend = iota
	trendImproving
	trendStable
	trendDeclining
)

// action classes. Each has an opposite so a backfiring nudge can be
// reversed immediately.
const (
	actHashUp       = "hash+"
	actHashDown     = "hash-"
	actCompressUp   = "compress+"
	actCompressDown = "compress-"
	actUploadUp     = "upload+"
	actUploadDown   = "upload-"
	actDiskUp       = "disk+"
	actDiskDown     = "disk-"
	actMemUp        = "mem+"
	actMemDown      = "mem-"
)

var opposite = map[string]string{
	actHashUp:       actHashDown,
	actHashDown:     actHashUp,
	actCompressUp:   actCompressDown,
	actCompressDown: actCompressUp,
	actUploadUp:     actUploadDown,
	actUploadDown:   actUploadUp,
	actDiskUp:       actDiskDown,
	actDiskDown:     actDiskUp,
	actMemUp:        actMemDown,
	actMemDown:      actMemUp,
}

// Tuner drives one Controls instance. Not safe for concurrent use; all
// mutation happens from its own Run loop (or a test calling Observe and
// Decide directly).
type Tuner struct {
	cfg  Config
	ctl  Controls
	logf *os.File

	samples []Sample

	lastAction    string
	cooldownUntil time.Time
	blacklist     map[string]time.Time

	// previous raw counter readings for delta computation
	prevFiles int64
	prevBytes int64
	prevWhen  time.Time
}

// New builds a controller around ctl.
func New(cfg Config, ctl Controls) (*Tuner, error) {
	t := &Tuner{
		cfg:       cfg,
		ctl:       ctl,
		blacklist: make(map[string]time.Time),
	}
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		t.logf = f
	}
	return t, nil
}

// Run samples and tunes until ctx is done.
func (t *Tuner) Run(ctx context.Context) {
	tick := time.NewTicker(t.cfg.SampleInterval)
	defer tick.Stop()
	defer func() {
		if t.logf != nil {
			t.logf.Close()
		}
	}()

	m := t.ctl.Metrics()
	t.prevFiles = m.FilesProcessed.Load()
	t.prevBytes = m.BytesRead.Load()
	t.prevWhen = time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			t.Observe(t.sample(now))
			t.Decide(now)
		}
	}
}

func (t *Tuner) sample(now time.Time) Sample {
	m := t.ctl.Metrics()
	files := m.FilesProcessed.Load()
	bytes := m.BytesRead.Load()
	elapsed := now.Sub(t.prevWhen).Seconds()
	s := Sample{When: now}
	if elapsed > 0 {
		s.FilesPerSec = float64(files-t.prevFiles) / elapsed
		s.BytesPerSec = float64(bytes-t.prevBytes) / elapsed
	}
	t.prevFiles, t.prevBytes, t.prevWhen = files, bytes, now
	return s
}

// Observe appends a throughput sample to the trend window.
func (t *Tuner) Observe(s Sample) {
	t.samples = append(t.samples, s)
	if max := t.cfg.TrendWindow * 3; len(t.samples) > max {
		t.samples = t.samples[len(t.samples)-max:]
	}
}

// Decide evaluates the trend and applies at most one tuning action.
// Returns the action class applied, or empty when it held still.
func (t *Tuner) Decide(now time.Time) string {
	if now.Before(t.cooldownUntil) {
		return ""
	}

	switch t.classify() {
	case trendUnknown:
		return ""
	case trendDeclining:
		if t.lastAction != "" {
			// The last nudge backfired. Bench its class and push the
			// other way.
			t.blacklist[t.lastAction] = now.Add(t.cfg.BlacklistFor)
			rev := opposite[t.lastAction]
			slog.Info("tuning action backfired, reversing",
				"action", t.lastAction, "reversal", rev)
			return t.apply(rev, now)
		}
		// Declining with no action of ours in play: treat like stable
		// and look for a bottleneck to relieve.
		return t.apply(t.chooseAction(), now)
	case trendImproving:
		// Keep climbing the same direction.
		if t.lastAction != "" && !t.blacklisted(t.lastAction, now) {
			return t.apply(t.lastAction, now)
		}
		return ""
	default: // stable
		return t.apply(t.chooseAction(), now)
	}
}

func (t *Tuner) classify() trend {
	w := t.cfg.TrendWindow
	if len(t.samples) < w {
		return trendUnknown
	}
	recent := t.samples[len(t.samples)-1]
	var base float64
	for _, s := range t.samples[len(t.samples)-w : len(t.samples)-1] {
		base += s.FilesPerSec
	}
	base /= float64(w - 1)
	if base == 0 {
		if recent.FilesPerSec > 0 {
			return trendImproving
		}
		return trendStable
	}
	delta := (recent.FilesPerSec - base) / base
	switch {
	case delta > t.cfg.TrendEpsilon:
		return trendImproving
	case delta < -t.cfg.TrendEpsilon:
		return trendDeclining
	default:
		return trendStable
	}
}

// chooseAction inspects the bottleneck signals in priority order and
// names the single-unit adjustment most likely to help.
func (t *Tuner) chooseAction() string {
	m := t.ctl.Metrics()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc > t.cfg.MemoryBudget {
		// Resource pressure beats throughput: shrink inline payloads
		// before the process starts swapping.
		return actMemDown
	}

	if t.ctl.StagedBacklog() > t.cfg.BacklogThreshold {
		return actUploadUp
	}

	if m.CompressIdlePct() > t.cfg.IdleThreshold {
		// Compress workers starved for input: the read side is the
		// bottleneck. Grow hash if possible, otherwise shed the idle
		// compress capacity.
		if t.ctl.Workers(pipeline.StageCompress) > 2*t.ctl.Workers(pipeline.StageHash) {
			return actCompressDown
		}
		return actHashUp
	}

	p50, p95 := m.ReadLatencyQuantiles()
	if p50 > 0 && float64(p95)/float64(p50) > t.cfg.ThrashRatio {
		// High latency variance means too many concurrent readers are
		// fighting over the spindle.
		return actDiskDown
	}
	if t.ctl.DiskLimit() < t.diskMax() {
		return actDiskUp
	}

	return actCompressUp
}

func (t *Tuner) diskMax() int {
	type maxer interface{ MaxDiskLimit() int }
	if m, ok := t.ctl.(maxer); ok {
		return m.MaxDiskLimit()
	}
	return 16
}

func (t *Tuner) blacklisted(class string, now time.Time) bool {
	until, ok := t.blacklist[class]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(t.blacklist, class)
		return false
	}
	return true
}

// apply performs one action class against the controls. A blacklisted or
// ineffective action leaves the state untouched and returns empty.
func (t *Tuner) apply(class string, now time.Time) string {
	if class == "" || t.blacklisted(class, now) {
		return ""
	}

	ok := false
	switch class {
	case actHashUp:
		ok = t.ctl.AddWorker(pipeline.StageHash)
	case actHashDown:
		ok = t.ctl.RemoveWorker(pipeline.StageHash)
	case actCompressUp:
		ok = t.ctl.AddWorker(pipeline.StageCompress)
	case actCompressDown:
		ok = t.ctl.RemoveWorker(pipeline.StageCompress)
	case actUploadUp:
		ok = t.ctl.AddWorker(pipeline.StageUpload)
	case actUploadDown:
		ok = t.ctl.RemoveWorker(pipeline.StageUpload)
	case actDiskUp:
		cur := t.ctl.DiskLimit()
		t.ctl.SetDiskLimit(cur + 1)
		ok = t.ctl.DiskLimit() != cur
	case actDiskDown:
		cur := t.ctl.DiskLimit()
		t.ctl.SetDiskLimit(cur - 1)
		ok = t.ctl.DiskLimit() != cur
	case actMemUp:
		cur := t.ctl.InlineMax()
		t.ctl.SetInlineMax(cur + cur/2)
		ok = t.ctl.InlineMax() != cur
	case actMemDown:
		cur := t.ctl.InlineMax()
		t.ctl.SetInlineMax(cur / 2)
		ok = t.ctl.InlineMax() != cur
	}
	if !ok {
		return ""
	}

	t.lastAction = class
	t.cooldownUntil = now.Add(t.cfg.Cooldown)
	t.logAction(class, now)
	slog.Info("tuning action applied", "action", class,
		"hash", t.ctl.Workers(pipeline.StageHash),
		"compress", t.ctl.Workers(pipeline.StageCompress),
		"upload", t.ctl.Workers(pipeline.StageUpload),
		"disk_limit", t.ctl.DiskLimit(),
		"inline_max", t.ctl.InlineMax())
	return class
}

type logEntry struct {
	When        time.Time `json:"ts"`
	Action      string    `json:"action"`
	FilesPerSec float64   `json:"files_per_sec"`
	BytesPerSec float64   `json:"bytes_per_sec"`
	Backlog     int       `json:"staged_backlog"`
	Hash        int       `json:"hash_workers"`
	Compress    int       `json:"compress_workers"`
	Upload      int       `json:"upload_workers"`
	DiskLimit   int       `json:"disk_limit"`
	InlineMax   int64     `json:"inline_max"`
}

func (t *Tuner) logAction(class string, now time.Time) {
	if t.logf == nil {
		return
	}
	e := logEntry{
		When:      now,
		Action:    class,
		Backlog:   t.ctl.StagedBacklog(),
		Hash:      t.ctl.Workers(pipeline.StageHash),
		Compress:  t.ctl.Workers(pipeline.StageCompress),
		Upload:    t.ctl.Workers(pipeline.StageUpload),
		DiskLimit: t.ctl.DiskLimit(),
		InlineMax: t.ctl.InlineMax(),
	}
	if n := len(t.samples); n > 0 {
		e.FilesPerSec = t.samples[n-1].FilesPerSec
		e.BytesPerSec = t.samples[n-1].BytesPerSec
	}
	if err := json.NewEncoder(t.logf).Encode(e); err != nil {
		slog.Warn("tuning log write failed", "error", err)
	}
}
