package tuner

import (
	"testing"
	"time"

	"github.com/hrdag/n2s/internal/pipeline"
)

// fakeControls records tuning actions without a running pipeline.
type fakeControls struct {
	workers map[pipeline.Stage]int
	max     int
	disk    int
	diskMax int
	inline  int64
	backlog int
	m       *pipeline.Metrics
}

func newFakeControls() *fakeControls {
	return &fakeControls{
		workers: map[pipeline.Stage]int{
			pipeline.StageHash:     4,
			pipeline.StageCompress: 2,
			pipeline.StageUpload:   1,
		},
		max:     16,
		disk:    4,
		diskMax: 16,
		inline:  4 << 20,
		m:       &pipeline.Metrics{},
	}
}

func (f *fakeControls) Workers(s pipeline.Stage) int { return f.workers[s] }

func (f *fakeControls) AddWorker(s pipeline.Stage) bool {
	if f.workers[s] >= f.max {
		return false
	}
	f.workers[s]++
	return true
}

func (f *fakeControls) RemoveWorker(s pipeline.Stage) bool {
	if f.workers[s] <= 1 {
		return false
	}
	f.workers[s]--
	return true
}

func (f *fakeControls) DiskLimit() int { return f.disk }

func (f *fakeControls) SetDiskLimit(n int) {
	if n < 1 {
		n = 1
	}
	if n > f.diskMax {
		n = f.diskMax
	}
	f.disk = n
}

func (f *fakeControls) MaxDiskLimit() int { return f.diskMax }

func (f *fakeControls) InlineMax() int64     { return f.inline }
func (f *fakeControls) SetInlineMax(n int64) { f.inline = n }

func (f *fakeControls) StagedBacklog() int { return f.backlog }

func (f *fakeControls) Metrics() *pipeline.Metrics { return f.m }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Cooldown = 0
	cfg.BlacklistFor = 5 * time.Minute
	cfg.MemoryBudget = 1 << 60 // never trips in tests
	return cfg
}

func feedStable(tn *Tuner, now time.Time, fps float64, n int) {
	for i := 0; i < n; i++ {
		tn.Observe(Sample{When: now.Add(time.Duration(i) * time.Second), FilesPerSec: fps})
	}
}

func TestDecideNeedsTrendWindow(t *testing.T) {
	ctl := newFakeControls()
	tn, err := New(testConfig(), ctl)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	tn.Observe(Sample{When: now, FilesPerSec: 10})
	if got := tn.Decide(now); got != "" {
		t.Errorf("Decide with one sample = %q, want no action", got)
	}
}

func TestBacklogGrowsUploadPool(t *testing.T) {
	ctl := newFakeControls()
	ctl.backlog = 5000
	tn, err := New(testConfig(), ctl)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	feedStable(tn, now, 10, 3)

	if got := tn.Decide(now); got != actUploadUp {
		t.Fatalf("Decide = %q, want %q", got, actUploadUp)
	}
	if ctl.workers[pipeline.StageUpload] != 2 {
		t.Errorf("upload workers = %d, want 2", ctl.workers[pipeline.StageUpload])
	}
}

func TestBackfireBlacklistsAndReverses(t *testing.T) {
	ctl := newFakeControls()
	ctl.backlog = 5000
	tn, err := New(testConfig(), ctl)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	feedStable(tn, now, 10, 3)
	if got := tn.Decide(now); got != actUploadUp {
		t.Fatalf("setup action = %q", got)
	}

	// Throughput falls right after the action: reverse it and bench the
	// class.
	tn.Observe(Sample{When: now.Add(time.Minute), FilesPerSec: 5})
	if got := tn.Decide(now.Add(time.Minute)); got != actUploadDown {
		t.Fatalf("Decide after decline = %q, want %q", got, actUploadDown)
	}
	if ctl.workers[pipeline.StageUpload] != 1 {
		t.Errorf("upload workers = %d, want reverted to 1", ctl.workers[pipeline.StageUpload])
	}

	// Stable again with the backlog still high: the benched class must
	// not be retried within the blacklist window.
	feedStable(tn, now.Add(2*time.Minute), 5, 3)
	if got := tn.Decide(now.Add(2 * time.Minute)); got == actUploadUp {
		t.Error("blacklisted action retried during the bench window")
	}

	// After the window expires it is allowed again.
	later := now.Add(10 * time.Minute)
	feedStable(tn, later, 5, 3)
	if got := tn.Decide(later); got != actUploadUp {
		t.Errorf("Decide after blacklist expiry = %q, want %q", got, actUploadUp)
	}
}

func TestCooldownHoldsStill(t *testing.T) {
	ctl := newFakeControls()
	ctl.backlog = 5000
	cfg := testConfig()
	cfg.Cooldown = time.Hour
	tn, err := New(cfg, ctl)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	feedStable(tn, now, 10, 3)
	if got := tn.Decide(now); got != actUploadUp {
		t.Fatalf("first Decide = %q", got)
	}

	// Even a sharp decline is ignored until the cooldown passes.
	tn.Observe(Sample{When: now.Add(time.Minute), FilesPerSec: 1})
	if got := tn.Decide(now.Add(time.Minute)); got != "" {
		t.Errorf("Decide inside cooldown = %q, want no action", got)
	}
}

func TestImprovingRepeatsLastAction(t *testing.T) {
	ctl := newFakeControls()
	ctl.backlog = 5000
	tn, err := New(testConfig(), ctl)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	feedStable(tn, now, 10, 3)
	if got := tn.Decide(now); got != actUploadUp {
		t.Fatalf("first Decide = %q", got)
	}

	tn.Observe(Sample{When: now.Add(time.Minute), FilesPerSec: 20})
	if got := tn.Decide(now.Add(time.Minute)); got != actUploadUp {
		t.Errorf("Decide while improving = %q, want repeat of %q", got, actUploadUp)
	}
	if ctl.workers[pipeline.StageUpload] != 3 {
		t.Errorf("upload workers = %d, want 3", ctl.workers[pipeline.StageUpload])
	}
}

func TestThrashShrinksDiskLimit(t *testing.T) {
	ctl := newFakeControls()
	tn, err := New(testConfig(), ctl)
	if err != nil {
		t.Fatal(err)
	}

	// p95 far above p50 reads as seek thrash.
	for i := 0; i < 90; i++ {
		ctl.m.ObserveReadLatency(time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		ctl.m.ObserveReadLatency(500 * time.Millisecond)
	}

	now := time.Now()
	feedStable(tn, now, 10, 3)
	if got := tn.Decide(now); got != actDiskDown {
		t.Fatalf("Decide = %q, want %q", got, actDiskDown)
	}
	if ctl.disk != 3 {
		t.Errorf("disk limit = %d, want 3", ctl.disk)
	}
}

func TestStarvedCompressGrowsHashPool(t *testing.T) {
	ctl := newFakeControls()
	ctl.m.CompressWaitNs.Store(950)
	ctl.m.CompressWorkNs.Store(50)
	tn, err := New(testConfig(), ctl)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	feedStable(tn, now, 10, 3)
	if got := tn.Decide(now); got != actHashUp {
		t.Fatalf("Decide = %q, want %q", got, actHashUp)
	}
	if ctl.workers[pipeline.StageHash] != 5 {
		t.Errorf("hash workers = %d, want 5", ctl.workers[pipeline.StageHash])
	}
}
