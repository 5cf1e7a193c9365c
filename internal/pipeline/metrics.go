package pipeline

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is the shared counter block every stage writes into. All fields
// are atomics so stages never contend on a lock in their hot loops; the
// tuning controller and the metrics endpoint read them without
// coordination and tolerate slightly torn cross-field views.
type Metrics struct {
	FilesProcessed atomic.Int64 // terminal outcomes of any kind
	FilesMissing   atomic.Int64
	FilesSkipped   atomic.Int64 // non-regular paths, terminal
	FilesFailed    atomic.Int64
	DedupHits      atomic.Int64
	BytesRead      atomic.Int64
	BytesDeduped   atomic.Int64

	FilesCompressed atomic.Int64
	BytesStaged     atomic.Int64

	FilesUploaded  atomic.Int64
	UploadBatches  atomic.Int64
	UploadFailures atomic.Int64

	// Compress stage busy/idle accounting, used by the tuner to spot a
	// starved compress pool.
	CompressWaitNs atomic.Int64
	CompressWorkNs atomic.Int64

	lat latencyRing
}

// ObserveReadLatency records one source-disk read latency sample.
func (m *Metrics) ObserveReadLatency(d time.Duration) {
	m.lat.add(d)
}

// ReadLatencyQuantiles returns the p50 and p95 of recent disk reads.
// Both are zero when no samples exist yet.
func (m *Metrics) ReadLatencyQuantiles() (p50, p95 time.Duration) {
	return m.lat.quantiles()
}

// CompressIdlePct returns the percentage of compress-stage time spent
// waiting for input, over the stage's lifetime counters.
func (m *Metrics) CompressIdlePct() float64 {
	wait := m.CompressWaitNs.Load()
	work := m.CompressWorkNs.Load()
	total := wait + work
	if total == 0 {
		return 0
	}
	return 100 * float64(wait) / float64(total)
}

// WritePrometheus renders the counters in Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	counter := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s %d\n", name, v)
	}
	counter("n2s_files_processed_total", "Items reaching a terminal state.", m.FilesProcessed.Load())
	counter("n2s_files_missing_total", "Items whose source file was gone at claim time.", m.FilesMissing.Load())
	counter("n2s_files_skipped_total", "Items skipped for holding no archivable content.", m.FilesSkipped.Load())
	counter("n2s_files_failed_total", "Items that errored and were released for retry.", m.FilesFailed.Load())
	counter("n2s_dedup_hits_total", "Items resolved by an existing blob id.", m.DedupHits.Load())
	counter("n2s_bytes_read_total", "Source bytes read by the hash stage.", m.BytesRead.Load())
	counter("n2s_bytes_deduped_total", "Source bytes skipped via dedup.", m.BytesDeduped.Load())
	counter("n2s_files_compressed_total", "Items encoded into staging.", m.FilesCompressed.Load())
	counter("n2s_bytes_staged_total", "Artifact bytes written to staging.", m.BytesStaged.Load())
	counter("n2s_files_uploaded_total", "Artifacts confirmed transferred.", m.FilesUploaded.Load())
	counter("n2s_upload_batches_total", "Batch transfers attempted.", m.UploadBatches.Load())
	counter("n2s_upload_failures_total", "Batch transfers that failed.", m.UploadFailures.Load())

	p50, p95 := m.ReadLatencyQuantiles()
	fmt.Fprintln(w, "# HELP n2s_read_latency_seconds Recent source read latency quantiles.")
	fmt.Fprintln(w, "# TYPE n2s_read_latency_seconds gauge")
	fmt.Fprintf(w, "n2s_read_latency_seconds{quantile=\"0.5\"} %f\n", p50.Seconds())
	fmt.Fprintf(w, "n2s_read_latency_seconds{quantile=\"0.95\"} %f\n", p95.Seconds())

	fmt.Fprintln(w, "# HELP n2s_compress_idle_pct Share of compress-stage time spent waiting for input.")
	fmt.Fprintln(w, "# TYPE n2s_compress_idle_pct gauge")
	fmt.Fprintf(w, "n2s_compress_idle_pct %f\n", m.CompressIdlePct())
}

const latencySamples = 100

// latencyRing keeps the last N disk-read latencies. Writes are frequent
// and cheap; quantile reads happen a few times a minute from the tuner.
type latencyRing struct {
	mu      sync.Mutex
	samples [latencySamples]time.Duration
	n       int
	next    int
}

func (r *latencyRing) add(d time.Duration) {
	r.mu.Lock()
	r.samples[r.next] = d
	r.next = (r.next + 1) % latencySamples
	if r.n < latencySamples {
		r.n++
	}
	r.mu.Unlock()
}

func (r *latencyRing) quantiles() (p50, p95 time.Duration) {
	r.mu.Lock()
	n := r.n
	buf := make([]time.Duration, n)
	copy(buf, r.samples[:n])
	r.mu.Unlock()

	if n == 0 {
		return 0, 0
	}
	sort.Slice(buf, func(i, j int) bool { return buf[i] < buf[j] })
	p50 = buf[n/2]
	p95 = buf[(n*95)/100]
	return p50, p95
}
