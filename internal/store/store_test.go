package store_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hrdag/n2s/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store.NewStore(db)
}

func addFiles(t *testing.T, s *store.Store, paths ...string) {
	t.Helper()
	recs := make([]store.FileRecord, len(paths))
	for i, p := range paths {
		recs[i] = store.FileRecord{Path: p, Size: 100, Mtime: 1700000000.5}
	}
	if err := s.UpsertFiles(recs); err != nil {
		t.Fatalf("UpsertFiles: %v", err)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	s := testStore(t)
	cl, err := s.Claim("w1")
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if cl != nil {
		t.Errorf("Claim() on empty queue = %+v, want nil", cl)
	}
}

func TestClaimNoDoubleClaim(t *testing.T) {
	s := testStore(t)

	const items = 25
	paths := make([]string, items)
	for i := range paths {
		paths[i] = fmt.Sprintf("dir/file-%03d", i)
	}
	addFiles(t, s, paths...)
	if n, err := s.Populate(); err != nil || n != items {
		t.Fatalf("Populate() = %d, %v; want %d", n, err, items)
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for {
				cl, err := s.Claim(id)
				if err != nil {
					t.Errorf("Claim(%s): %v", id, err)
					return
				}
				if cl == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[cl.Path]; dup {
					t.Errorf("path %s claimed by both %s and %s", cl.Path, prev, id)
				}
				seen[cl.Path] = id
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	if len(seen) != items {
		t.Errorf("claimed %d distinct paths, want %d", len(seen), items)
	}
}

func TestReleaseMakesClaimable(t *testing.T) {
	s := testStore(t)
	addFiles(t, s, "a")
	if _, err := s.Populate(); err != nil {
		t.Fatal(err)
	}

	cl, err := s.Claim("w1")
	if err != nil || cl == nil {
		t.Fatalf("Claim() = %v, %v", cl, err)
	}
	if again, _ := s.Claim("w2"); again != nil {
		t.Fatalf("claimed item re-claimed: %+v", again)
	}

	if err := s.Release(cl.Path); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := s.Claim("w2")
	if err != nil || again == nil || again.Path != "a" {
		t.Fatalf("Claim() after release = %+v, %v; want path a", again, err)
	}
}

func TestStaleClaimSweep(t *testing.T) {
	s := testStore(t)
	addFiles(t, s, "a")
	if _, err := s.Populate(); err != nil {
		t.Fatal(err)
	}
	if cl, _ := s.Claim("w1"); cl == nil {
		t.Fatal("no claim")
	}

	// A fresh claim is not stale.
	if n, err := s.ResetStaleClaims(time.Hour); err != nil || n != 0 {
		t.Fatalf("ResetStaleClaims(1h) = %d, %v; want 0", n, err)
	}

	time.Sleep(30 * time.Millisecond)
	n, err := s.ResetStaleClaims(10 * time.Millisecond)
	if err != nil || n != 1 {
		t.Fatalf("ResetStaleClaims(10ms) = %d, %v; want 1", n, err)
	}

	if cl, _ := s.Claim("w2"); cl == nil || cl.Path != "a" {
		t.Errorf("swept item not claimable again: %+v", cl)
	}
}

func TestPopulateIdempotent(t *testing.T) {
	s := testStore(t)
	addFiles(t, s, "a", "b", "c")

	if n, _ := s.Populate(); n != 3 {
		t.Fatalf("first Populate = %d, want 3", n)
	}
	if n, _ := s.Populate(); n != 0 {
		t.Errorf("second Populate = %d, want 0", n)
	}

	// A path that gained a blob is dropped by maintenance and never
	// re-enqueued.
	if err := s.SetBlobID("a", testBlobID("1")); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.RemoveCompleted(); n != 1 {
		t.Error("RemoveCompleted should drop the completed row")
	}
	if n, _ := s.Populate(); n != 0 {
		t.Errorf("Populate re-enqueued a completed path")
	}
}

func TestMarkSkippedIsTerminal(t *testing.T) {
	s := testStore(t)
	addFiles(t, s, "link")
	if n, _ := s.Populate(); n != 1 {
		t.Fatalf("Populate = %d, want 1", n)
	}
	if cl, _ := s.Claim("w1"); cl == nil {
		t.Fatal("no claim")
	}

	if err := s.MarkSkipped("link"); err != nil {
		t.Fatalf("MarkSkipped: %v", err)
	}
	if err := s.Complete("link"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// A skipped path must never come back: not via populate, not as a
	// pending count.
	if n, _ := s.Populate(); n != 0 {
		t.Errorf("Populate re-enqueued a skipped path: %d", n)
	}
	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Pending != 0 || st.Skipped != 1 || st.Total != 0 {
		t.Errorf("stats after skip = %+v", st)
	}
	rec, err := s.GetFile("link")
	if err != nil || rec == nil || rec.SkippedAt == nil {
		t.Fatalf("GetFile(link) = %+v, %v; want skipped_at set", rec, err)
	}
}

func TestRemoveCompletedDropsSkipped(t *testing.T) {
	s := testStore(t)
	addFiles(t, s, "fifo")
	if _, err := s.Populate(); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSkipped("fifo"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.RemoveCompleted(); n != 1 {
		t.Errorf("RemoveCompleted = %d, want 1", n)
	}
}

func TestMarkUploadedForBlobsOnlyOnce(t *testing.T) {
	s := testStore(t)
	addFiles(t, s, "a", "b")
	id := testBlobID("2")
	if err := s.SetBlobID("a", id); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBlobID("b", id); err != nil {
		t.Fatal(err)
	}

	n, err := s.MarkUploadedForBlobs([]string{id})
	if err != nil || n != 2 {
		t.Fatalf("MarkUploadedForBlobs = %d, %v; want 2", n, err)
	}
	// Retrying a batch must never move the timestamp.
	n, err = s.MarkUploadedForBlobs([]string{id})
	if err != nil || n != 0 {
		t.Errorf("second MarkUploadedForBlobs = %d, %v; want 0", n, err)
	}

	rec, err := s.GetFile("a")
	if err != nil || rec == nil || rec.UploadedAt == nil {
		t.Fatalf("GetFile(a) = %+v, %v; want uploaded_at set", rec, err)
	}
}

func TestUpsertPreservesProcessingState(t *testing.T) {
	s := testStore(t)
	addFiles(t, s, "a")
	id := testBlobID("3")
	if err := s.SetBlobID("a", id); err != nil {
		t.Fatal(err)
	}

	// Rescan sees the same path with a new size.
	if err := s.UpsertFiles([]store.FileRecord{{Path: "a", Size: 999, Mtime: 1700000001}}); err != nil {
		t.Fatal(err)
	}

	rec, err := s.GetFile("a")
	if err != nil || rec == nil {
		t.Fatalf("GetFile: %v", err)
	}
	if rec.Size != 999 {
		t.Errorf("size = %d, want 999", rec.Size)
	}
	if rec.BlobID != id {
		t.Errorf("blob_id lost on rescan: %q", rec.BlobID)
	}
}

func TestStats(t *testing.T) {
	s := testStore(t)
	addFiles(t, s, "a", "b", "c")
	if _, err := s.Populate(); err != nil {
		t.Fatal(err)
	}
	if cl, _ := s.Claim("w1"); cl == nil {
		t.Fatal("no claim")
	}
	if err := s.SetBlobID("b", testBlobID("4")); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkMissing("c"); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 3 || st.Claimed != 1 || st.Unclaimed != 2 {
		t.Errorf("queue stats = %+v", st)
	}
	if st.Completed != 1 || st.Missing != 1 || st.Pending != 1 {
		t.Errorf("ledger stats = %+v", st)
	}
	if st.OldestClaim == nil {
		t.Error("OldestClaim not set")
	}
}

// testBlobID returns a syntactically valid 64-hex blob id ending in tag.
func testBlobID(tag string) string {
	const zeros = "0000000000000000000000000000000000000000000000000000000000000000"
	return zeros[:64-len(tag)] + tag
}
