package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hrdag/n2s/internal/blob"
	"github.com/hrdag/n2s/internal/store"
)

// flakyTransferer fails its first n batches, then behaves like a real
// transferer: copies nothing but removes sources on success.
type flakyTransferer struct {
	mu        sync.Mutex
	failFirst int
	calls     [][]string
}

func (f *flakyTransferer) Send(ctx context.Context, stagingDir string, relPaths []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]string, len(relPaths))
	copy(batch, relPaths)
	f.calls = append(f.calls, batch)
	if f.failFirst > 0 {
		f.failFirst--
		return errors.New("transfer refused")
	}
	for _, rel := range relPaths {
		if err := os.Remove(filepath.Join(stagingDir, rel)); err != nil {
			return err
		}
	}
	return nil
}

func testPipelineStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store.NewStore(db)
}

func stageArtifact(t *testing.T, stagingDir string, content []byte) string {
	t.Helper()
	id, artifact, err := blob.Encode(content, blob.Metadata{Size: int64(len(content))})
	if err != nil {
		t.Fatal(err)
	}
	if err := blob.WriteArtifact(stagingDir, id, artifact); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestUploaderRetriesFailedBatch(t *testing.T) {
	st := testPipelineStore(t)
	staging := t.TempDir()

	id := stageArtifact(t, staging, []byte("payload one"))
	if err := st.UpsertFiles([]store.FileRecord{{Path: "f1", Size: 11, Mtime: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetBlobID("f1", id); err != nil {
		t.Fatal(err)
	}

	ft := &flakyTransferer{failFirst: 1}
	m := &Metrics{}
	u := newUploader(st, m, ft, staging, 10, time.Hour, 1)

	ctx := context.Background()

	// First cycle fails. The artifact must stay staged and unmarked.
	u.scan()
	u.dispatch(ctx, true)
	u.wg.Wait()
	if _, err := os.Stat(filepath.Join(staging, blob.ShardPath(id))); err != nil {
		t.Fatalf("artifact missing after failed batch: %v", err)
	}
	rec, err := st.GetFile("f1")
	if err != nil || rec.UploadedAt != nil {
		t.Fatalf("uploaded_at set after failed batch: %+v, %v", rec, err)
	}
	if m.UploadFailures.Load() != 1 {
		t.Errorf("UploadFailures = %d", m.UploadFailures.Load())
	}

	// Second cycle re-collects and succeeds.
	u.scan()
	u.dispatch(ctx, true)
	u.wg.Wait()
	if _, err := os.Stat(filepath.Join(staging, blob.ShardPath(id))); !os.IsNotExist(err) {
		t.Errorf("artifact still staged after success: %v", err)
	}
	rec, err = st.GetFile("f1")
	if err != nil || rec.UploadedAt == nil {
		t.Fatalf("uploaded_at not set after success: %+v, %v", rec, err)
	}
	if len(ft.calls) != 2 {
		t.Errorf("transfer calls = %d, want 2", len(ft.calls))
	}
	if u.backlog() != 0 {
		t.Errorf("backlog = %d after success", u.backlog())
	}
}

func TestUploaderBatchTriggers(t *testing.T) {
	st := testPipelineStore(t)
	staging := t.TempDir()

	stageArtifact(t, staging, []byte("a"))
	stageArtifact(t, staging, []byte("b"))
	stageArtifact(t, staging, []byte("c"))

	ft := &flakyTransferer{}
	u := newUploader(st, &Metrics{}, ft, staging, 2, time.Hour, 2)
	ctx := context.Background()

	// Three staged artifacts with batch size two: one full batch fires,
	// the remainder waits for the age trigger.
	u.scan()
	u.dispatch(ctx, false)
	u.wg.Wait()
	if len(ft.calls) != 1 || len(ft.calls[0]) != 2 {
		t.Fatalf("transfer calls = %v, want one batch of two", ft.calls)
	}

	// A forced sweep ships the remainder.
	u.dispatch(ctx, true)
	u.wg.Wait()
	if len(ft.calls) != 2 || len(ft.calls[1]) != 1 {
		t.Fatalf("transfer calls = %v, want the remainder in a second batch", ft.calls)
	}
}
