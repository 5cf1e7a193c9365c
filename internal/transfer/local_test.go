package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeStaged(t *testing.T, staging, rel string, content []byte) {
	t.Helper()
	abs := filepath.Join(staging, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLocalSend(t *testing.T) {
	staging := t.TempDir()
	root := t.TempDir()

	rels := []string{
		filepath.Join("aa", "bb", "artifact-one"),
		filepath.Join("cc", "dd", "artifact-two"),
	}
	for _, rel := range rels {
		writeStaged(t, staging, rel, []byte("content of "+rel))
	}

	l := &Local{Root: root}
	if err := l.Send(context.Background(), staging, rels); err != nil {
		t.Fatalf("Send: %v", err)
	}

	for _, rel := range rels {
		got, err := os.ReadFile(filepath.Join(root, rel))
		if err != nil {
			t.Fatalf("destination missing %s: %v", rel, err)
		}
		if string(got) != "content of "+rel {
			t.Errorf("%s content mismatch", rel)
		}
		if _, err := os.Stat(filepath.Join(staging, rel)); !os.IsNotExist(err) {
			t.Errorf("source %s not removed after transfer", rel)
		}
	}
}

func TestLocalSendMissingSourceFails(t *testing.T) {
	staging := t.TempDir()
	root := t.TempDir()

	writeStaged(t, staging, "aa/ok", []byte("ok"))
	l := &Local{Root: root}

	err := l.Send(context.Background(), staging, []string{"aa/gone", "aa/ok"})
	if err == nil {
		t.Fatal("Send with missing source succeeded")
	}
	// The batch aborted before the second file: it stays staged for the
	// next cycle.
	if _, err := os.Stat(filepath.Join(staging, "aa/ok")); err != nil {
		t.Errorf("unsent source removed: %v", err)
	}
}

func TestLocalSendCanceled(t *testing.T) {
	staging := t.TempDir()
	writeStaged(t, staging, "aa/file", []byte("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := &Local{Root: t.TempDir()}
	if err := l.Send(ctx, staging, []string{"aa/file"}); err == nil {
		t.Fatal("Send with canceled context succeeded")
	}
}

func TestLocalSendEmptyBatch(t *testing.T) {
	l := &Local{Root: t.TempDir()}
	if err := l.Send(context.Background(), t.TempDir(), nil); err != nil {
		t.Fatalf("Send(nil) = %v", err)
	}
}
