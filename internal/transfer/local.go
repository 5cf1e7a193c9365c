package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// Local transfers batches to a directory on the same host. Useful for an
// archive mounted locally and for tests. It keeps the same contract as
// Rsync: destinations appear atomically, and a source is removed only
// after its copy is complete.
type Local struct {
	// Root is the destination directory.
	Root string
}

// Send copies relPaths from stagingDir into Root, preserving the relative
// layout, then removes the sources. The first failure aborts the batch;
// files not yet copied stay in staging for retry.
func (l *Local) Send(ctx context.Context, stagingDir string, relPaths []string) error {
	for _, rel := range relPaths {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(stagingDir, rel)
		dst := filepath.Join(l.Root, rel)
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("copy %s: %w", rel, err)
		}
		if err := os.Remove(src); err != nil {
			return fmt.Errorf("remove source %s: %w", rel, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	t, err := renameio.TempFile("", dst)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	if _, err := io.Copy(t, in); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
