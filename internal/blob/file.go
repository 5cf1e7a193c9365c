package blob

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/renameio"
	"github.com/zeebo/blake3"
)

// encodeTempPrefix names in-progress streaming encodes in the staging
// root. A crash strands them there; RemoveStaleTemps cleans up.
const encodeTempPrefix = ".encode-"

// EncodeFile encodes the file at srcPath into root under its sharded blob
// path and returns the blob id. The artifact appears atomically: it is
// written to a temp file and renamed into place, so a crash mid-write
// never leaves a partial artifact under a valid blob name. Files larger
// than one frame are streamed and never buffered whole.
func EncodeFile(srcPath, root string) (string, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}

	if info.Size() <= FrameSize {
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return "", fmt.Errorf("read source: %w", err)
		}
		id, artifact, err := Encode(data, NewMetadata(data, info.ModTime()))
		if err != nil {
			return "", err
		}
		if err := WriteArtifact(root, id, artifact); err != nil {
			return "", err
		}
		return id, nil
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	return EncodeStream(src, info.Size(), info.ModTime(), root)
}

// WriteArtifact atomically writes an already-encoded artifact into root
// under the id's shard path.
func WriteArtifact(root, id string, artifact []byte) error {
	target := filepath.Join(root, ShardPath(id))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}
	if err := renameio.WriteFile(target, artifact, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

// EncodeStream encodes size bytes from r as a multi-frame artifact under
// root, holding at most one frame in memory. The blob id is only known
// once the stream is fully hashed, so the artifact is staged under a temp
// name and renamed into its shard path at the end.
func EncodeStream(r io.Reader, size int64, mtime time.Time, root string) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create staging root: %w", err)
	}
	tmp, err := os.CreateTemp(root, encodeTempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	h := blake3.New()
	meta := Metadata{
		Size:  size,
		Mtime: float64(mtime.UnixNano()) / 1e9,
	}

	if _, err := io.WriteString(tmp, `{"content": {"encoding": "`+EncodingMultiFrame+`", "frames": [`); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}

	buf := make([]byte, FrameSize)
	first := true
	for {
		n, rerr := io.ReadFull(r, buf)
		if rerr == io.EOF {
			break
		}
		if rerr != nil && rerr != io.ErrUnexpectedEOF {
			return "", fmt.Errorf("read source: %w", rerr)
		}
		chunk := buf[:n]
		h.Write(chunk)
		if first {
			meta.Filetype = mimetype.Detect(chunk).String()
		}

		frame, err := compressFrame(chunk)
		if err != nil {
			return "", fmt.Errorf("compress frame: %w", err)
		}
		if !first {
			if _, err := io.WriteString(tmp, ", "); err != nil {
				return "", fmt.Errorf("write artifact: %w", err)
			}
		}
		first = false
		if _, err := io.WriteString(tmp, `"`); err != nil {
			return "", fmt.Errorf("write artifact: %w", err)
		}
		if err := writeBase64(tmp, frame); err != nil {
			return "", fmt.Errorf("write artifact: %w", err)
		}
		if _, err := io.WriteString(tmp, `"`); err != nil {
			return "", fmt.Errorf("write artifact: %w", err)
		}
		if rerr == io.ErrUnexpectedEOF {
			break
		}
	}

	metaJSON, err := marshalMetadata(meta)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(tmp, `]}, "metadata": `+metaJSON+"}"); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}

	id := hex.EncodeToString(h.Sum(nil))
	target := filepath.Join(root, ShardPath(id))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return id, nil
}

// RemoveStaleTemps deletes encode temp files in root older than olderThan
// and returns how many were removed. Temps live only at the top level of
// root; shard directories and finished artifacts are never touched. A
// missing root is not an error.
func RemoveStaleTemps(root string, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read staging root: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), encodeTempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(root, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// RestoreFile decodes the artifact at blobPath into outPath, restoring the
// original modification time. When verify is true the artifact's filename
// must be a valid blob id and the decoded content must hash back to it.
func RestoreFile(blobPath, outPath string, verify bool) error {
	wantID := ""
	if verify {
		base := filepath.Base(blobPath)
		if !ValidID(base) {
			return decodeErr("artifact name "+base+" is not a blob id", nil)
		}
		wantID = base
	}

	in, err := os.Open(blobPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	meta, err := DecodeTo(in, out, wantID)
	if err != nil {
		out.Close()
		os.Remove(outPath)
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}

	sec := int64(meta.Mtime)
	nsec := int64((meta.Mtime - float64(sec)) * 1e9)
	mtime := time.Unix(sec, nsec)
	if err := os.Chtimes(outPath, mtime, mtime); err != nil {
		return fmt.Errorf("restore mtime: %w", err)
	}
	return nil
}
