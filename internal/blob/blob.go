// Package blob implements the content-addressed artifact codec. A blob is
// a JSON envelope holding LZ4-compressed content plus plaintext metadata,
// named by the BLAKE3 hash of the raw bytes. The hash is computed before
// compression, so identical content always yields an identical blob id
// regardless of compression parameters.
package blob

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// FrameSize is the fixed frame size for multi-frame encoding. Payloads
// larger than one frame are split into independently compressed frames so
// decode can stream with bounded memory.
const FrameSize = 10 << 20

// EncodingMultiFrame is the envelope marker for multi-frame content.
const EncodingMultiFrame = "lz4-multiframe"

// Metadata is the plaintext metadata carried alongside the compressed
// content. Mtime is Unix seconds with fractional part.
type Metadata struct {
	Size       int64   `json:"size"`
	Mtime      float64 `json:"mtime"`
	Filetype   string  `json:"filetype"`
	Encryption bool    `json:"encryption"`
}

// Sum returns the blob id for raw content.
func Sum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumReader hashes a stream and returns the blob id and byte count.
func SumReader(r io.Reader) (string, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// NewMetadata fills Metadata from content.
func NewMetadata(data []byte, mtime time.Time) Metadata {
	return Metadata{
		Size:     int64(len(data)),
		Mtime:    float64(mtime.UnixNano()) / 1e9,
		Filetype: mimetype.Detect(data).String(),
	}
}

func compressFrame(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressFrame(data []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(data))
	return io.ReadAll(zr)
}

// Encode turns raw content into (blob id, artifact bytes). Content at most
// one frame long becomes a single compressed block; anything larger becomes
// a multi-frame envelope.
func Encode(data []byte, meta Metadata) (string, []byte, error) {
	id := Sum(data)

	var buf bytes.Buffer
	if err := writeEnvelope(&buf, data, meta); err != nil {
		return "", nil, err
	}
	return id, buf.Bytes(), nil
}

func marshalMetadata(meta Metadata) (string, error) {
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// writeEnvelope emits the JSON envelope for content onto w. Frames are
// emitted one at a time so callers streaming to disk never hold more than
// one compressed frame in memory beyond the input itself.
func writeEnvelope(w io.Writer, data []byte, meta Metadata) error {
	metaJSON, err := marshalMetadata(meta)
	if err != nil {
		return err
	}

	if int64(len(data)) <= FrameSize {
		frame, err := compressFrame(data)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, `{"content": "`); err != nil {
			return err
		}
		if err := writeBase64(w, frame); err != nil {
			return err
		}
		_, err = io.WriteString(w, `", "metadata": `+metaJSON+"}")
		return err
	}

	if _, err := io.WriteString(w, `{"content": {"encoding": "`+EncodingMultiFrame+`", "frames": [`); err != nil {
		return err
	}
	for offset := int64(0); offset < int64(len(data)); offset += FrameSize {
		end := offset + FrameSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		frame, err := compressFrame(data[offset:end])
		if err != nil {
			return err
		}
		if offset > 0 {
			if _, err := io.WriteString(w, ", "); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, `"`); err != nil {
			return err
		}
		if err := writeBase64(w, frame); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `"`); err != nil {
			return err
		}
	}
	_, err = io.WriteString(w, `]}, "metadata": `+metaJSON+"}")
	return err
}

// writeBase64 base64-encodes data onto w. The base64 alphabet needs no
// JSON escaping, so the encoded text can be written inside a JSON string
// literal directly.
func writeBase64(w io.Writer, data []byte) error {
	enc := base64.NewEncoder(base64.StdEncoding, w)
	if _, err := enc.Write(data); err != nil {
		return err
	}
	return enc.Close()
}

// Decode restores raw content from an artifact. If wantID is non-empty the
// decoded content is re-hashed and compared against it, returning
// IntegrityError on mismatch.
func Decode(artifact []byte, wantID string) ([]byte, Metadata, error) {
	var out bytes.Buffer
	meta, err := DecodeTo(bytes.NewReader(artifact), &out, wantID)
	if err != nil {
		return nil, Metadata{}, err
	}
	return out.Bytes(), meta, nil
}

// DecodeTo streams the decoded content of an artifact onto w, never
// materializing more than one frame at a time. It detects single-block vs
// multi-frame envelopes, verifies the recomputed hash against wantID when
// wantID is non-empty, and returns the envelope metadata.
func DecodeTo(r io.Reader, w io.Writer, wantID string) (Metadata, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return Metadata{}, decodeErr("read envelope", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return Metadata{}, decodeErr("envelope is not a JSON object", nil)
	}

	var meta Metadata
	var haveContent, haveMeta bool
	h := blake3.New()

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Metadata{}, decodeErr("read envelope key", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return Metadata{}, decodeErr("envelope key is not a string", nil)
		}
		switch key {
		case "content":
			if err := decodeContent(dec, io.MultiWriter(w, h)); err != nil {
				return Metadata{}, err
			}
			haveContent = true
		case "metadata":
			if err := dec.Decode(&meta); err != nil {
				return Metadata{}, decodeErr("parse metadata", err)
			}
			haveMeta = true
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return Metadata{}, decodeErr("skip envelope field", err)
			}
		}
	}
	if !haveContent {
		return Metadata{}, decodeErr("envelope has no content", nil)
	}
	if !haveMeta {
		return Metadata{}, decodeErr("envelope has no metadata", nil)
	}

	if wantID != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if got != wantID {
			return meta, &IntegrityError{Want: wantID, Got: got}
		}
	}
	return meta, nil
}

// decodeContent handles both content shapes: a bare base64 string (single
// block) or {"encoding": "lz4-multiframe", "frames": [...]}.
func decodeContent(dec *json.Decoder, w io.Writer) error {
	tok, err := dec.Token()
	if err != nil {
		return decodeErr("read content", err)
	}

	switch v := tok.(type) {
	case string:
		return decodeBlock(v, w)
	case json.Delim:
		if v != '{' {
			return decodeErr("unexpected content shape", nil)
		}
	default:
		return decodeErr("unexpected content shape", nil)
	}

	var encoding string
	framesDone := false
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return decodeErr("read content key", err)
		}
		key, _ := keyTok.(string)
		switch key {
		case "encoding":
			if err := dec.Decode(&encoding); err != nil {
				return decodeErr("parse content encoding", err)
			}
			if encoding != EncodingMultiFrame {
				return decodeErr("unsupported content encoding "+encoding, nil)
			}
		case "frames":
			tok, err := dec.Token()
			if err != nil {
				return decodeErr("read frames", err)
			}
			if d, ok := tok.(json.Delim); !ok || d != '[' {
				return decodeErr("frames is not an array", nil)
			}
			for dec.More() {
				var frame string
				if err := dec.Decode(&frame); err != nil {
					return decodeErr("read frame", err)
				}
				if err := decodeBlock(frame, w); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil { // closing ]
				return decodeErr("read frames end", err)
			}
			framesDone = true
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return decodeErr("skip content field", err)
			}
		}
	}
	if _, err := dec.Token(); err != nil { // closing }
		return decodeErr("read content end", err)
	}
	if !framesDone {
		return decodeErr("multi-frame content has no frames", nil)
	}
	return nil
}

func decodeBlock(b64 string, w io.Writer) error {
	compressed, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return decodeErr("base64 content", err)
	}
	raw, err := decompressFrame(compressed)
	if err != nil {
		return decodeErr("lz4 content", err)
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	return nil
}
