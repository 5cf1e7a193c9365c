package pipeline

import "time"

// PayloadKind says how the compress stage gets at an item's bytes.
type PayloadKind int

const (
	// PayloadInline carries the full content in Item.Data. Used for small
	// files so they are read from disk exactly once.
	PayloadInline PayloadKind = iota

	// PayloadReread tells the compress stage to read the file again from
	// source. Used for mid-size files where holding the bytes in flight
	// would crowd out other items.
	PayloadReread

	// PayloadStream tells the compress stage to stream the file through
	// the frame encoder without ever buffering it whole. Used for files
	// larger than one frame.
	PayloadStream
)

// Item is the unit of work threaded from the hash stage to the compress
// stage. The hash stage creates it with the blob id already computed;
// the compress stage consumes it and must call Release when done with it
// so inline buffers are dropped promptly even if the item erred out.
type Item struct {
	Path    string // queue key, relative to the archive root
	AbsPath string // absolute source path
	Size    int64
	Mtime   time.Time
	BlobID  string
	Kind    PayloadKind
	Data    []byte // only for PayloadInline
}

// Release drops the inline payload. Safe to call more than once.
func (it *Item) Release() {
	it.Data = nil
}
