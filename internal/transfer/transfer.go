// Package transfer moves staged artifacts to the archive store. The
// contract is all-or-nothing per batch: Send either confirms the whole
// manifest reached the destination (and the sources are gone) or reports
// failure, in which case every source file is still present for retry.
package transfer

import "context"

// Transferer sends a batch of staged files to the archive destination.
// Paths are relative to stagingDir and the relative layout is preserved
// at the destination. On success the source files have been removed.
type Transferer interface {
	Send(ctx context.Context, stagingDir string, relPaths []string) error
}
