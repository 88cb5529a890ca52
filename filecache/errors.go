package filecache

import (
	"errors"
	"fmt"

	"github.com/walles/bazel-buildfarm/digest"
)

// Error taxonomy from spec §7, implemented as sentinel/typed errors checked
// with errors.Is/errors.As, matching the teacher's backend.ErrNotFound /
// metadb.ErrNotFound sentinel-error idiom.
var (
	// ErrNotFound is returned when a digest is not locally present and
	// there is no delegate, or the delegate also misses.
	ErrNotFound = errors.New("filecache: not found")

	// ErrEntryTooLarge is returned by GetWrite/Put when digest.Size exceeds
	// the cache's MaxEntrySize.
	ErrEntryTooLarge = errors.New("filecache: entry exceeds max entry size")

	// ErrDigestMismatch is returned from a Write's Close when the bytes
	// written hash to something other than the declared digest.
	ErrDigestMismatch = errors.New("filecache: digest mismatch")

	// ErrIncompleteBlob is returned from a Write's Close when fewer bytes
	// were written than the declared size.
	ErrIncompleteBlob = errors.New("filecache: incomplete blob")
)

// PutDirectoryError aggregates every failure encountered while
// materializing a directory tree (spec §4.6, §7's PutDirectoryException).
// The directory is always rolled back before this error is returned.
type PutDirectoryError struct {
	Digest digest.Digest
	Causes []error
}

func (e *PutDirectoryError) Error() string {
	return fmt.Sprintf("filecache: materializing directory %s: %d error(s), first: %v", e.Digest, len(e.Causes), e.Causes[0])
}

func (e *PutDirectoryError) Unwrap() []error {
	return e.Causes
}
