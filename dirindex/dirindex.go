// Package dirindex implements the DirectoriesIndex secondary index from
// spec §4.3: a forward map from directory-digest to its ordered list of
// blob-keys, and an inverse map from blob-key to the set of directory-digests
// that reference it. Three interchangeable backends are provided —
// in-memory, one-file-per-directory, and bbolt-backed — and must agree on
// every observable sequence of operations (spec §8).
package dirindex

import (
	"context"

	"github.com/walles/bazel-buildfarm/digest"
)

// Index is the DirectoriesIndex contract from spec §4.3.
type Index interface {
	// Put inserts the forward mapping directory -> entries and the inverse
	// mapping entry -> {directory} for every entry. entries order is
	// preserved by DirectoryEntries.
	Put(ctx context.Context, directory digest.DirectoryKey, entries []digest.BlobKey) error

	// DirectoryEntries returns the blob-keys for directory in insertion
	// order, or an empty slice if directory is absent.
	DirectoryEntries(ctx context.Context, directory digest.DirectoryKey) ([]digest.BlobKey, error)

	// Remove deletes the forward mapping for directory and retracts the
	// corresponding inverse entries.
	Remove(ctx context.Context, directory digest.DirectoryKey) error

	// RemoveEntry deletes all inverse-map references to entry and returns
	// every directory-digest that had referenced it, so the caller can
	// schedule expiration of each.
	RemoveEntry(ctx context.Context, entry digest.BlobKey) ([]digest.DirectoryKey, error)

	// Start performs any startup work (e.g. opening a database file).
	Start(ctx context.Context) error

	// Close releases any resources held by the index.
	Close() error
}
