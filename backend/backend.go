// Package backend provides storage backend abstractions reused from the
// teacher's package-proxy cache as the underlying storage for a
// filecache.Delegate — the "slower backing store" spec §6 names as an
// optional collaborator.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for storage backends. Implementations must
// be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, overwriting any existing value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key. Returns ErrNotFound if absent.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key. Returns nil if already absent.
	Delete(ctx context.Context, key string) error

	// Exists checks whether a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// WriterBackend extends Backend with direct writer access, letting a
// caller stream bytes without buffering a Reader first.
type WriterBackend interface {
	Backend

	// Writer returns a WriteCloser for key. The write only commits when
	// Close returns nil.
	Writer(ctx context.Context, key string) (io.WriteCloser, error)
}

// SizeAwareBackend extends Backend with a cheap size lookup.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at key, or ErrNotFound.
	Size(ctx context.Context, key string) (int64, error)
}
