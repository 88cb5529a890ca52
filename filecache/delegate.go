package filecache

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/walles/bazel-buildfarm/backend"
	"github.com/walles/bazel-buildfarm/digest"
	"github.com/walles/bazel-buildfarm/store"
)

// Delegate is the optional secondary ContentAddressableStorage used on
// local miss (read-through, §4.4) and on eviction (write-through, §4.7).
// Spec §6 describes it as exposing "the same operations as the facade";
// this interface narrows that to exactly what Cache actually drives.
type Delegate interface {
	// Contains reports whether digest is present in the delegate.
	Contains(ctx context.Context, d digest.Digest) (bool, error)

	// NewReader opens a stream of digest's bytes starting at offset.
	NewReader(ctx context.Context, d digest.Digest, offset int64) (io.ReadCloser, error)

	// NewWriter opens a destination to write digest's bytes through to the
	// delegate during eviction's write-through cascade (§4.7 step 3).
	NewWriter(ctx context.Context, d digest.Digest) (io.WriteCloser, error)
}

// NopDelegate is a Delegate that has nothing and accepts nothing; it
// exercises the "no delegate configured" path from §4.4/§4.7 through the
// same interface as a real one, rather than a nil check scattered through
// Cache.
type NopDelegate struct{}

func (NopDelegate) Contains(context.Context, digest.Digest) (bool, error) { return false, nil }

func (NopDelegate) NewReader(context.Context, digest.Digest, int64) (io.ReadCloser, error) {
	return nil, ErrNotFound
}

func (NopDelegate) NewWriter(context.Context, digest.Digest) (io.WriteCloser, error) {
	return nil, errors.New("filecache: no delegate configured")
}

var _ Delegate = NopDelegate{}

// StoreDelegate adapts store.CAFS (a content-addressable file store over
// any backend.Backend, e.g. backend.Filesystem) into a Delegate, so a real
// "slower backing store" can be exercised without a gRPC CAS client.
type StoreDelegate struct {
	cafs *store.CAFS
}

// NewStoreDelegate wraps cafs as a Delegate.
func NewStoreDelegate(cafs *store.CAFS) *StoreDelegate {
	return &StoreDelegate{cafs: cafs}
}

func (d *StoreDelegate) Contains(ctx context.Context, dg digest.Digest) (bool, error) {
	return d.cafs.Has(ctx, dg)
}

func (d *StoreDelegate) NewReader(ctx context.Context, dg digest.Digest, offset int64) (io.ReadCloser, error) {
	rc, err := d.cafs.Get(ctx, dg)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if offset <= 0 {
		return rc, nil
	}
	if _, err := io.CopyN(io.Discard, rc, offset); err != nil {
		_ = rc.Close()
		return nil, err
	}
	return rc, nil
}

func (d *StoreDelegate) NewWriter(ctx context.Context, dg digest.Digest) (io.WriteCloser, error) {
	return d.cafs.Writer(ctx, dg)
}

// NewFilesystemDelegate builds a StoreDelegate over a filesystem Backend
// rooted at root, wrapped in backend.InstrumentedBackend so delegate
// traffic shows up in the cafc_delegate_* metrics (telemetry/metrics.go)
// the same way the primary backend's calls would if it were instrumented.
func NewFilesystemDelegate(root string, fn digest.Function) (*StoreDelegate, error) {
	fs, err := backend.NewFilesystem(root)
	if err != nil {
		return nil, fmt.Errorf("filecache: opening delegate backend at %s: %w", root, err)
	}
	instrumented := backend.NewInstrumentedBackend(fs, "delegate-fs")
	return NewStoreDelegate(store.NewCAFS(instrumented, fn)), nil
}

var _ Delegate = (*StoreDelegate)(nil)
