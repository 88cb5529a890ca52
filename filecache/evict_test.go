package filecache

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walles/bazel-buildfarm/backend"
	"github.com/walles/bazel-buildfarm/config"
	"github.com/walles/bazel-buildfarm/digest"
	"github.com/walles/bazel-buildfarm/store"
)

func newDelegate(t *testing.T) (*StoreDelegate, *store.CAFS) {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	cafs := store.NewCAFS(fs, digest.BLAKE3)
	return NewStoreDelegate(cafs), cafs
}

// Scenario 5 (spec §8): max_size=100, max_entry=100, with a delegate
// configured. Put A (60 bytes), then put B (60 bytes); evicting A
// write-throughs A's bytes to the delegate before removing A's local file.
func TestEvictionWriteThroughToDelegate(t *testing.T) {
	delegate, cafs := newDelegate(t)

	cfg := config.New(t.TempDir(), 100, 100, config.WithDelegate(delegate))
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	aData := bytes.Repeat([]byte("a"), 60)
	a := putBytes(t, c, aData)

	ok, err := cafs.Has(context.Background(), a)
	require.NoError(t, err)
	require.False(t, ok, "A should not be in the delegate before eviction")

	putBytes(t, c, bytes.Repeat([]byte("b"), 60))

	okA, err := c.containsLocal(a)
	require.NoError(t, err)
	require.False(t, okA, "A should have been evicted locally")

	got, err := cafs.GetBytes(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, aData, got)
}

// TestEvictionWriteThroughToInstrumentedDelegate is
// TestEvictionWriteThroughToDelegate's scenario again, but through
// NewFilesystemDelegate's backend.InstrumentedBackend wrapping instead of a
// bare backend.Filesystem, so the instrumented path actually gets exercised
// by something.
func TestEvictionWriteThroughToInstrumentedDelegate(t *testing.T) {
	delegate, err := NewFilesystemDelegate(t.TempDir(), digest.BLAKE3)
	require.NoError(t, err)

	cfg := config.New(t.TempDir(), 100, 100, config.WithDelegate(delegate))
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	aData := bytes.Repeat([]byte("a"), 60)
	a := putBytes(t, c, aData)
	putBytes(t, c, bytes.Repeat([]byte("b"), 60))

	okA, err := c.containsLocal(a)
	require.NoError(t, err)
	require.False(t, okA, "A should have been evicted locally")

	ok, err := delegate.Contains(context.Background(), a)
	require.NoError(t, err)
	require.True(t, ok, "A should have been written through to the delegate")
}
