package filecache

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/walles/bazel-buildfarm/config"
	"github.com/walles/bazel-buildfarm/digest"
)

func newTestCache(t *testing.T, maxSize int64) *Cache {
	t.Helper()
	cfg := config.New(t.TempDir(), maxSize, maxSize)
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func putBytes(t *testing.T, c *Cache, data []byte) digest.Digest {
	t.Helper()
	d := digest.BLAKE3.Compute(data)
	c.Put(context.Background(), d, bytes.NewReader(data))
	return d
}

func TestPutGetRoundTrip(t *testing.T) {
	c := newTestCache(t, 1<<20)
	data := []byte("hello, cafc")
	d := putBytes(t, c, data)

	rc, err := c.NewInput(context.Background(), d, 0)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestContainsAndFindMissing(t *testing.T) {
	c := newTestCache(t, 1<<20)
	present := putBytes(t, c, []byte("present"))
	missing := digest.BLAKE3.Compute([]byte("never put"))

	ok, err := c.Contains(context.Background(), present)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Contains(context.Background(), missing)
	require.NoError(t, err)
	require.False(t, ok)

	remain, err := c.FindMissing(context.Background(), []digest.Digest{present, missing})
	require.NoError(t, err)
	require.Equal(t, []digest.Digest{missing}, remain)
}

func TestEmptyDigestAlwaysPresent(t *testing.T) {
	c := newTestCache(t, 1<<20)
	empty := digest.BLAKE3.Empty()

	ok, err := c.Contains(context.Background(), empty)
	require.NoError(t, err)
	require.True(t, ok)

	rc, err := c.NewInput(context.Background(), empty, 0)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Empty(t, data)
	require.NoError(t, rc.Close())
}

// Scenario 1 (spec §8): max_size=100, max_entry=100. Put A (60 bytes),
// then B (60 bytes); eviction removes A so only B remains.
func TestEvictionOnOverBudgetInsert(t *testing.T) {
	cfg := config.New(t.TempDir(), 100, 100)
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	a := putBytes(t, c, bytes.Repeat([]byte("a"), 60))
	require.EqualValues(t, 60, c.Size())
	require.Equal(t, 1, c.EntryCount())

	b := putBytes(t, c, bytes.Repeat([]byte("b"), 60))

	require.EqualValues(t, 60, c.Size())
	require.Equal(t, 1, c.EntryCount())

	okA, err := c.Contains(context.Background(), a)
	require.NoError(t, err)
	require.False(t, okA)

	okB, err := c.Contains(context.Background(), b)
	require.NoError(t, err)
	require.True(t, okB)

	require.EqualValues(t, 1, c.EvictedCount())
	require.EqualValues(t, 60, c.EvictedSize())
}

// Scenario 2 (spec §8): holding a reference to A prevents its eviction
// until the reference is released.
func TestReferenceHoldingPreventsEviction(t *testing.T) {
	cfg := config.New(t.TempDir(), 100, 100)
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	a := putBytes(t, c, bytes.Repeat([]byte("a"), 60))
	aKey := digest.MakeBlobKey(a, false)

	c.mu.Lock()
	entry := c.storage[aKey]
	c.refLocked(entry)
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		w, err := c.GetWrite(context.Background(), digest.BLAKE3.Compute(bytes.Repeat([]byte("b"), 60)), false, nil)
		if err != nil {
			done <- err
			return
		}
		if _, err := w.Write(bytes.Repeat([]byte("b"), 60)); err != nil {
			done <- err
			return
		}
		done <- w.Close(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("get_write for B completed before A's reference was released")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, c.DecrementReferences(context.Background(), []digest.BlobKey{aKey}, nil))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("get_write for B never completed after A's reference was released")
	}
}
