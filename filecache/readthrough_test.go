package filecache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/walles/bazel-buildfarm/config"
	"github.com/walles/bazel-buildfarm/digest"
)

// countingDelegate wraps a Delegate and counts calls, so a test can assert a
// later local hit never reaches through to it again.
type countingDelegate struct {
	Delegate
	reads int
}

func (d *countingDelegate) NewReader(ctx context.Context, dg digest.Digest, offset int64) (io.ReadCloser, error) {
	d.reads++
	return d.Delegate.NewReader(ctx, dg, offset)
}

// Scenario 6 (spec §8): reading a digest present only in the delegate, from
// a non-zero offset, serves the requested suffix while populating the local
// cache with the complete blob; a subsequent read is served locally.
func TestReadThroughMiss(t *testing.T) {
	base, cafs := newDelegate(t)
	delegate := &countingDelegate{Delegate: base}

	cfg := config.New(t.TempDir(), 1<<20, 1<<20, config.WithDelegate(delegate))
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	data := []byte("0123456789abcdef")
	d, err := cafs.Put(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)

	rc, err := c.NewInput(context.Background(), d, 5)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, data[5:], got)
	require.Equal(t, 1, delegate.reads)

	ok, err := c.Contains(context.Background(), d)
	require.NoError(t, err)
	require.True(t, ok, "blob should now be cached locally")

	rc2, err := c.NewInput(context.Background(), d, 0)
	require.NoError(t, err)
	got2, err := io.ReadAll(rc2)
	require.NoError(t, err)
	require.NoError(t, rc2.Close())
	require.Equal(t, data, got2)

	require.Equal(t, 1, delegate.reads, "second read should be served locally without touching the delegate")
}

// flakyReader yields failAt bytes of data successfully, then fails every
// subsequent Read with a non-EOF error, simulating a delegate stream that
// breaks mid-transfer.
type flakyReader struct {
	data   []byte
	pos    int
	failAt int
}

func (r *flakyReader) Read(p []byte) (int, error) {
	if r.pos >= r.failAt {
		return 0, errors.New("simulated delegate read failure")
	}
	n := copy(p, r.data[r.pos:r.failAt])
	r.pos += n
	return n, nil
}

func (r *flakyReader) Close() error { return nil }

type flakyDelegate struct {
	data   []byte
	failAt int
}

func (d *flakyDelegate) Contains(context.Context, digest.Digest) (bool, error) { return true, nil }

func (d *flakyDelegate) NewReader(context.Context, digest.Digest, int64) (io.ReadCloser, error) {
	return &flakyReader{data: d.data, failAt: d.failAt}, nil
}

func (d *flakyDelegate) NewWriter(context.Context, digest.Digest) (io.WriteCloser, error) {
	return nil, errors.New("flakyDelegate: writer not supported")
}

// TestReadThroughSwitchesToLocalOnDelegateError exercises the read-through
// stream's fallback (spec §4.4/§5): when the delegate's stream breaks
// mid-transfer, the reader gives up on its own write and blocks until any
// writer installs the digest locally, then keeps serving the caller from
// that local copy.
func TestReadThroughSwitchesToLocalOnDelegateError(t *testing.T) {
	data := make([]byte, 40)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	delegate := &flakyDelegate{data: data, failAt: 10}

	cfg := config.New(t.TempDir(), 1<<20, 1<<20, config.WithDelegate(delegate))
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	d := digest.BLAKE3.Compute(data)

	rc, err := c.NewInput(context.Background(), d, 0)
	require.NoError(t, err)

	type result struct {
		data []byte
		err  error
	}
	readDone := make(chan result, 1)
	go func() {
		got, err := io.ReadAll(rc)
		readDone <- result{got, err}
	}()

	// Give the reader time to exhaust the flaky stream and block in
	// switchToLocal waiting for any writer to install the digest, then
	// complete it from an unrelated, non-flaky source.
	time.Sleep(20 * time.Millisecond)
	putBytes(t, c, data)

	select {
	case res := <-readDone:
		require.NoError(t, res.err)
		require.Equal(t, data, res.data)
	case <-time.After(2 * time.Second):
		t.Fatal("read never unblocked after a concurrent writer installed the digest")
	}
	require.NoError(t, rc.Close())
}
