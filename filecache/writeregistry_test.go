package filecache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/walles/bazel-buildfarm/digest"
)

// TestWriteRegistryReapsIdleWrites verifies that a Write left open past its
// idle TTL is cancelled by the background reaper, releasing its reservation.
func TestWriteRegistryReapsIdleWrites(t *testing.T) {
	c := newTestCache(t, 1<<20)

	// The reaper's own background goroutine ticks once a minute regardless
	// of ttl (writeReapInterval is a fixed constant, decoupled from how
	// stale an entry has to be to qualify) -- too slow to wait on directly
	// in a test, so this exercises reapIdle's logic without the ticker.
	c.writes.Stop()
	r := &writeRegistry{
		entries: make(map[*Write]time.Time),
		ttl:     20 * time.Millisecond,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	close(r.doneCh)
	c.writes = r

	w, err := c.GetWrite(context.Background(), digest.BLAKE3.Compute(bytes.Repeat([]byte("q"), 30)), false, nil)
	require.NoError(t, err)
	require.EqualValues(t, 30, c.Size())

	time.Sleep(30 * time.Millisecond)
	r.reapIdle()

	r.mu.Lock()
	_, stillOpen := r.entries[w]
	r.mu.Unlock()
	require.False(t, stillOpen)
	require.EqualValues(t, 0, c.Size(), "reaping an idle write should release its reservation")
}

func TestWriteRegistryTouchKeepsWriteAlive(t *testing.T) {
	c := newTestCache(t, 1<<20)

	c.writes.Stop()
	r := &writeRegistry{
		entries: make(map[*Write]time.Time),
		ttl:     30 * time.Millisecond,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go r.run()
	t.Cleanup(r.Stop)
	c.writes = r

	d := digest.BLAKE3.Compute(bytes.Repeat([]byte("z"), 40))
	w, err := c.GetWrite(context.Background(), d, false, nil)
	require.NoError(t, err)

	// Dribble writes in over a span longer than the TTL, each one touching
	// the registry entry, with a pause shorter than the TTL between them.
	// The background reaper ticks far too slowly to run here, so reapIdle
	// is called directly after each pause.
	for i := 0; i < 4; i++ {
		_, err = w.Write(bytes.Repeat([]byte("z"), 10))
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
		r.reapIdle()
	}

	require.NoError(t, w.Close(context.Background()))

	ok, err := c.Contains(context.Background(), d)
	require.NoError(t, err)
	require.True(t, ok, "a write kept alive by periodic Write calls should still complete")
}
