package lockmap_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walles/bazel-buildfarm/lockmap"
)

func TestLockSerializesSameKey(t *testing.T) {
	m := lockmap.New()
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, m.Lock(ctx, "digest-a"))
			defer m.Unlock("digest-a")
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(time.Millisecond)
		}(i)
	}
	wg.Wait()
	assert.Len(t, order, 5)
}

func TestLockDifferentKeysConcurrent(t *testing.T) {
	m := lockmap.New()
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, "a"))
	defer m.Unlock("a")

	done := make(chan struct{})
	go func() {
		require.NoError(t, m.Lock(ctx, "b"))
		m.Unlock("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on unrelated key blocked")
	}
}

func TestLockRespectsCancellation(t *testing.T) {
	m := lockmap.New()
	require.NoError(t, m.Lock(context.Background(), "held"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.Lock(ctx, "held")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m.Unlock("held")
}
