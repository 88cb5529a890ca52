package filecache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsSubmittedTasks(t *testing.T) {
	p := newWorkerPool(2)
	defer p.Stop()

	var n int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Submit(func() {
			atomic.AddInt32(&n, 1)
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all submitted tasks ran")
	}
	require.EqualValues(t, 20, atomic.LoadInt32(&n))
}

func TestWorkerPoolSubmitAfterStopRunsSynchronously(t *testing.T) {
	p := newWorkerPool(1)
	p.Stop()

	ran := false
	p.Submit(func() { ran = true })
	require.True(t, ran, "submit after stop should fall back to running the task inline")
}

func TestWorkerPoolStopIsIdempotent(t *testing.T) {
	p := newWorkerPool(1)
	p.Stop()
	require.NotPanics(t, func() { p.Stop() })
}
