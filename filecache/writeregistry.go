package filecache

import (
	"context"
	"sync"
	"time"
)

// defaultWriteIdleTTL bounds how long an open Write may sit without a
// Write() call before the registry reaps it, reclaiming its reservation
// and partial file. This is unrelated to the startup rescan's cross-restart
// cleanup (spec §4.8): it only ever acts on writes still open in this
// process.
const defaultWriteIdleTTL = 10 * time.Minute

const writeReapInterval = time.Minute

// writeRegistry is spec §2 component 8: a bounded (digest, write-id) → Write
// map, reaped on an idle TTL so a client that opens a write and vanishes
// doesn't hold a reservation forever.
type writeRegistry struct {
	mu      sync.Mutex
	entries map[*Write]time.Time
	ttl     time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func newWriteRegistry() *writeRegistry {
	r := &writeRegistry{
		entries: make(map[*Write]time.Time),
		ttl:     defaultWriteIdleTTL,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *writeRegistry) register(w *Write) {
	r.mu.Lock()
	r.entries[w] = time.Now()
	r.mu.Unlock()
}

func (r *writeRegistry) touch(w *Write) {
	r.mu.Lock()
	if _, ok := r.entries[w]; ok {
		r.entries[w] = time.Now()
	}
	r.mu.Unlock()
}

func (r *writeRegistry) unregister(w *Write) {
	r.mu.Lock()
	delete(r.entries, w)
	r.mu.Unlock()
}

func (r *writeRegistry) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(writeReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reapIdle()
		case <-r.stopCh:
			return
		}
	}
}

func (r *writeRegistry) reapIdle() {
	deadline := time.Now().Add(-r.ttl)
	var stale []*Write
	r.mu.Lock()
	for w, last := range r.entries {
		if last.Before(deadline) {
			stale = append(stale, w)
			delete(r.entries, w)
		}
	}
	r.mu.Unlock()

	for _, w := range stale {
		w.cache.logger.Warn("filecache: reaping idle write", "key", w.key, "write_id", w.writeID)
		_ = w.Cancel(context.Background())
	}
}

// Stop halts the reaper goroutine. Open writes are left as-is.
func (r *writeRegistry) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.doneCh
}
