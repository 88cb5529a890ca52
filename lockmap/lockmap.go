// Package lockmap provides a per-key mutual-exclusion map, used to serialize
// directory materialization of the same digest (spec §4, §4.6) while letting
// unrelated digests materialize in parallel.
package lockmap

import (
	"context"
	"sync"
)

// Map lazily creates one mutex per key and reclaims it once its last holder
// releases, so the map never grows unbounded with respect to historical
// keys — only keys with an active waiter or holder occupy memory.
type Map struct {
	mu      sync.Mutex
	entries map[string]*refCountedMutex
}

type refCountedMutex struct {
	mu       sync.Mutex
	waiters  int // protected by Map.mu
}

// New returns an empty Map.
func New() *Map {
	return &Map{entries: make(map[string]*refCountedMutex)}
}

// Lock acquires the mutex for key, blocking until it is free or ctx is
// cancelled. On success, the caller must call Unlock(key) exactly once.
func (m *Map) Lock(ctx context.Context, key string) error {
	entry := m.acquireRef(key)

	done := make(chan struct{})
	go func() {
		entry.mu.Lock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The goroutine above may still be blocked waiting for entry.mu; let
		// it finish and immediately unlock so we don't leak the lock forever.
		go func() {
			<-done
			entry.mu.Unlock()
			m.releaseRef(key)
		}()
		return ctx.Err()
	}
}

// Unlock releases the mutex held for key. It is a programming error to call
// Unlock without a matching successful Lock.
func (m *Map) Unlock(key string) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		panic("lockmap: unlock of key with no active lock: " + key)
	}
	entry.mu.Unlock()
	m.releaseRef(key)
}

func (m *Map) acquireRef(key string) *refCountedMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		entry = &refCountedMutex{}
		m.entries[key] = entry
	}
	entry.waiters++
	return entry
}

func (m *Map) releaseRef(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return
	}
	entry.waiters--
	if entry.waiters == 0 {
		delete(m.entries, key)
	}
}
