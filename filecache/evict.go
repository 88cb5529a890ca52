package filecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/walles/bazel-buildfarm/digest"
	"github.com/walles/bazel-buildfarm/telemetry"
)

// reserve grows the budget by size, evicting entries one at a time while
// over max_size_in_bytes (spec §4.5 step 2 / §4.7). It returns an error
// only if ctx is cancelled while waiting for budget to free up; the
// reservation is rolled back in that case.
func (c *Cache) reserve(ctx context.Context, size int64) error {
	c.mu.Lock()
	c.sizeInBytes += size
	for c.sizeInBytes > c.maxSizeBytes {
		evicted, err := c.expireEntryLocked(ctx)
		if err != nil {
			c.sizeInBytes -= size
			c.mu.Unlock()
			return err
		}
		if !evicted && c.sizeInBytes <= c.maxSizeBytes {
			break
		}
	}
	c.mu.Unlock()
	return nil
}

// release shrinks the budget by size and wakes anyone blocked in reserve or
// expireEntryLocked.
func (c *Cache) release(size int64) {
	c.mu.Lock()
	c.sizeInBytes -= size
	c.cond.Broadcast()
	c.mu.Unlock()
}

// expireEntryLocked implements one iteration of §4.7's algorithm. Callers
// must hold c.mu; it is released and re-acquired around blocking I/O.
// Returns evicted=false with a nil error when a concurrent decrement or
// eviction already resolved the overrun (the race described in step 1).
func (c *Cache) expireEntryLocked(ctx context.Context) (evicted bool, err error) {
	start := time.Now()
	for c.list.Empty() {
		if c.sizeInBytes <= c.maxSizeBytes {
			return false, nil
		}
		if err := c.condWaitCtx(ctx); err != nil {
			return false, err
		}
		if c.sizeInBytes <= c.maxSizeBytes {
			return false, nil
		}
	}

	entry := c.list.Front()
	if entry.RefCount != 0 {
		panic(fmt.Sprintf("filecache: LRU front %s has ref_count %d, want 0", entry.Key, entry.RefCount))
	}
	key := entry.Key
	size := entry.Size
	path := c.blobPath(key)

	c.list.Remove(entry)
	c.mu.Unlock()

	if _, nop := c.delegate.(NopDelegate); !nop {
		if err := c.writeThrough(ctx, key, path); err != nil {
			c.logger.Warn("filecache: write-through to delegate failed", "key", key, "error", err)
		}
	}

	idxStart := time.Now()
	dirKeys, idxErr := c.dirindex.RemoveEntry(ctx, key)
	if idxErr != nil {
		c.logger.Warn("filecache: removing directory index entries failed", "key", key, "error", idxErr)
	}
	telemetry.RecordDirIndexReap(ctx, time.Since(idxStart), len(dirKeys))

	if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		c.logger.Warn("filecache: removing evicted blob file failed", "key", key, "error", rmErr)
	}

	c.mu.Lock()
	if current, ok := c.storage[key]; ok && current == entry {
		delete(c.storage, key)
	}
	c.sizeInBytes -= size
	c.evictedCount++
	c.evictedSize += size
	c.cond.Broadcast()

	if c.hooks.OnExpire != nil {
		c.hooks.OnExpire(key, size)
	}

	// Submit may run the task inline, and removeDirectory takes c.mu.
	c.mu.Unlock()
	for _, dk := range dirKeys {
		dk := dk
		c.cascade.Submit(func() { c.removeDirectory(context.Background(), dk) })
	}
	c.mu.Lock()

	telemetry.RecordEvictionRun(ctx, time.Since(start), size)
	return true, nil
}

// writeThrough streams path's content into the delegate's writer for key's
// digest (spec §4.7 step 3). Best-effort: errors are returned for logging,
// never surfaced to the caller of reserve.
func (c *Cache) writeThrough(ctx context.Context, key digest.BlobKey, path string) error {
	d, _, err := key.Digest()
	if err != nil {
		return fmt.Errorf("recovering digest from key: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s for write-through: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	w, err := c.delegate.NewWriter(ctx, d)
	if err != nil {
		return fmt.Errorf("opening delegate writer: %w", err)
	}
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("copying to delegate: %w", err)
	}
	return w.Close()
}

// ShrinkTo evicts unreferenced entries until the cache's total size is at
// or below target, or every unreferenced entry has been evicted. It is an
// operator-driven counterpart to reserve's automatic budget enforcement,
// for a "gc" command run against an already-full cache.
func (c *Cache) ShrinkTo(ctx context.Context, target int64) error {
	c.mu.Lock()
	for c.sizeInBytes > target && !c.list.Empty() {
		if _, err := c.expireEntryLocked(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()
	return nil
}

// removeDirectory tears down a materialized tree that has lost one of its
// referenced files (spec §4.7 step 4's cascading directory eviction). Run
// on the cascade worker pool so it never blocks the eviction that
// triggered it.
func (c *Cache) removeDirectory(ctx context.Context, dk digest.DirectoryKey) {
	c.mu.Lock()
	entry, ok := c.directories[dk]
	if ok {
		delete(c.directories, dk)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := c.dirindex.Remove(ctx, dk); err != nil {
		c.logger.Warn("filecache: removing directory index entry failed", "directory", dk, "error", err)
	}
	if err := removeTree(entry.root); err != nil {
		c.logger.Warn("filecache: removing materialized tree failed", "directory", dk, "root", entry.root, "error", err)
	}
}
