package filecache

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/walles/bazel-buildfarm/digest"
	"github.com/walles/bazel-buildfarm/lru"
	"github.com/walles/bazel-buildfarm/telemetry"
)

// Write is the write handle returned by GetWrite (spec §4.5). Each handle
// has its own fresh write-id, so it never continues an earlier partial
// write. The zero value is not usable.
type Write struct {
	cache   *Cache
	key     digest.BlobKey
	digest  digest.Digest
	writeID string

	f         *os.File
	hasher    hash.Hash
	committed int64

	// duplicate marks a Write attached to an already-installed Entry: the
	// caller already holds a reference, Write discards bytes, and Close is
	// a no-op (spec §4.5 step 1).
	duplicate bool
	done      bool

	onInsert func()
}

// Write appends p to the in-flight file, updating the running hash. Bytes
// are discarded without error for a duplicate or already-completed Write.
func (w *Write) Write(p []byte) (int, error) {
	if w.duplicate || w.done {
		return len(p), nil
	}
	n, err := w.f.Write(p)
	if n > 0 {
		_, _ = w.hasher.Write(p[:n])
		w.committed += int64(n)
		w.cache.writes.touch(w)
	}
	return n, err
}

// Close verifies the accumulated bytes against the declared digest and
// installs the blob (spec §4.5 steps 4-6). A duplicate or zero-size Write
// closes trivially. Losing a createLink race to a concurrent writer is not
// an error: Close attaches a reference to the winner's Entry instead.
func (w *Write) Close(ctx context.Context) error {
	if w.duplicate || w.done {
		w.done = true
		return nil
	}
	w.done = true
	w.cache.writes.unregister(w)

	path := w.cache.writePath(w.key, w.writeID)
	cleanup := func() {
		_ = w.f.Close()
		_ = os.Remove(path)
		w.cache.release(w.digest.Size)
	}

	if w.committed != w.digest.Size {
		cleanup()
		return fmt.Errorf("%w: wrote %d bytes, wanted %d", ErrIncompleteBlob, w.committed, w.digest.Size)
	}
	got := digest.Build(fmt.Sprintf("%x", w.hasher.Sum(nil)), w.committed)
	if got.Hash != w.digest.Hash {
		cleanup()
		return fmt.Errorf("%w: wrote hash %s, wanted %s", ErrDigestMismatch, got.Hash, w.digest.Hash)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(path)
		w.cache.release(w.digest.Size)
		return fmt.Errorf("filecache: closing write file: %w", err)
	}

	blobPath := w.cache.blobPath(w.key)
	if err := os.Link(path, blobPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			return w.attachToWinner(path)
		}
		_ = os.Remove(path)
		w.cache.release(w.digest.Size)
		return fmt.Errorf("filecache: installing %s: %w", w.key, err)
	}
	_ = os.Remove(path)

	mode := os.FileMode(0o444)
	if w.key.Executable() {
		mode = 0o555
	}
	_ = os.Chmod(blobPath, mode)

	entry := &lru.Entry{Key: w.key, Size: w.digest.Size, RefCount: 1}
	w.cache.mu.Lock()
	w.cache.storage[w.key] = entry
	w.cache.notifyEntryInstalledLocked(w.key)
	w.cache.mu.Unlock()

	if w.onInsert != nil {
		w.onInsert()
	}
	if w.cache.hooks.OnPut != nil {
		w.cache.hooks.OnPut(w.key)
	}
	telemetry.RecordPut(ctx, w.digest.Size, false)
	return nil
}

// attachToWinner is the createLink-race loser path (spec §4.5 step 5): wait
// up to writeRaceWait for the winner's Entry to appear, then reference it
// instead of installing our own copy.
func (w *Write) attachToWinner(writePath string) error {
	deadline := time.Now().Add(w.cache.writeRaceWait)
	for {
		w.cache.mu.Lock()
		entry, ok := w.cache.storage[w.key]
		if ok {
			w.cache.refLocked(entry)
			w.cache.mu.Unlock()
			_ = os.Remove(writePath)
			w.cache.release(w.digest.Size)
			return nil
		}
		w.cache.mu.Unlock()
		if time.Now().After(deadline) {
			_ = os.Remove(writePath)
			w.cache.release(w.digest.Size)
			return fmt.Errorf("filecache: write race on %s: winner's entry never appeared", w.key)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Cancel abandons the write: the partial file and reservation are
// discarded, or, for a duplicate, the reference taken in GetWrite is
// released (spec §4.5 step 7).
func (w *Write) Cancel(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	if w.duplicate {
		w.cache.mu.Lock()
		w.cache.decrementLocked(w.key)
		w.cache.mu.Unlock()
		return nil
	}
	w.cache.writes.unregister(w)
	_ = w.f.Close()
	_ = os.Remove(w.cache.writePath(w.key, w.writeID))
	w.cache.release(w.digest.Size)
	return nil
}

// GetWrite returns a write handle for d (spec §4.5). Every call opens a new
// in-flight file under a freshly generated write-id, so there is no earlier
// partial write to pick up and the handle starts at zero committed bytes;
// an interrupted write is not resumed. onInsert, if
// non-nil, runs exactly once, only for the thread that actually installs
// the entry (not on a duplicate or a lost createLink race).
func (c *Cache) GetWrite(ctx context.Context, d digest.Digest, executable bool, onInsert func()) (*Write, error) {
	if d.Size > c.maxEntrySize {
		telemetry.RecordGetWriteFailure(ctx)
		return nil, fmt.Errorf("%w: %s", ErrEntryTooLarge, d)
	}
	if d.IsEmpty() {
		return &Write{cache: c, digest: d, duplicate: true, done: true}, nil
	}

	key := digest.MakeBlobKey(d, executable)

	c.mu.Lock()
	if entry, ok := c.storage[key]; ok {
		c.refLocked(entry)
		c.mu.Unlock()
		telemetry.RecordPut(ctx, d.Size, true)
		return &Write{cache: c, key: key, digest: d, duplicate: true}, nil
	}
	c.mu.Unlock()

	if err := c.reserve(ctx, d.Size); err != nil {
		return nil, err
	}

	writeID := uuid.NewString()
	path := c.writePath(key, writeID)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		c.release(d.Size)
		return nil, fmt.Errorf("filecache: opening write file: %w", err)
	}

	hasher := c.fn.NewHasher()
	committed, err := io.Copy(hasher, f)
	if err != nil {
		_ = f.Close()
		c.release(d.Size)
		return nil, fmt.Errorf("filecache: resuming partial write: %w", err)
	}

	w := &Write{
		cache:     c,
		key:       key,
		digest:    d,
		writeID:   writeID,
		f:         f,
		hasher:    hasher,
		committed: committed,
		onInsert:  onInsert,
	}
	c.writes.register(w)
	return w, nil
}

// Put writes blob's bytes as a non-executable entry (spec §4.1 put()).
// Ingestion failures are logged, never returned: callers of put are not
// expected to handle cache-layer errors. On success the entry is left
// unreferenced, at the LRU list's most-recently-used position.
func (c *Cache) Put(ctx context.Context, d digest.Digest, blob io.Reader) {
	if err := c.putBlocking(ctx, d, false, blob); err != nil {
		c.logger.Warn("filecache: put failed", "digest", d, "error", err)
		return
	}
	c.mu.Lock()
	c.decrementLocked(digest.MakeBlobKey(d, false))
	c.mu.Unlock()
}

// putBlocking is the error-returning core of Put, also used internally by
// directory materialization (§4.6 step 4) to fetch a missing file input.
// On success the caller holds one reference on the installed entry.
func (c *Cache) putBlocking(ctx context.Context, d digest.Digest, executable bool, r io.Reader) error {
	if d.IsEmpty() {
		_, err := io.Copy(io.Discard, r)
		return err
	}

	w, err := c.GetWrite(ctx, d, executable, nil)
	if err != nil {
		return err
	}
	if w.duplicate {
		_, err := io.Copy(io.Discard, r)
		_ = w.Close(ctx)
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Cancel(ctx)
		return err
	}
	return w.Close(ctx)
}
