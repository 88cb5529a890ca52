package filecache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"

	"github.com/walles/bazel-buildfarm/digest"
)

// NewInput opens a read stream for d starting at offset (spec §4.4). A
// local hit is served directly; a total local miss with a size-eligible
// delegate is served through a read-through stream that also populates the
// local cache; otherwise the delegate's stream is surfaced directly.
func (c *Cache) NewInput(ctx context.Context, d digest.Digest, offset int64) (io.ReadCloser, error) {
	if d.IsEmpty() {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	for _, executable := range [2]bool{false, true} {
		key := digest.MakeBlobKey(d, executable)
		rc, ok, err := c.openLocal(key, offset)
		if err != nil {
			return nil, err
		}
		if ok {
			return rc, nil
		}
	}

	if d.Size > c.maxEntrySize {
		rc, err := c.delegate.NewReader(ctx, d, offset)
		if err != nil {
			return nil, mapDelegateErr(err)
		}
		return rc, nil
	}

	return c.newReadThroughStream(ctx, d, offset)
}

// openLocal opens key's file at offset. A missing file triggers self-
// healing removal of the stale Entry (spec §4.4 step 1) so the caller
// falls through to the other executable variant or the delegate.
func (c *Cache) openLocal(key digest.BlobKey, offset int64) (io.ReadCloser, bool, error) {
	c.mu.Lock()
	entry, ok := c.storage[key]
	if ok {
		c.recordAccessLocked(entry)
	}
	c.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	f, err := os.Open(c.blobPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.mu.Lock()
			if current, stillThere := c.storage[key]; stillThere && current == entry {
				delete(c.storage, key)
				if entry.RefCount == 0 {
					c.list.Remove(entry)
				}
				c.sizeInBytes -= entry.Size
			}
			c.mu.Unlock()
			return nil, false, nil
		}
		return nil, false, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, false, err
		}
	}
	return f, true, nil
}

// newReadThroughStream serves bytes from the delegate while concurrently
// writing the complete blob (from offset 0) into a new local Write (spec
// §4.4 step 2). The returned reader discards the first `offset` bytes
// before handing real data to the caller, so the local copy is always
// whole even when the caller only wants a suffix.
func (c *Cache) newReadThroughStream(ctx context.Context, d digest.Digest, offset int64) (io.ReadCloser, error) {
	key := digest.MakeBlobKey(d, false)

	src, err := c.delegate.NewReader(ctx, d, 0)
	if err != nil {
		return nil, mapDelegateErr(err)
	}

	w, err := c.GetWrite(ctx, d, false, nil)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	s := &readThroughStream{ctx: ctx, cache: c, key: key, src: src, w: w, tee: io.TeeReader(src, w)}
	if offset > 0 {
		if _, err := io.CopyN(io.Discard, s.tee, offset); err != nil {
			_ = src.Close()
			_ = w.Cancel(ctx)
			return nil, err
		}
		s.pos = offset
	}

	return s, nil
}

// readThroughStream is the concrete reader returned by newReadThroughStream.
// Re-reads after a seek are not supported, matching spec §4.4's note that
// only sequential reads are. A mid-stream delegate error gives up on this
// stream's own Write (it can never complete without its source) and
// switches to serving the caller from the local file instead, blocking
// until any writer of key installs it (spec §4.4/§5); closing early
// before that point cancels the local Write so a truncated read never
// installs a corrupt entry.
type readThroughStream struct {
	ctx    context.Context
	cache  *Cache
	key    digest.BlobKey
	src    io.ReadCloser
	w      *Write
	tee    io.Reader
	pos    int64
	local  io.ReadCloser
	closed bool
	err    error
}

func (s *readThroughStream) Read(p []byte) (int, error) {
	if s.local != nil {
		n, err := s.local.Read(p)
		s.pos += int64(n)
		return n, err
	}

	n, err := s.tee.Read(p)
	s.pos += int64(n)
	switch {
	case err == nil:
		return n, nil
	case err == io.EOF:
		if closeErr := s.w.Close(s.ctx); closeErr != nil {
			s.err = closeErr
		}
		return n, err
	default:
		if switchErr := s.switchToLocal(); switchErr != nil {
			return n, err
		}
		if n > 0 {
			return n, nil
		}
		return s.Read(p)
	}
}

// switchToLocal abandons this stream's own (now-doomed) Write and blocks
// until any writer installs key's Entry, then reopens the local blob file
// at the position already delivered to the caller.
func (s *readThroughStream) switchToLocal() error {
	s.cache.mu.Lock()
	ch := s.cache.waitForEntryLocked(s.key)
	s.cache.mu.Unlock()

	select {
	case <-ch:
	case <-s.ctx.Done():
		return s.ctx.Err()
	}

	if !s.w.done {
		_ = s.w.Cancel(s.ctx)
	}
	_ = s.src.Close()

	f, err := os.Open(s.cache.blobPath(s.key))
	if err != nil {
		return err
	}
	if s.pos > 0 {
		if _, err := f.Seek(s.pos, io.SeekStart); err != nil {
			_ = f.Close()
			return err
		}
	}
	s.local = f
	return nil
}

func (s *readThroughStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.local != nil {
		return s.local.Close()
	}
	if !s.w.done {
		_ = s.w.Cancel(s.ctx)
	}
	if err := s.src.Close(); err != nil {
		return err
	}
	return s.err
}

func mapDelegateErr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return err
}
