// Package store adapts the teacher's content-addressable file store to key
// blobs by digest.Digest instead of a fixed-size hash array, so it can back
// a filecache.Delegate directly. The teacher's MetadataTracker hook is
// dropped: expiry bookkeeping is the owning filecache.Cache's Entry/LRU
// responsibility, not the delegate's (see DESIGN.md).
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/walles/bazel-buildfarm/backend"
	"github.com/walles/bazel-buildfarm/digest"
)

// blobPrefix is the prefix for blob storage keys.
const blobPrefix = "blobs"

// PutResult describes the outcome of a Put/PutWithResult call.
type PutResult struct {
	Digest digest.Digest
	Exists bool
}

// CAFS implements content-addressable file storage over a backend.Backend.
// Content is stored in a sharded directory structure keyed by digest.
type CAFS struct {
	backend backend.Backend
	fn      digest.Function
}

// NewCAFS creates a new content-addressable file store using fn to verify
// and, when the reader arrives undigested, compute content digests.
func NewCAFS(b backend.Backend, fn digest.Function) *CAFS {
	return &CAFS{backend: b, fn: fn}
}

// Put stores content and returns its digest.
func (c *CAFS) Put(ctx context.Context, r io.Reader) (digest.Digest, error) {
	result, err := c.PutWithResult(ctx, r)
	if err != nil {
		return digest.Digest{}, err
	}
	return result.Digest, nil
}

// PutWithResult stores content and returns detailed information. Uses a
// temp file to avoid memory exhaustion for large content.
func (c *CAFS) PutWithResult(ctx context.Context, r io.Reader) (*PutResult, error) {
	tmpFile, err := os.CreateTemp("", "cafs-upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmpFile.Name()) }()
	defer func() { _ = tmpFile.Close() }()

	hasher := c.fn.NewHasher()
	n, err := io.Copy(io.MultiWriter(tmpFile, hasher), r)
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}

	dg := digest.Build(fmt.Sprintf("%x", hasher.Sum(nil)), n)
	key := c.digestToKey(dg)

	exists, err := c.backend.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		return &PutResult{Digest: dg, Exists: true}, nil
	}

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking temp file: %w", err)
	}
	if err := c.backend.Write(ctx, key, tmpFile); err != nil {
		return nil, fmt.Errorf("writing content: %w", err)
	}

	return &PutResult{Digest: dg, Exists: false}, nil
}

// PutBytes is a convenience method for storing bytes.
func (c *CAFS) PutBytes(ctx context.Context, data []byte) (digest.Digest, error) {
	return c.Put(ctx, bytes.NewReader(data))
}

// Get retrieves content by its digest.
func (c *CAFS) Get(ctx context.Context, dg digest.Digest) (io.ReadCloser, error) {
	key := c.digestToKey(dg)
	rc, err := c.backend.Read(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return rc, nil
}

// GetBytes is a convenience method for retrieving content as bytes.
func (c *CAFS) GetBytes(ctx context.Context, dg digest.Digest) ([]byte, error) {
	rc, err := c.Get(ctx, dg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return data, nil
}

// Has checks if content with the given digest exists.
func (c *CAFS) Has(ctx context.Context, dg digest.Digest) (bool, error) {
	return c.backend.Exists(ctx, c.digestToKey(dg))
}

// Delete removes content by its digest.
func (c *CAFS) Delete(ctx context.Context, dg digest.Digest) error {
	return c.backend.Delete(ctx, c.digestToKey(dg))
}

// Size returns the size of content with the given digest.
func (c *CAFS) Size(ctx context.Context, dg digest.Digest) (int64, error) {
	key := c.digestToKey(dg)

	if sb, ok := c.backend.(backend.SizeAwareBackend); ok {
		size, err := sb.Size(ctx, key)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				return 0, backend.ErrNotFound
			}
			return 0, fmt.Errorf("getting size: %w", err)
		}
		return size, nil
	}

	rc, err := c.backend.Read(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return 0, backend.ErrNotFound
		}
		return 0, fmt.Errorf("reading content: %w", err)
	}
	defer func() { _ = rc.Close() }()

	size, err := io.Copy(io.Discard, rc)
	if err != nil {
		return 0, fmt.Errorf("reading content for size: %w", err)
	}
	return size, nil
}

// List returns all digests in the store.
func (c *CAFS) List(ctx context.Context) ([]digest.Digest, error) {
	keys, err := c.backend.List(ctx, blobPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}

	digests := make([]digest.Digest, 0, len(keys))
	for _, key := range keys {
		dg, err := c.keyToDigest(key)
		if err != nil {
			continue
		}
		digests = append(digests, dg)
	}
	return digests, nil
}

// Writer returns a WriteCloser that streams content into the store, hashing
// as it goes; Close verifies the accumulated digest matches dg before
// committing the write.
func (c *CAFS) Writer(ctx context.Context, dg digest.Digest) (io.WriteCloser, error) {
	return newVerifyingWriter(ctx, c, dg), nil
}

// digestToKey converts a digest to a storage key.
// Format: blobs/{first-byte-hex}/{full-hash-hex}-{size}
func (c *CAFS) digestToKey(dg digest.Digest) string {
	return fmt.Sprintf("%s/%s/%s-%d", blobPrefix, dg.Hash[:2], dg.Hash, dg.Size)
}

// keyToDigest extracts a digest from a storage key.
func (c *CAFS) keyToDigest(key string) (digest.Digest, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != blobPrefix {
		return digest.Digest{}, fmt.Errorf("invalid key format: %s", key)
	}
	hashAndSize := strings.SplitN(parts[2], "-", 2)
	if len(hashAndSize) != 2 {
		return digest.Digest{}, fmt.Errorf("invalid key format: %s", key)
	}
	size, err := strconv.ParseInt(hashAndSize[1], 10, 64)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("invalid key format: %s", key)
	}
	return digest.Build(hashAndSize[0], size), nil
}

// verifyingWriter buffers writes to a temp file, hashing as it writes, and
// commits on Close only if the accumulated content matches the declared
// digest.
type verifyingWriter struct {
	ctx    context.Context
	cafs   *CAFS
	want   digest.Digest
	tmp    *os.File
	hasher io.Writer
	sum    func() []byte
	n      int64
	closed bool
}

func newVerifyingWriter(ctx context.Context, cafs *CAFS, want digest.Digest) *verifyingWriter {
	tmp, err := os.CreateTemp("", "cafs-write-*")
	if err != nil {
		return &verifyingWriter{ctx: ctx, cafs: cafs, want: want, closed: true}
	}
	hasher := cafs.fn.NewHasher()
	return &verifyingWriter{
		ctx: ctx, cafs: cafs, want: want, tmp: tmp,
		hasher: hasher, sum: func() []byte { return hasher.Sum(nil) },
	}
}

func (w *verifyingWriter) Write(p []byte) (int, error) {
	if w.tmp == nil {
		return 0, fmt.Errorf("store: writer failed to open temp file")
	}
	n, err := w.tmp.Write(p)
	if n > 0 {
		_, _ = w.hasher.Write(p[:n])
		w.n += int64(n)
	}
	return n, err
}

func (w *verifyingWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer func() { _ = os.Remove(w.tmp.Name()) }()
	defer func() { _ = w.tmp.Close() }()

	got := digest.Build(fmt.Sprintf("%x", w.sum()), w.n)
	if got != w.want {
		return fmt.Errorf("store: digest mismatch: wrote %s, wanted %s", got, w.want)
	}
	if _, err := w.tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking temp file: %w", err)
	}
	if err := w.cafs.backend.Write(w.ctx, w.cafs.digestToKey(w.want), w.tmp); err != nil {
		return fmt.Errorf("writing content: %w", err)
	}
	return nil
}
