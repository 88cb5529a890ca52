package filecache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/walles/bazel-buildfarm/digest"
	"github.com/walles/bazel-buildfarm/telemetry"
)

// DirectoryIndex resolves a directory digest to its Directory message, the
// collaborator put_directory walks recursively (spec §4.6's
// "directory_index"). A gRPC CAS client or an in-memory fixture can both
// implement this with a single method.
type DirectoryIndex interface {
	Directory(ctx context.Context, d digest.Digest) (digest.Directory, error)
}

// DirectoryIndexFunc adapts a plain function to DirectoryIndex.
type DirectoryIndexFunc func(ctx context.Context, d digest.Digest) (digest.Directory, error)

func (f DirectoryIndexFunc) Directory(ctx context.Context, d digest.Digest) (digest.Directory, error) {
	return f(ctx, d)
}

// PutDirectory materializes the tree rooted at d into the cache root,
// referencing existing blobs and fetching missing ones via put (spec
// §4.6). Concurrent calls for the same digest serialize behind the
// LockMap; different digests materialize in parallel.
func (c *Cache) PutDirectory(ctx context.Context, d digest.Digest, index DirectoryIndex) (string, error) {
	start := time.Now()
	dirKey := digest.MakeDirectoryKey(d)

	if err := c.lockmap.Lock(ctx, string(dirKey)); err != nil {
		return "", err
	}
	defer c.lockmap.Unlock(string(dirKey))

	if path, ok, err := c.tryReuseDirectory(ctx, dirKey); err != nil {
		return "", err
	} else if ok {
		return path, nil
	}

	root := c.directoryPath(dirKey)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("filecache: creating directory root %s: %w", root, err)
	}

	inputs, err := c.materializeDir(ctx, root, d, index)
	if err != nil {
		c.releaseInputs(inputs)
		_ = removeTree(root)
		telemetry.RecordMaterialization(ctx, time.Since(start), true)
		pe := &PutDirectoryError{Digest: d}
		pe.Causes = append(pe.Causes, err)
		return "", pe
	}

	if err := chmodTreeReadOnly(root); err != nil {
		c.releaseInputs(inputs)
		_ = removeTree(root)
		telemetry.RecordMaterialization(ctx, time.Since(start), true)
		return "", &PutDirectoryError{Digest: d, Causes: []error{err}}
	}

	if err := c.dirindex.Put(ctx, dirKey, inputs); err != nil {
		c.releaseInputs(inputs)
		_ = removeTree(root)
		telemetry.RecordMaterialization(ctx, time.Since(start), true)
		return "", &PutDirectoryError{Digest: d, Causes: []error{err}}
	}

	c.mu.Lock()
	c.directories[dirKey] = &directoryEntry{
		root:           root,
		inputs:         inputs,
		existsDeadline: time.Now().Add(c.existsTTL),
	}
	c.mu.Unlock()

	telemetry.RecordMaterialization(ctx, time.Since(start), false)
	return root, nil
}

// tryReuseDirectory implements §4.6 steps 2-3: if DirectoryStorage already
// has a verified entry, reference its inputs and return early; otherwise
// tear down any stale entry found along the way.
func (c *Cache) tryReuseDirectory(ctx context.Context, dirKey digest.DirectoryKey) (string, bool, error) {
	c.mu.Lock()
	entry, ok := c.directories[dirKey]
	if !ok {
		c.mu.Unlock()
		return "", false, nil
	}

	acquired := make([]digest.BlobKey, 0, len(entry.inputs))
	missing := false
	for _, key := range entry.inputs {
		e, present := c.storage[key]
		if !present {
			missing = true
			break
		}
		c.refLocked(e)
		acquired = append(acquired, key)
	}
	c.mu.Unlock()

	if !missing && time.Now().Before(entry.existsDeadline) {
		return entry.root, true, nil
	}
	if !missing {
		if _, err := os.Stat(entry.root); err == nil {
			c.mu.Lock()
			entry.existsDeadline = time.Now().Add(c.existsTTL)
			c.mu.Unlock()
			return entry.root, true, nil
		}
	}

	// Stale: release whatever we acquired and tear the entry down.
	c.mu.Lock()
	for _, key := range acquired {
		c.decrementLocked(key)
	}
	delete(c.directories, dirKey)
	c.mu.Unlock()

	if err := c.dirindex.Remove(ctx, dirKey); err != nil {
		c.logger.Warn("filecache: removing stale directory index entry failed", "directory", dirKey, "error", err)
	}
	_ = removeTree(entry.root)

	return "", false, nil
}

// materializeDir recursively walks d via index, laying down files and
// subdirectories under root, and returns the ordered blob-keys of every
// file input used (spec §4.6 step 4).
func (c *Cache) materializeDir(ctx context.Context, root string, d digest.Digest, index DirectoryIndex) ([]digest.BlobKey, error) {
	dir, err := index.Directory(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("resolving directory %s: %w", d, err)
	}

	var inputs []digest.BlobKey

	for _, file := range dir.Files {
		target := filepath.Join(root, file.Name)
		if file.Digest.IsEmpty() {
			if err := createEmptyFile(target, file.IsExecutable); err != nil {
				return inputs, fmt.Errorf("creating empty file %s: %w", file.Name, err)
			}
			continue
		}
		key, err := c.putFileInput(ctx, file.Digest, file.IsExecutable)
		if err != nil {
			return inputs, fmt.Errorf("materializing file %s: %w", file.Name, err)
		}
		if err := os.Link(c.blobPath(key), target); err != nil {
			c.mu.Lock()
			c.decrementLocked(key)
			c.mu.Unlock()
			return inputs, fmt.Errorf("linking file %s: %w", file.Name, err)
		}
		inputs = append(inputs, key)
	}

	for _, sub := range dir.Directories {
		subRoot := filepath.Join(root, sub.Name)
		if err := os.Mkdir(subRoot, 0o755); err != nil {
			return inputs, fmt.Errorf("creating subdirectory %s: %w", sub.Name, err)
		}
		subInputs, err := c.materializeDir(ctx, subRoot, sub.Digest, index)
		inputs = append(inputs, subInputs...)
		if err != nil {
			return inputs, err
		}
	}

	return inputs, nil
}

// putFileInput references an existing blob-key or, if missing, fetches it
// through the delegate and installs it via put (spec §4.6 step 4's
// "put(file_digest, executable, service)").
func (c *Cache) putFileInput(ctx context.Context, d digest.Digest, executable bool) (digest.BlobKey, error) {
	key := digest.MakeBlobKey(d, executable)

	c.mu.Lock()
	if entry, ok := c.storage[key]; ok {
		c.refLocked(entry)
		c.mu.Unlock()
		return key, nil
	}
	c.mu.Unlock()

	rc, err := c.delegate.NewReader(ctx, d, 0)
	if err != nil {
		return "", fmt.Errorf("fetching %s from delegate: %w", d, err)
	}
	defer func() { _ = rc.Close() }()

	if err := c.putBlocking(ctx, d, executable, rc); err != nil {
		return "", err
	}
	return key, nil
}

// releaseInputs decrements every blob-key reference acquired during a
// failed materialization, part of §4.6 step 6's rollback.
func (c *Cache) releaseInputs(inputs []digest.BlobKey) {
	if len(inputs) == 0 {
		return
	}
	c.mu.Lock()
	for _, key := range inputs {
		c.decrementLocked(key)
	}
	c.mu.Unlock()
}

// chmodTreeReadOnly recursively clears write bits across the whole tree
// (spec §4.6 step 5), including directories once their contents are fixed.
func chmodTreeReadOnly(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.Chmod(path, 0o555)
		}
		mode := os.FileMode(0o444)
		if info.Mode()&0o111 != 0 {
			mode = 0o555
		}
		return os.Chmod(path, mode)
	})
}

// removeTree deletes root, restoring write permission on every directory
// in the tree first. Unlinking a file only needs write+execute on its
// parent directory, not on the file itself, so chmodTreeReadOnly's 0555
// directories would otherwise make os.RemoveAll fail with "permission
// denied" for anything but root; the 0444/0555 file modes are left as they
// are.
func removeTree(root string) error {
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() {
			return nil
		}
		return os.Chmod(path, info.Mode()|0o700)
	})
	return os.RemoveAll(root)
}

// createEmptyFile lays down a zero-size file with the requested executable
// bit, never registering a cache Entry (empty digests never materialize a
// storage entry, spec §3).
func createEmptyFile(path string, executable bool) error {
	mode := os.FileMode(0o444)
	if executable {
		mode = 0o555
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(path, mode)
}
