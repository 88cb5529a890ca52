package filecache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/walles/bazel-buildfarm/digest"
	"github.com/walles/bazel-buildfarm/lru"
)

// StartupResults summarizes a completed rescan (spec §4.8's
// "StartupCacheResults").
type StartupResults struct {
	Root        string
	Duration    time.Duration
	Accepted    int
	Rejected    int
	Directories int
	Bytes       int64
}

// scanAccept is one blob file the Scan phase decided to keep.
type scanAccept struct {
	key  digest.BlobKey
	size int64
	ino  uint64
}

// Start performs the startup rescan (spec §4.8). If skipLoad is true, root
// is deleted and recreated empty instead of being scanned.
func (c *Cache) Start(ctx context.Context, skipLoad bool) (*StartupResults, error) {
	begin := time.Now()

	if skipLoad {
		if err := removeTree(c.root); err != nil {
			return nil, fmt.Errorf("filecache: clearing root for skip_load: %w", err)
		}
		if err := os.MkdirAll(c.root, 0o755); err != nil {
			return nil, fmt.Errorf("filecache: recreating root: %w", err)
		}
		if err := c.dirindex.Start(ctx); err != nil {
			return nil, fmt.Errorf("filecache: starting directories index: %w", err)
		}
		return &StartupResults{Root: c.root, Duration: time.Since(begin)}, nil
	}

	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return nil, fmt.Errorf("filecache: creating root: %w", err)
	}

	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("filecache: reading root: %w", err)
	}
	entries = c.excludeIndexPath(entries)

	accepted, dirNames, toDelete := c.scanRoot(entries)
	rejectedFiles := len(toDelete)

	inodeIndex := make(map[uint64]digest.BlobKey, len(accepted))
	var bytesTotal int64
	c.mu.Lock()
	for _, a := range accepted {
		entry := &lru.Entry{Key: a.key, Size: a.size, RefCount: 0}
		c.storage[a.key] = entry
		c.list.PushBack(entry)
		c.sizeInBytes += a.size
		bytesTotal += a.size
		inodeIndex[a.ino] = a.key
	}
	c.mu.Unlock()

	dirsOK, dirsInvalid := c.computeDirectories(dirNames, inodeIndex)
	toDelete = append(toDelete, dirsInvalid...)

	for dirKey, inputs := range dirsOK {
		c.mu.Lock()
		for _, key := range inputs {
			if entry, ok := c.storage[key]; ok {
				c.refLocked(entry)
			}
		}
		c.directories[dirKey] = &directoryEntry{
			root:           c.directoryPath(dirKey),
			inputs:         inputs,
			existsDeadline: time.Now().Add(c.existsTTL),
		}
		c.mu.Unlock()
		if err := c.dirindex.Put(ctx, dirKey, inputs); err != nil {
			c.logger.Warn("filecache: registering rescanned directory failed", "directory", dirKey, "error", err)
		}
	}

	for _, path := range toDelete {
		if err := removeTree(path); err != nil {
			c.logger.Warn("filecache: removing rejected startup entry failed", "path", path, "error", err)
		}
	}

	if err := c.dirindex.Start(ctx); err != nil {
		return nil, fmt.Errorf("filecache: starting directories index: %w", err)
	}

	return &StartupResults{
		Root:        c.root,
		Duration:    time.Since(begin),
		Accepted:    len(accepted),
		Rejected:    rejectedFiles + len(dirsInvalid),
		Directories: len(dirsOK),
		Bytes:       bytesTotal,
	}, nil
}

// excludeIndexPath drops the directories index's own database file from
// entries when it happens to live under the cache root (the default bolt
// path is "<root>/directories.bolt"). Its name has no parseable blob-key
// suffix, so without this it would otherwise be rejected and deleted by
// scanRoot on every start, racing the *bbolt.DB already holding it open.
func (c *Cache) excludeIndexPath(entries []os.DirEntry) []os.DirEntry {
	if c.indexPath == "" {
		return entries
	}
	managed := filepath.Clean(c.indexPath)

	filtered := entries[:0]
	for _, e := range entries {
		if filepath.Clean(filepath.Join(c.root, e.Name())) == managed {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

// scanRoot implements Phase Scan (spec §4.8 step 1), parallelized across
// runtime.NumCPU() workers as the spec's "bounded thread pool (size =
// cores)" prescribes.
func (c *Cache) scanRoot(entries []os.DirEntry) (accepted []scanAccept, dirNames []string, toDelete []string) {
	type result struct {
		accept  *scanAccept
		dirName string
		delete  string
	}

	results := make([]result, len(entries))
	sem := make(chan struct{}, runtime.NumCPU())
	var wg sync.WaitGroup

	var mu sync.Mutex
	var runningTotal int64

	for i, entry := range entries {
		i, entry := i, entry
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			name := entry.Name()
			path := filepath.Join(c.root, name)

			if digest.IsDirectoryName(name) {
				if entry.IsDir() {
					results[i] = result{dirName: name}
				} else {
					results[i] = result{delete: path}
				}
				return
			}

			key := digest.BlobKey(name)
			d, executable, err := key.Digest()
			if err != nil {
				results[i] = result{delete: path}
				return
			}

			info, err := entry.Info()
			if err != nil {
				results[i] = result{delete: path}
				return
			}
			if info.IsDir() {
				results[i] = result{delete: path}
				return
			}
			if d.Size == 0 || info.Size() != d.Size || d.Size > c.maxEntrySize {
				results[i] = result{delete: path}
				return
			}
			if (info.Mode()&0o111 != 0) != executable {
				results[i] = result{delete: path}
				return
			}

			var ino uint64
			if st, ok := info.Sys().(*syscall.Stat_t); ok {
				ino = st.Ino
			}

			mu.Lock()
			overflow := runningTotal+d.Size > c.maxSizeBytes
			if !overflow {
				runningTotal += d.Size
			}
			mu.Unlock()
			if overflow {
				results[i] = result{delete: path}
				return
			}

			results[i] = result{accept: &scanAccept{key: key, size: d.Size, ino: ino}}
		}()
	}
	wg.Wait()

	for _, r := range results {
		switch {
		case r.accept != nil:
			accepted = append(accepted, *r.accept)
		case r.dirName != "":
			dirNames = append(dirNames, r.dirName)
		case r.delete != "":
			toDelete = append(toDelete, r.delete)
		}
	}
	return accepted, dirNames, toDelete
}

// computeDirectories implements Phase Compute (spec §4.8 step 2): for each
// candidate "_dir" tree, reconstruct its Directory message from the
// scanned inode index and verify the digest encoded in its name.
func (c *Cache) computeDirectories(dirNames []string, inodeIndex map[uint64]digest.BlobKey) (ok map[digest.DirectoryKey][]digest.BlobKey, invalid []string) {
	ok = make(map[digest.DirectoryKey][]digest.BlobKey)

	for _, name := range dirNames {
		dirKey := digest.DirectoryKey(name)
		wantDigest, err := dirKey.Digest()
		if err != nil {
			invalid = append(invalid, filepath.Join(c.root, name))
			continue
		}

		root := filepath.Join(c.root, name)
		var inputs []digest.BlobKey
		dirMsg, walkErr := computeDirEntryDigest(root, c.fn, inodeIndex, &inputs)
		if walkErr != nil {
			c.logger.Warn("filecache: reconstructing directory tree failed", "directory", dirKey, "error", walkErr)
			invalid = append(invalid, root)
			continue
		}

		dirMsg.SortEntries()
		got := digest.ComputeDirectoryDigest(c.fn, dirMsg)
		if got != wantDigest {
			invalid = append(invalid, root)
			continue
		}
		ok[dirKey] = inputs
	}
	return ok, invalid
}

// computeDirEntryDigest walks dir in sorted dirent order, resolving each
// regular file's blob-key by inode (hard-linked tree files keep their own
// logical name, not the blob-key filename, so a name-keyed lookup cannot
// work here) and recursing into subdirectories. inputs accumulates the
// blob-keys used, in walk order.
func computeDirEntryDigest(dir string, fn digest.Function, inodeIndex map[uint64]digest.BlobKey, inputs *[]digest.BlobKey) (digest.Directory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return digest.Directory{}, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out digest.Directory
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			sub, err := computeDirEntryDigest(path, fn, inodeIndex, inputs)
			if err != nil {
				return digest.Directory{}, err
			}
			sub.SortEntries()
			subDigest := digest.ComputeDirectoryDigest(fn, sub)
			out.Directories = append(out.Directories, digest.DirectoryNode{Name: entry.Name(), Digest: subDigest})
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return digest.Directory{}, err
		}
		if info.Size() == 0 {
			out.Files = append(out.Files, digest.FileNode{Name: entry.Name(), IsExecutable: info.Mode()&0o111 != 0})
			continue
		}

		st, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return digest.Directory{}, fmt.Errorf("filecache: cannot stat inode for %s", path)
		}
		key, found := inodeIndex[st.Ino]
		if !found {
			return digest.Directory{}, fmt.Errorf("filecache: no accepted blob for inode of %s", path)
		}
		d, executable, err := key.Digest()
		if err != nil {
			return digest.Directory{}, err
		}
		out.Files = append(out.Files, digest.FileNode{Name: entry.Name(), Digest: d, IsExecutable: executable})
		*inputs = append(*inputs, key)
	}
	return out, nil
}
