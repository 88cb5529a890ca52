// Package filecache implements the Content-Addressable File Cache: a
// reference-counted, LRU-evicted store of immutable blobs under a single
// filesystem root, directory materialization via hard links, and an
// optional read/write-through delegate. See config.Config for construction
// parameters and Delegate for the backing-store collaborator.
package filecache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/walles/bazel-buildfarm/config"
	"github.com/walles/bazel-buildfarm/digest"
	"github.com/walles/bazel-buildfarm/dirindex"
	"github.com/walles/bazel-buildfarm/lockmap"
	"github.com/walles/bazel-buildfarm/lru"
)

// directoryEntry is DirectoryStorage's value type (spec §2 component 7):
// the materialized tree's root path, the ordered inputs used to build it
// (so re-validation and rollback don't need to re-consult the index), and
// the positive-cache TTL for on-disk existence verification (spec §4.6).
type directoryEntry struct {
	root           string
	inputs         []digest.BlobKey
	existsDeadline time.Time
}

// Cache is the CAFC facade (spec §4.1). The zero value is not usable; build
// one with New.
type Cache struct {
	root          string
	maxSizeBytes  int64
	maxEntrySize  int64
	fn            digest.Function
	existsTTL     time.Duration
	writeRaceWait time.Duration
	hooks         config.Hooks
	logger        *slog.Logger

	// mu is the cache-wide monitor (spec §5) guarding storage, list,
	// sizeInBytes, and directories. cond signals waiters in
	// expireEntryLocked on any decrement-to-zero or eviction.
	mu   sync.Mutex
	cond *sync.Cond

	storage      map[digest.BlobKey]*lru.Entry
	list         *lru.List
	sizeInBytes  int64
	directories  map[digest.DirectoryKey]*directoryEntry
	writeWaiters map[digest.BlobKey][]chan struct{}

	writes   *writeRegistry
	lockmap  *lockmap.Map
	dirindex dirindex.Index
	delegate Delegate
	cascade  *workerPool

	// indexPath is the resolved on-disk path of the directories index,
	// set only for config.IndexBolt. Start's rescan excludes it from the
	// entries it considers, so it never treats the index's own database
	// file as a rejected blob (its name has no parseable blob-key
	// suffix).
	indexPath string

	evictedCount int64
	evictedSize  int64
}

// New constructs a Cache from cfg. It does not perform the startup rescan;
// call Start for that.
func New(cfg config.Config) (*Cache, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("filecache: Config.Root must be set")
	}
	if cfg.MaxSizeBytes <= 0 {
		return nil, fmt.Errorf("filecache: Config.MaxSizeBytes must be positive")
	}
	if cfg.MaxEntrySize <= 0 {
		cfg.MaxEntrySize = cfg.MaxSizeBytes
	}

	idx, indexPath, err := newIndex(cfg)
	if err != nil {
		return nil, fmt.Errorf("filecache: building directories index: %w", err)
	}

	var delegate Delegate = NopDelegate{}
	if cfg.Delegate != nil {
		d, ok := cfg.Delegate.(Delegate)
		if !ok {
			return nil, fmt.Errorf("filecache: Config.Delegate does not implement filecache.Delegate")
		}
		delegate = d
	}

	c := &Cache{
		root:          cfg.Root,
		maxSizeBytes:  cfg.MaxSizeBytes,
		maxEntrySize:  cfg.MaxEntrySize,
		fn:            cfg.DigestFunction,
		existsTTL:     cfg.ExistsTTL,
		writeRaceWait: cfg.WriteRaceWait,
		hooks:         cfg.Hooks,
		logger:        cfg.Logger,
		storage:       make(map[digest.BlobKey]*lru.Entry),
		list:          lru.New(),
		directories:   make(map[digest.DirectoryKey]*directoryEntry),
		writeWaiters:  make(map[digest.BlobKey][]chan struct{}),
		writes:        newWriteRegistry(),
		lockmap:       lockmap.New(),
		dirindex:      idx,
		delegate:      delegate,
		cascade:       newWorkerPool(4),
		indexPath:     indexPath,
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

func newIndex(cfg config.Config) (dirindex.Index, string, error) {
	switch cfg.IndexBackend {
	case config.IndexFile:
		return dirindex.NewFileIndex(cfg.Root), "", nil
	case config.IndexBolt:
		path := cfg.IndexDBPath
		if path == "" {
			path = cfg.Root + "/directories.bolt"
		}
		idx, err := dirindex.NewBoltIndex(path)
		if err != nil {
			return nil, "", err
		}
		return idx, path, nil
	case config.IndexMemory, "":
		return dirindex.NewMemoryIndex(), "", nil
	default:
		return nil, "", fmt.Errorf("unknown index backend %q", cfg.IndexBackend)
	}
}

// Close stops background workers and closes the directories index. It does
// not remove anything on disk.
func (c *Cache) Close() error {
	c.cascade.Stop()
	c.writes.Stop()
	return c.dirindex.Close()
}

func (c *Cache) blobPath(key digest.BlobKey) string {
	return c.root + "/" + string(key)
}

func (c *Cache) writePath(key digest.BlobKey, writeID string) string {
	return c.root + "/" + key.WriteFileName(writeID)
}

func (c *Cache) directoryPath(key digest.DirectoryKey) string {
	return c.root + "/" + string(key)
}

// refLocked takes a reference on entry, unlinking it from the LRU list if
// this is the 0->1 transition. Callers must hold c.mu.
func (c *Cache) refLocked(entry *lru.Entry) {
	if entry.RefCount == 0 {
		c.list.Remove(entry)
	}
	entry.RefCount++
}

// decrementLocked drops one reference on key, re-linking the entry at the
// LRU's most-recently-used position on the 1->0 transition and waking any
// waiter in expireEntryLocked. Callers must hold c.mu. A miss (key not
// present) is a silent no-op: the entry may have already been evicted.
func (c *Cache) decrementLocked(key digest.BlobKey) {
	entry, ok := c.storage[key]
	if !ok {
		return
	}
	if entry.RefCount <= 0 {
		panic("filecache: decrementing entry with ref_count <= 0: " + string(key))
	}
	entry.RefCount--
	if entry.RefCount == 0 {
		c.list.PushBack(entry)
		c.cond.Broadcast()
	}
}

// recordAccessLocked moves entry to the LRU's most-recently-used position
// if it is currently unreferenced. Callers must hold c.mu.
func (c *Cache) recordAccessLocked(entry *lru.Entry) {
	if entry.RefCount == 0 {
		c.list.MoveToBack(entry)
	}
}

// waitForEntryLocked returns a channel that closes once key has an
// installed Entry: immediately, if one already exists, or on the next
// notifyEntryInstalledLocked call for key otherwise. This is the "switch
// triggered by any writer of the digest completing" a read-through
// stream blocks on (spec §4.4/§5) when its own delegate stream breaks
// mid-read. Callers must hold c.mu.
func (c *Cache) waitForEntryLocked(key digest.BlobKey) <-chan struct{} {
	ch := make(chan struct{})
	if _, ok := c.storage[key]; ok {
		close(ch)
		return ch
	}
	c.writeWaiters[key] = append(c.writeWaiters[key], ch)
	return ch
}

// notifyEntryInstalledLocked wakes every reader blocked in
// waitForEntryLocked for key. Callers must hold c.mu.
func (c *Cache) notifyEntryInstalledLocked(key digest.BlobKey) {
	for _, ch := range c.writeWaiters[key] {
		close(ch)
	}
	delete(c.writeWaiters, key)
}

// condWaitCtx blocks on c.cond until woken or ctx is done, returning ctx's
// error in the latter case. Callers must hold c.mu across the call (the
// same discipline sync.Cond.Wait requires).
func (c *Cache) condWaitCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-stop:
		}
	}()
	c.cond.Wait()
	close(stop)
	return ctx.Err()
}

// Contains reports whether digest is present locally (either executable
// variant) or, recursively, in the delegate. Records an access if local
// (spec §4.1).
func (c *Cache) Contains(ctx context.Context, d digest.Digest) (bool, error) {
	if d.IsEmpty() {
		return true, nil
	}
	for _, executable := range [2]bool{false, true} {
		key := digest.MakeBlobKey(d, executable)
		c.mu.Lock()
		entry, ok := c.storage[key]
		if ok {
			c.recordAccessLocked(entry)
		}
		c.mu.Unlock()
		if ok {
			return true, nil
		}
	}
	return c.delegate.Contains(ctx, d)
}

// FindMissing returns the subset of digests not present locally; accesses
// are recorded for found ones, and the remainder is checked against the
// delegate (spec §4.1).
func (c *Cache) FindMissing(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	var missing []digest.Digest
	for _, d := range digests {
		found, err := c.containsLocal(d)
		if err != nil {
			return nil, err
		}
		if !found {
			missing = append(missing, d)
		}
	}
	if len(missing) == 0 {
		return missing, nil
	}

	stillMissing := missing[:0]
	for _, d := range missing {
		ok, err := c.delegate.Contains(ctx, d)
		if err != nil {
			return nil, err
		}
		if !ok {
			stillMissing = append(stillMissing, d)
		}
	}
	return stillMissing, nil
}

func (c *Cache) containsLocal(d digest.Digest) (bool, error) {
	if d.IsEmpty() {
		return true, nil
	}
	for _, executable := range [2]bool{false, true} {
		key := digest.MakeBlobKey(d, executable)
		c.mu.Lock()
		entry, ok := c.storage[key]
		if ok {
			c.recordAccessLocked(entry)
		}
		c.mu.Unlock()
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// DecrementReferences atomically decrements references for blobKeys and,
// for each directory digest, every blob-key its DirectoriesIndex entry
// lists — an action's directory inputs transitively reference their files
// (spec §4.1).
func (c *Cache) DecrementReferences(ctx context.Context, blobKeys []digest.BlobKey, directoryKeys []digest.DirectoryKey) error {
	c.mu.Lock()
	for _, k := range blobKeys {
		c.decrementLocked(k)
	}
	c.mu.Unlock()

	for _, dk := range directoryKeys {
		entries, err := c.dirindex.DirectoryEntries(ctx, dk)
		if err != nil {
			return fmt.Errorf("filecache: decrementing directory %s: %w", dk, err)
		}
		c.mu.Lock()
		for _, k := range entries {
			c.decrementLocked(k)
		}
		c.mu.Unlock()
	}
	return nil
}

// Size returns the current total bytes stored (spec §4.1 size()).
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizeInBytes
}

// EntryCount returns the current number of stored entries.
func (c *Cache) EntryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.storage)
}

// UnreferencedEntryCount returns the current number of ref_count==0
// entries, i.e. the LRU list's length.
func (c *Cache) UnreferencedEntryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// DirectoryStorageCount returns the current number of materialized
// directories.
func (c *Cache) DirectoryStorageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.directories)
}

// EvictedCount returns the lifetime count of evicted entries.
func (c *Cache) EvictedCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictedCount
}

// EvictedSize returns the lifetime total bytes of evicted entries.
func (c *Cache) EvictedSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictedSize
}
