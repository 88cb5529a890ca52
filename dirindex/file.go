package dirindex

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/walles/bazel-buildfarm/digest"
)

// FileIndex keeps the forward mapping on disk, one file per directory at
// "{root}/{hash}_{size}_dir_entries" (one blob-key per line), while the
// inverse mapping stays in memory — the split spec §4.3 prescribes for this
// backend.
type FileIndex struct {
	root string

	mu      sync.Mutex
	inverse map[digest.BlobKey]map[digest.DirectoryKey]struct{}
}

// NewFileIndex returns a FileIndex rooted at root. root must already exist;
// Start does not create it (the owning Cache does).
func NewFileIndex(root string) *FileIndex {
	return &FileIndex{
		root:    root,
		inverse: make(map[digest.BlobKey]map[digest.DirectoryKey]struct{}),
	}
}

func (idx *FileIndex) Start(context.Context) error { return nil }
func (idx *FileIndex) Close() error                 { return nil }

func (idx *FileIndex) entriesPath(directory digest.DirectoryKey) string {
	return filepath.Join(idx.root, string(directory)+"_entries")
}

func (idx *FileIndex) Put(_ context.Context, directory digest.DirectoryKey, entries []digest.BlobKey) error {
	path := idx.entriesPath(directory)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("dirindex: creating entries file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		if _, err := fmt.Fprintln(w, e); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("dirindex: writing entries file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("dirindex: flushing entries file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("dirindex: closing entries file: %w", err)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	// Retract the previous entry list's inverse links while its file is
	// still the one on disk.
	idx.retractLocked(directory)
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("dirindex: installing entries file: %w", err)
	}

	for _, e := range entries {
		set, ok := idx.inverse[e]
		if !ok {
			set = make(map[digest.DirectoryKey]struct{})
			idx.inverse[e] = set
		}
		set[directory] = struct{}{}
	}
	return nil
}

func (idx *FileIndex) DirectoryEntries(_ context.Context, directory digest.DirectoryKey) ([]digest.BlobKey, error) {
	f, err := os.Open(idx.entriesPath(directory))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("dirindex: opening entries file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []digest.BlobKey
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			entries = append(entries, digest.BlobKey(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dirindex: reading entries file: %w", err)
	}
	return entries, nil
}

func (idx *FileIndex) Remove(_ context.Context, directory digest.DirectoryKey) error {
	idx.mu.Lock()
	idx.retractLocked(directory)
	idx.mu.Unlock()

	if err := os.Remove(idx.entriesPath(directory)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("dirindex: removing entries file: %w", err)
	}
	return nil
}

// retractLocked drops the inverse-map references for directory's current
// on-disk entry list, if any. idx.mu must be held.
func (idx *FileIndex) retractLocked(directory digest.DirectoryKey) {
	entries, err := idx.readEntriesUnlocked(directory)
	if err != nil {
		return
	}
	for _, e := range entries {
		set := idx.inverse[e]
		if set == nil {
			continue
		}
		delete(set, directory)
		if len(set) == 0 {
			delete(idx.inverse, e)
		}
	}
}

func (idx *FileIndex) readEntriesUnlocked(directory digest.DirectoryKey) ([]digest.BlobKey, error) {
	f, err := os.Open(idx.entriesPath(directory))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []digest.BlobKey
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			entries = append(entries, digest.BlobKey(line))
		}
	}
	return entries, scanner.Err()
}

func (idx *FileIndex) RemoveEntry(ctx context.Context, entry digest.BlobKey) ([]digest.DirectoryKey, error) {
	idx.mu.Lock()
	set := idx.inverse[entry]
	directories := make([]digest.DirectoryKey, 0, len(set))
	for directory := range set {
		directories = append(directories, directory)
	}
	idx.mu.Unlock()

	for _, directory := range directories {
		if err := idx.Remove(ctx, directory); err != nil {
			return nil, err
		}
	}
	return directories, nil
}

var _ Index = (*FileIndex)(nil)
