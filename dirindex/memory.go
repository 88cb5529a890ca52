package dirindex

import (
	"context"
	"sync"

	"github.com/walles/bazel-buildfarm/digest"
)

// MemoryIndex is the reference implementation: a plain in-memory multimap.
// Memory usage is combinatorial (every directory/entry pair is duplicated
// across the forward and inverse maps) and it is offered only as the
// simplest-to-trust baseline, matching the teacher-equivalent Java
// MemoryDirectoriesIndex's own doc comment.
type MemoryIndex struct {
	mu sync.Mutex

	// forward holds the ordered entry list per directory.
	forward map[digest.DirectoryKey][]digest.BlobKey

	// inverse holds, for each blob-key, the set of directories referencing
	// it. No ordering is implied or relied upon (spec §9(b)).
	inverse map[digest.BlobKey]map[digest.DirectoryKey]struct{}
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		forward: make(map[digest.DirectoryKey][]digest.BlobKey),
		inverse: make(map[digest.BlobKey]map[digest.DirectoryKey]struct{}),
	}
}

func (idx *MemoryIndex) Start(context.Context) error { return nil }
func (idx *MemoryIndex) Close() error                 { return nil }

func (idx *MemoryIndex) Put(_ context.Context, directory digest.DirectoryKey, entries []digest.BlobKey) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ordered := make([]digest.BlobKey, len(entries))
	copy(ordered, entries)
	idx.removeLocked(directory)
	idx.forward[directory] = ordered

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

func (idx *MemoryIndex) DirectoryEntries(_ context.Context, directory digest.DirectoryKey) ([]digest.BlobKey, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	entries := idx.forward[directory]
	out := make([]digest.BlobKey, len(entries))
	copy(out, entries)
	return out, nil
}

func (idx *MemoryIndex) Remove(_ context.Context, directory digest.DirectoryKey) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(directory)
	return nil
}

func (idx *MemoryIndex) removeLocked(directory digest.DirectoryKey) {
	entries, ok := idx.forward[directory]
	if !ok {
		return
	}
	delete(idx.forward, directory)
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

func (idx *MemoryIndex) RemoveEntry(_ context.Context, entry digest.BlobKey) ([]digest.DirectoryKey, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	set := idx.inverse[entry]
	out := make([]digest.DirectoryKey, 0, len(set))
	for directory := range set {
		out = append(out, directory)
		// removeLocked retracts every entry of directory from the inverse
		// map, including entry itself, and deletes the forward mapping.
		idx.removeLocked(directory)
	}
	delete(idx.inverse, entry)
	return out, nil
}

var _ Index = (*MemoryIndex)(nil)
