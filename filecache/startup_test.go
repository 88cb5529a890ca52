package filecache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walles/bazel-buildfarm/config"
	"github.com/walles/bazel-buildfarm/digest"
)

// TestStartupRescan exercises spec §4.8's Scan/Compute phases: a valid blob
// and a valid materialized directory survive a rescan, while a malformed
// name, an oversized blob, and an executable-bit mismatch are all rejected.
func TestStartupRescan(t *testing.T) {
	root := t.TempDir()
	cfg := config.New(root, 100000, 100)

	c1, err := New(cfg)
	require.NoError(t, err)
	_, err = c1.Start(context.Background(), false)
	require.NoError(t, err)

	_, tree, x, y := buildTwoFileTree()
	putBytes(t, c1, bytes.Repeat([]byte("x"), 10))
	putBytes(t, c1, bytes.Repeat([]byte("y"), 20))
	index := DirectoryIndexFunc(func(_ context.Context, dd digest.Digest) (digest.Directory, error) {
		for d, dir := range tree {
			if d == dd {
				return dir, nil
			}
		}
		return digest.Directory{}, os.ErrNotExist
	})
	var dirDigest digest.Digest
	for d := range tree {
		dirDigest = d
	}
	materializedRoot, err := c1.PutDirectory(context.Background(), dirDigest, index)
	require.NoError(t, err)

	valid := putBytes(t, c1, bytes.Repeat([]byte("v"), 50))

	require.NoError(t, c1.Close())

	// Malformed filename: not a recognizable blob or directory key.
	require.NoError(t, os.WriteFile(filepath.Join(root, "not-a-key-at-all"), []byte("junk"), 0o444))

	// Oversized: the encoded size exceeds max_entry_size (100).
	oversizedDigest := digest.Build("deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef", 5000)
	oversizedKey := digest.MakeBlobKey(oversizedDigest, false)
	require.NoError(t, os.WriteFile(filepath.Join(root, string(oversizedKey)), bytes.Repeat([]byte("o"), 5000), 0o444))

	// Executable-bit mismatch: name claims executable, mode says otherwise.
	mismatchData := bytes.Repeat([]byte("m"), 8)
	mismatchDigest := digest.BLAKE3.Compute(mismatchData)
	mismatchKey := digest.MakeBlobKey(mismatchDigest, true)
	require.NoError(t, os.WriteFile(filepath.Join(root, string(mismatchKey)), mismatchData, 0o444))

	c2, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c2.Close() })

	results, err := c2.Start(context.Background(), false)
	require.NoError(t, err)

	require.Equal(t, 3, results.Accepted, "valid blob + the two directory input files")
	require.Equal(t, 3, results.Rejected, "malformed name, oversized blob, exec-bit mismatch")
	require.Equal(t, 1, results.Directories)

	ok, err := c2.Contains(context.Background(), valid)
	require.NoError(t, err)
	require.True(t, ok)

	xKey := digest.MakeBlobKey(x, false)
	yKey := digest.MakeBlobKey(y, false)
	c2.mu.Lock()
	require.EqualValues(t, 1, c2.storage[xKey].RefCount)
	require.EqualValues(t, 1, c2.storage[yKey].RefCount)
	c2.mu.Unlock()

	dirKey := digest.MakeDirectoryKey(dirDigest)
	c2.mu.Lock()
	entry, ok := c2.directories[dirKey]
	c2.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, materializedRoot, entry.root)

	reusedRoot, err := c2.PutDirectory(context.Background(), dirDigest, index)
	require.NoError(t, err)
	require.Equal(t, materializedRoot, reusedRoot)
}

// TestStartupWithBoltIndexSurvivesRestart exercises config.IndexBolt with
// its default path, which lives under the cache root: Start must neither
// choke on the index's own database file nor lose a materialized directory
// across a simulated restart, since NewBoltIndex rebuilds the index itself
// on every open but the directory tree on disk (and hence the rescan's
// reconstruction of it) does not depend on that index surviving.
func TestStartupWithBoltIndexSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	cfg := config.New(root, 100000, 100, config.WithIndexBackend(config.IndexBolt, ""))

	c1, err := New(cfg)
	require.NoError(t, err)
	_, err = c1.Start(context.Background(), false)
	require.NoError(t, err)

	d, tree, _, _ := buildTwoFileTree()
	putBytes(t, c1, bytes.Repeat([]byte("x"), 10))
	putBytes(t, c1, bytes.Repeat([]byte("y"), 20))
	index := DirectoryIndexFunc(func(_ context.Context, dd digest.Digest) (digest.Directory, error) {
		return tree[dd], nil
	})
	materializedRoot, err := c1.PutDirectory(context.Background(), d, index)
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	c2, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c2.Close() })

	results, err := c2.Start(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, results.Directories, "the materialized directory must survive the restart")

	dirKey := digest.MakeDirectoryKey(d)
	c2.mu.Lock()
	entry, ok := c2.directories[dirKey]
	c2.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, materializedRoot, entry.root)
}
