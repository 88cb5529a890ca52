package digest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/walles/bazel-buildfarm/digest"
)

func TestComputeDirectoryDigestDeterministic(t *testing.T) {
	dir := digest.Directory{
		Files: []digest.FileNode{
			{Name: "y.txt", Digest: digest.Build("yyyy", 20)},
			{Name: "x.txt", Digest: digest.Build("xxxx", 10), IsExecutable: true},
		},
	}
	dir.SortEntries()
	assert.Equal(t, "x.txt", dir.Files[0].Name)

	a := digest.ComputeDirectoryDigest(digest.BLAKE3, dir)
	b := digest.ComputeDirectoryDigest(digest.BLAKE3, dir)
	assert.Equal(t, a, b)
}

func TestComputeDirectoryDigestChangesWithContent(t *testing.T) {
	base := digest.Directory{Files: []digest.FileNode{{Name: "a", Digest: digest.Build("aaaa", 1)}}}
	changed := digest.Directory{Files: []digest.FileNode{{Name: "a", Digest: digest.Build("aaaa", 2)}}}

	a := digest.ComputeDirectoryDigest(digest.BLAKE3, base)
	b := digest.ComputeDirectoryDigest(digest.BLAKE3, changed)
	assert.NotEqual(t, a, b)
}

func TestComputeDirectoryDigestWithSubdirectory(t *testing.T) {
	dir := digest.Directory{
		Directories: []digest.DirectoryNode{
			{Name: "sub", Digest: digest.Build("subsub", 0)},
		},
	}
	got := digest.ComputeDirectoryDigest(digest.BLAKE3, dir)
	assert.NotZero(t, got.Size)
}
