package digest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walles/bazel-buildfarm/digest"
)

func TestBlobKeyRoundTrip(t *testing.T) {
	d := digest.Build("aaaa", 60)

	key := digest.MakeBlobKey(d, false)
	assert.Equal(t, digest.BlobKey("aaaa_60"), key)
	got, exec, err := key.Digest()
	require.NoError(t, err)
	assert.Equal(t, d, got)
	assert.False(t, exec)

	execKey := digest.MakeBlobKey(d, true)
	assert.Equal(t, digest.BlobKey("aaaa_60_exec"), execKey)
	got, exec, err = execKey.Digest()
	require.NoError(t, err)
	assert.Equal(t, d, got)
	assert.True(t, exec)
	assert.True(t, execKey.Executable())
	assert.NotEqual(t, key, execKey)
}

func TestDirectoryKeyRoundTrip(t *testing.T) {
	d := digest.Build("bbbb", 123)
	key := digest.MakeDirectoryKey(d)
	assert.Equal(t, digest.DirectoryKey("bbbb_123_dir"), key)
	assert.True(t, digest.IsDirectoryName(string(key)))

	got, err := key.Digest()
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestMalformedKeysRejected(t *testing.T) {
	_, _, err := digest.BlobKey("no-underscore").Digest()
	assert.Error(t, err)

	_, _, err = digest.BlobKey("hash_notanumber").Digest()
	assert.Error(t, err)

	_, err = digest.DirectoryKey("hash_123").Digest()
	assert.Error(t, err)
}

func TestWriteFileName(t *testing.T) {
	key := digest.MakeBlobKey(digest.Build("cccc", 10), false)
	assert.Equal(t, "cccc_10.write-1", key.WriteFileName("write-1"))
}
