package digest_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walles/bazel-buildfarm/digest"
)

func TestBLAKE3ComputeDeterministic(t *testing.T) {
	a := digest.BLAKE3.Compute([]byte("hello"))
	b := digest.BLAKE3.Compute([]byte("hello"))
	assert.Equal(t, a, b)
	assert.EqualValues(t, 5, a.Size)
}

func TestEmptyDigestHasZeroSize(t *testing.T) {
	empty := digest.BLAKE3.Empty()
	assert.True(t, empty.IsEmpty())
	assert.Equal(t, digest.BLAKE3.Compute(nil), empty)
}

func TestComputeReaderMatchesCompute(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	want := digest.BLAKE3.Compute(data)
	got, err := digest.ComputeReader(digest.BLAKE3, strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFunctionByName(t *testing.T) {
	fn, err := digest.FunctionByName("sha256")
	require.NoError(t, err)
	assert.Equal(t, "sha256", fn.Name())

	fn, err = digest.FunctionByName("")
	require.NoError(t, err)
	assert.Equal(t, "blake3", fn.Name())

	_, err = digest.FunctionByName("md5")
	assert.Error(t, err)
}
