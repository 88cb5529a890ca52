package digest

import (
	"fmt"
	"strconv"
	"strings"
)

// BlobKey is the textual form "{hash}_{size}" or "{hash}_{size}_exec" used
// both as the on-disk filename under the cache root and as the storage map
// key. The executable variant is a distinct cache entry from the
// non-executable one, even for the same Digest.
type BlobKey string

// DirectoryKey is the textual form "{hash}_{size}_dir" naming the directory
// that holds a materialized tree whose root Directory message has that
// digest.
type DirectoryKey string

const dirSuffix = "_dir"
const execSuffix = "_exec"

// MakeBlobKey builds the deterministic filename for digest d, with the
// executable bit folded into the name as spec §3 requires.
func MakeBlobKey(d Digest, executable bool) BlobKey {
	if executable {
		return BlobKey(fmt.Sprintf("%s_%d%s", d.Hash, d.Size, execSuffix))
	}
	return BlobKey(fmt.Sprintf("%s_%d", d.Hash, d.Size))
}

// MakeDirectoryKey builds the deterministic directory name for digest d.
func MakeDirectoryKey(d Digest) DirectoryKey {
	return DirectoryKey(fmt.Sprintf("%s_%d%s", d.Hash, d.Size, dirSuffix))
}

// Digest recovers the Digest and executable flag encoded in a BlobKey.
func (k BlobKey) Digest() (Digest, bool, error) {
	s := string(k)
	executable := false
	if strings.HasSuffix(s, execSuffix) {
		executable = true
		s = strings.TrimSuffix(s, execSuffix)
	}
	idx := strings.LastIndexByte(s, '_')
	if idx < 0 {
		return Digest{}, false, fmt.Errorf("digest: malformed blob key %q", k)
	}
	hashPart, sizePart := s[:idx], s[idx+1:]
	if hashPart == "" {
		return Digest{}, false, fmt.Errorf("digest: malformed blob key %q", k)
	}
	size, err := strconv.ParseInt(sizePart, 10, 64)
	if err != nil || size < 0 {
		return Digest{}, false, fmt.Errorf("digest: malformed blob key %q: bad size", k)
	}
	return Build(hashPart, size), executable, nil
}

// Executable reports whether k names the executable variant of its digest.
func (k BlobKey) Executable() bool {
	return strings.HasSuffix(string(k), execSuffix)
}

// WriteFileName returns the name of the in-flight write file for this key
// and write-id, per spec §6: "{hash}_{size}[_exec].{write-id}".
func (k BlobKey) WriteFileName(writeID string) string {
	return string(k) + "." + writeID
}

// Digest recovers the Digest encoded in a DirectoryKey.
func (k DirectoryKey) Digest() (Digest, error) {
	s := strings.TrimSuffix(string(k), dirSuffix)
	if s == string(k) {
		return Digest{}, fmt.Errorf("digest: malformed directory key %q", k)
	}
	idx := strings.LastIndexByte(s, '_')
	if idx < 0 {
		return Digest{}, fmt.Errorf("digest: malformed directory key %q", k)
	}
	hashPart, sizePart := s[:idx], s[idx+1:]
	size, err := strconv.ParseInt(sizePart, 10, 64)
	if err != nil || size < 0 {
		return Digest{}, fmt.Errorf("digest: malformed directory key %q: bad size", k)
	}
	return Build(hashPart, size), nil
}

// IsDirectoryName reports whether name has the "_dir" suffix used to mark
// materialized directory trees in the cache root.
func IsDirectoryName(name string) bool {
	return strings.HasSuffix(name, dirSuffix)
}
