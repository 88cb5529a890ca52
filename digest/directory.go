package digest

import (
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Directory mirrors the Bazel Remote Execution API's Directory message: the
// root of a materialized file tree is addressed by the digest of this
// message's canonical protobuf wire encoding.
type Directory struct {
	Files       []FileNode
	Directories []DirectoryNode
}

// FileNode is a single file entry within a Directory.
type FileNode struct {
	Name         string
	Digest       Digest
	IsExecutable bool
}

// DirectoryNode is a subdirectory entry within a Directory, referencing the
// child Directory by its own digest.
type DirectoryNode struct {
	Name   string
	Digest Digest
}

// Protobuf field numbers from the Remote Execution API's Directory message.
const (
	fieldDirectoryFiles       = 1
	fieldDirectoryDirectories = 2

	fieldFileNodeName         = 1
	fieldFileNodeDigest       = 2
	fieldFileNodeIsExecutable = 4

	fieldDirectoryNodeName   = 1
	fieldDirectoryNodeDigest = 2

	fieldDigestHash = 1
	fieldDigestSize = 2
)

// Marshal returns the canonical protobuf wire encoding of d. Entries are
// required to already be in the REAPI-mandated sort order (by Name); callers
// building a Directory from a filesystem walk must sort before calling this.
func (d Directory) Marshal() []byte {
	var b []byte
	for _, f := range d.Files {
		b = protowire.AppendTag(b, fieldDirectoryFiles, protowire.BytesType)
		b = protowire.AppendBytes(b, f.marshal())
	}
	for _, sub := range d.Directories {
		b = protowire.AppendTag(b, fieldDirectoryDirectories, protowire.BytesType)
		b = protowire.AppendBytes(b, sub.marshal())
	}
	return b
}

func (f FileNode) marshal() []byte {
	var b []byte
	if f.Name != "" {
		b = protowire.AppendTag(b, fieldFileNodeName, protowire.BytesType)
		b = protowire.AppendString(b, f.Name)
	}
	if digestBytes := marshalDigest(f.Digest); len(digestBytes) > 0 {
		b = protowire.AppendTag(b, fieldFileNodeDigest, protowire.BytesType)
		b = protowire.AppendBytes(b, digestBytes)
	}
	if f.IsExecutable {
		b = protowire.AppendTag(b, fieldFileNodeIsExecutable, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func (n DirectoryNode) marshal() []byte {
	var b []byte
	if n.Name != "" {
		b = protowire.AppendTag(b, fieldDirectoryNodeName, protowire.BytesType)
		b = protowire.AppendString(b, n.Name)
	}
	if digestBytes := marshalDigest(n.Digest); len(digestBytes) > 0 {
		b = protowire.AppendTag(b, fieldDirectoryNodeDigest, protowire.BytesType)
		b = protowire.AppendBytes(b, digestBytes)
	}
	return b
}

func marshalDigest(d Digest) []byte {
	if d.Hash == "" {
		return nil
	}
	var b []byte
	b = protowire.AppendTag(b, fieldDigestHash, protowire.BytesType)
	b = protowire.AppendString(b, d.Hash)
	b = protowire.AppendTag(b, fieldDigestSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.Size))
	return b
}

// SortEntries orders Files and Directories by Name, as the REAPI requires
// for a canonical, hence digest-stable, Directory message.
func (d *Directory) SortEntries() {
	sort.Slice(d.Files, func(i, j int) bool { return d.Files[i].Name < d.Files[j].Name })
	sort.Slice(d.Directories, func(i, j int) bool { return d.Directories[i].Name < d.Directories[j].Name })
}

// ComputeDirectoryDigest computes the Digest of d's canonical wire encoding
// using fn. Callers must call SortEntries first (Marshal does not sort).
func ComputeDirectoryDigest(fn Function, d Directory) Digest {
	return fn.Compute(d.Marshal())
}
