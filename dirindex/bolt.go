package dirindex

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"

	"github.com/walles/bazel-buildfarm/digest"
)

// compressionThreshold mirrors the teacher's EnvelopeCodec: below this many
// bytes, zstd overhead isn't worth paying.
const compressionThreshold = 2048

var (
	bucketDirectories = []byte("directories") // directory-key -> encoded entry list
	bucketEntries     = []byte("entries")     // "blobkey\x00directorykey" -> nil
)

// BoltIndex is the bbolt-backed DirectoriesIndex backend, the embedded-KV
// analogue of the SQLite-backed implementation described in spec §4.3: a
// "directories" table keyed by directory-digest holding the ordered entry
// list, and an "entries" table holding one row per (entry, directory) pair
// so that RemoveEntry can look up all referencing directories without a
// full scan.
type BoltIndex struct {
	db      *bbolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewBoltIndex opens a fresh bbolt database at path. Spec §6 has the
// directories index "deleted and rebuilt on each start"; done explicitly
// here, rather than left to filecache.Cache.Start's rescan to stumble
// into by rejecting the db file's name, so it holds regardless of
// whether path lives under the cache root or elsewhere.
func NewBoltIndex(path string) (*BoltIndex, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("dirindex: clearing stale bolt database: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("dirindex: opening bolt database: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dirindex: creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("dirindex: creating zstd decoder: %w", err)
	}

	idx := &BoltIndex{db: db, encoder: enc, decoder: dec}
	// The buckets exist from construction on, so Put works before Start
	// (filecache.Cache.Start's rescan fills the index before starting it).
	if err := idx.Start(context.Background()); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *BoltIndex) Start(context.Context) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketDirectories, bucketEntries} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("dirindex: creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (idx *BoltIndex) Close() error {
	idx.encoder.Close()
	idx.decoder.Close()
	return idx.db.Close()
}

// entryKey builds the "entries" table row key for the (entry, directory)
// pair. NUL is not a valid character in either a BlobKey or a
// DirectoryKey, so it safely separates the two halves.
func entryKey(entry digest.BlobKey, directory digest.DirectoryKey) []byte {
	return []byte(string(entry) + "\x00" + string(directory))
}

func splitEntryKey(k []byte) (digest.BlobKey, digest.DirectoryKey) {
	parts := strings.SplitN(string(k), "\x00", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return digest.BlobKey(parts[0]), digest.DirectoryKey(parts[1])
}

const (
	flagIdentity byte = 0
	flagZstd     byte = 1
)

// encodeEntries joins entries with newlines and compresses the result if it
// is large enough to be worth it, matching the teacher's envelope threshold.
func (idx *BoltIndex) encodeEntries(entries []digest.BlobKey) []byte {
	joined := make([]byte, 0, len(entries)*64)
	for i, e := range entries {
		if i > 0 {
			joined = append(joined, '\n')
		}
		joined = append(joined, []byte(e)...)
	}

	if len(joined) < compressionThreshold {
		return append([]byte{flagIdentity}, joined...)
	}

	compressed := idx.encoder.EncodeAll(joined, nil)
	if len(compressed) >= len(joined) {
		return append([]byte{flagIdentity}, joined...)
	}
	return append([]byte{flagZstd}, compressed...)
}

func (idx *BoltIndex) decodeEntries(data []byte) ([]digest.BlobKey, error) {
	if len(data) == 0 {
		return nil, nil
	}

	flag, payload := data[0], data[1:]
	switch flag {
	case flagIdentity:
		// fallthrough to common decode below
	case flagZstd:
		decoded, err := idx.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("dirindex: decompressing entry list: %w", err)
		}
		payload = decoded
	default:
		return nil, fmt.Errorf("dirindex: unknown entry-list encoding flag %d", flag)
	}

	if len(payload) == 0 {
		return nil, nil
	}
	lines := bytes.Split(payload, []byte("\n"))
	entries := make([]digest.BlobKey, len(lines))
	for i, l := range lines {
		entries[i] = digest.BlobKey(l)
	}
	return entries, nil
}

func (idx *BoltIndex) Put(_ context.Context, directory digest.DirectoryKey, entries []digest.BlobKey) error {
	encoded := idx.encodeEntries(entries)

	return idx.db.Update(func(tx *bbolt.Tx) error {
		directories := tx.Bucket(bucketDirectories)
		entriesBucket := tx.Bucket(bucketEntries)

		if err := idx.retractTx(directories, entriesBucket, directory); err != nil {
			return err
		}

		if err := directories.Put([]byte(directory), encoded); err != nil {
			return fmt.Errorf("dirindex: putting directory %s: %w", directory, err)
		}
		for _, e := range entries {
			if err := entriesBucket.Put(entryKey(e, directory), nil); err != nil {
				return fmt.Errorf("dirindex: putting entry row: %w", err)
			}
		}
		return nil
	})
}

func (idx *BoltIndex) DirectoryEntries(_ context.Context, directory digest.DirectoryKey) ([]digest.BlobKey, error) {
	var entries []digest.BlobKey
	err := idx.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDirectories).Get([]byte(directory))
		if data == nil {
			return nil
		}
		decoded, err := idx.decodeEntries(data)
		if err != nil {
			return err
		}
		entries = decoded
		return nil
	})
	return entries, err
}

func (idx *BoltIndex) Remove(_ context.Context, directory digest.DirectoryKey) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		return idx.retractTx(tx.Bucket(bucketDirectories), tx.Bucket(bucketEntries), directory)
	})
}

// retractTx deletes directory's forward row and every entries-table row
// referencing it. tx must be a write transaction.
func (idx *BoltIndex) retractTx(directories, entriesBucket *bbolt.Bucket, directory digest.DirectoryKey) error {
	data := directories.Get([]byte(directory))
	if data == nil {
		return nil
	}
	entries, err := idx.decodeEntries(data)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := entriesBucket.Delete(entryKey(e, directory)); err != nil {
			return fmt.Errorf("dirindex: deleting entry row: %w", err)
		}
	}
	if err := directories.Delete([]byte(directory)); err != nil {
		return fmt.Errorf("dirindex: deleting directory %s: %w", directory, err)
	}
	return nil
}

func (idx *BoltIndex) RemoveEntry(_ context.Context, entry digest.BlobKey) ([]digest.DirectoryKey, error) {
	var directories []digest.DirectoryKey

	err := idx.db.Update(func(tx *bbolt.Tx) error {
		entriesBucket := tx.Bucket(bucketEntries)
		directoriesBucket := tx.Bucket(bucketDirectories)

		prefix := []byte(string(entry) + "\x00")
		cursor := entriesBucket.Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			_, directory := splitEntryKey(k)
			directories = append(directories, directory)
		}

		for _, directory := range directories {
			if err := idx.retractTx(directoriesBucket, entriesBucket, directory); err != nil {
				return err
			}
		}
		return nil
	})
	return directories, err
}

var _ Index = (*BoltIndex)(nil)
