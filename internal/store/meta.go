package store

import (
	"os"
	"path/filepath"

	"github.com/coreraft/raft/internal/codec"
	"github.com/coreraft/raft/internal/rafterr"
)

const metaFileName = "meta"

// metaLayout: crc32(4) | term(8) | vote(8), little-endian, matching the
// rest of the on-disk formats (spec.md §6 "Persistent term/vote").
const metaSize = 4 + 8 + 8

// LoadMeta reads the persistent (term, vote) pair, returning the zero
// value for a fresh store with no metadata file yet.
func LoadMeta(dir string) (term, vote uint64, err error) {
	path := filepath.Join(dir, metaFileName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, rafterr.Wrap(rafterr.KindIOError, err)
	}
	if len(raw) != metaSize {
		return 0, 0, rafterr.New(rafterr.KindMalformed, "meta file has unexpected size %d", len(raw))
	}
	crc := codec.Uint32(raw[0:4])
	if codec.Checksum(raw[4:]) != crc {
		return 0, 0, rafterr.New(rafterr.KindCorrupt, "meta file checksum mismatch")
	}
	return codec.Uint64(raw[4:12]), codec.Uint64(raw[12:20]), nil
}

// SaveMeta atomically persists (term, vote): write a temp file, fsync it,
// rename over the old one, then fsync the directory (spec.md §6).
func SaveMeta(dir string, term, vote uint64) error {
	raw := make([]byte, metaSize)
	codec.PutUint64(raw[4:12], term)
	codec.PutUint64(raw[12:20], vote)
	codec.PutUint32(raw[0:4], codec.Checksum(raw[4:]))

	path := filepath.Join(dir, metaFileName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return rafterr.Wrap(rafterr.KindIOError, err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return rafterr.Wrap(rafterr.KindIOError, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return rafterr.Wrap(rafterr.KindIOError, err)
	}
	if err := f.Close(); err != nil {
		return rafterr.Wrap(rafterr.KindIOError, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return rafterr.Wrap(rafterr.KindIOError, err)
	}
	if err := fsyncDir(dir); err != nil {
		return rafterr.Wrap(rafterr.KindIOError, err)
	}
	return nil
}
