// Package codec implements the fixed-width integer encodings and CRC32
// checksums used by the on-disk formats in the core: little-endian for log
// entry frames and the persistent term/vote file, big-endian for snapshot
// metadata words.
package codec

import (
	"encoding/binary"
	"hash/crc32"
)

// Table is the CRC32 polynomial used throughout the store: Castagnoli, for
// its better error-detection properties over the wire/disk payload sizes
// this core deals with.
var Table = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC32C of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, Table)
}

// PutUint64 writes v as 8 little-endian bytes at the start of b.
func PutUint64(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}

// Uint64 reads 8 little-endian bytes from the start of b.
func Uint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// PutUint32 writes v as 4 little-endian bytes at the start of b.
func PutUint32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}

// Uint32 reads 4 little-endian bytes from the start of b.
func Uint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// Uint64BE/PutUint64BE mirror the big-endian word layout the snapshot
// metadata file uses (spec.md §4.2).
func PutUint64BE(b []byte, v uint64) {
	binary.BigEndian.PutUint64(b, v)
}

func Uint64BE(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// AlignUp rounds n up to the next multiple of align (align must be a power
// of two), matching the 8-byte frame alignment the segmented log uses.
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
