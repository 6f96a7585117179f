package store

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/coreraft/raft/internal/codec"
	"github.com/coreraft/raft/proto"
)

// formatVersion is the constant stamped at the start of every segment
// file; segments written by a future, incompatible format fail to load
// with KindMalformed.
const formatVersion uint64 = 1

// headerBytes is the 8-byte format-version word every segment starts
// with (spec.md §6 "Open segment: format version (8 B)").
const headerBytes = 8

// entryHeaderBytes is the fixed per-entry header size inside a batch
// frame: term(8) + type(1) + reserved(3) + length(4), 16 bytes, 8-byte
// aligned so entry headers never straddle the alignment boundary.
const entryHeaderBytes = 16

// frameAlign is the 8-byte alignment every batch frame is padded to
// (spec.md §6).
const frameAlign = 8

var (
	openSegmentRE   = regexp.MustCompile(`^open-(\d+)$`)
	closedSegmentRE = regexp.MustCompile(`^(\d+)-(\d+)$`)
)

func openSegmentName(counter uint64) string {
	return fmt.Sprintf("open-%020d", counter)
}

func closedSegmentName(first, last uint64) string {
	return fmt.Sprintf("%020d-%020d", first, last)
}

func parseOpenSegmentName(name string) (counter uint64, ok bool) {
	m := openSegmentRE.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseClosedSegmentName(name string) (first, last uint64, ok bool) {
	m := closedSegmentRE.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	f, err1 := strconv.ParseUint(m[1], 10, 64)
	l, err2 := strconv.ParseUint(m[2], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return f, l, true
}

// encodeBatch frames a batch of entries for append: a length-prefixed,
// CRC-protected record, as spec.md §6 describes. Returned bytes are
// already padded to frameAlign.
func encodeBatch(entries []raftpb.Entry) []byte {
	headers := make([]byte, 0, len(entries)*entryHeaderBytes)
	var payloads []byte
	for _, e := range entries {
		h := make([]byte, entryHeaderBytes)
		codec.PutUint64(h[0:8], e.Term)
		h[8] = byte(e.Type)
		codec.PutUint32(h[12:16], uint32(len(e.Payload)))
		headers = append(headers, h...)
		payloads = append(payloads, e.Payload...)
	}

	nEntries := make([]byte, 4)
	codec.PutUint32(nEntries, uint32(len(entries)))

	crcHeader := codec.Checksum(append(append([]byte{}, nEntries...), headers...))
	crcData := codec.Checksum(payloads)

	// rest = crcData(4) + nEntries(4) + headers + payloads; length covers
	// everything after the length field itself, i.e. crcHeader onward.
	restLen := 4 + 4 + len(headers) + len(payloads)
	length := uint32(4 + restLen) // crcHeader(4) + rest

	unpadded := make([]byte, 4+4+restLen)
	codec.PutUint32(unpadded[0:4], length)
	codec.PutUint32(unpadded[4:8], crcHeader)
	codec.PutUint32(unpadded[8:12], crcData)
	copy(unpadded[12:16], nEntries)
	copy(unpadded[16:], headers)
	copy(unpadded[16+len(headers):], payloads)

	padded := codec.AlignUp(len(unpadded), frameAlign)
	if padded > len(unpadded) {
		unpadded = append(unpadded, make([]byte, padded-len(unpadded))...)
	}
	return unpadded
}

// decodeBatch reads one framed batch starting at the current position of
// raw[off:]. It returns the entries (with Index left at 0; the caller
// stamps indices as entries are appended to the in-memory log), the
// number of bytes consumed (including padding), and ok=false at a clean
// end-of-written-region (a zero length field, the hallmark of
// preallocated zeroed space or a torn trailing write).
func decodeBatch(raw []byte, off int, firstIndex uint64) (entries []raftpb.Entry, consumed int, ok bool, err error) {
	if off+4 > len(raw) {
		return nil, 0, false, nil
	}
	length := codec.Uint32(raw[off : off+4])
	if length == 0 {
		return nil, 0, false, nil
	}
	total := 4 + int(length)
	padded := codec.AlignUp(total, frameAlign)
	if off+padded > len(raw) {
		// torn write: declared frame runs past what was actually written.
		return nil, 0, false, errCorruptFrame
	}

	crcHeader := codec.Uint32(raw[off+4 : off+8])
	crcData := codec.Uint32(raw[off+8 : off+12])
	nEntries := codec.Uint32(raw[off+12 : off+16])

	headersStart := off + 16
	headersEnd := headersStart + int(nEntries)*entryHeaderBytes
	if headersEnd > off+total {
		return nil, 0, false, errCorruptFrame
	}

	gotHeaderCRC := codec.Checksum(raw[off+12 : headersEnd])
	if gotHeaderCRC != crcHeader {
		return nil, 0, false, errCorruptFrame
	}

	payloadStart := headersEnd
	payloadEnd := off + total
	gotDataCRC := codec.Checksum(raw[payloadStart:payloadEnd])
	if gotDataCRC != crcData {
		return nil, 0, false, errCorruptFrame
	}

	out := make([]raftpb.Entry, nEntries)
	pOff := payloadStart
	idx := firstIndex
	for i := 0; i < int(nEntries); i++ {
		h := raw[headersStart+i*entryHeaderBytes : headersStart+(i+1)*entryHeaderBytes]
		term := codec.Uint64(h[0:8])
		typ := raftpb.EntryType(h[8])
		plen := int(codec.Uint32(h[12:16]))
		payload := raw[pOff : pOff+plen]
		pOff += plen
		out[i] = raftpb.Entry{Index: idx, Term: term, Type: typ, Payload: payload}
		idx++
	}

	return out, padded, true, nil
}

func writeHeader(f *os.File, version uint64) error {
	b := make([]byte, headerBytes)
	codec.PutUint64(b, version)
	if _, err := f.WriteAt(b, 0); err != nil {
		return err
	}
	return nil
}
