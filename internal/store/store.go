// Package store implements the segmented, append-only durable log store of
// spec.md §4.1: fixed-size segment files (open/closed), a prepare pool
// that keeps zeroed segments ready ahead of need, crash-recoverable
// loading, and truncation under a barrier.
package store

import (
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/coreraft/raft/internal/rafterr"
	"github.com/coreraft/raft/proto"
	"go.uber.org/multierr"
)

// Config parameterizes segment sizing and the prepare pool's target
// depth.
type Config struct {
	Dir              string
	BlockSize        int64
	BlocksPerSegment int64
	PrepareTarget    int
}

func (c Config) segmentSize() int64 {
	return c.BlockSize * c.BlocksPerSegment
}

// DefaultConfig returns a reasonable 8MiB segment, two-deep prepare pool.
func DefaultConfig(dir string) Config {
	return Config{Dir: dir, BlockSize: 4096, BlocksPerSegment: 2048, PrepareTarget: 2}
}

type closedSegment struct {
	first, last uint64
	path        string
}

type activeSegment struct {
	seg         *PreparedSegment
	firstIndex  uint64 // 0 means empty
	lastIndex   uint64
	writeOffset int64
	capacity    int64
}

func (a *activeSegment) remaining() int64 {
	return a.capacity - a.writeOffset
}

// Store owns one replica's on-disk log. It is not safe for concurrent
// use from more than one caller at a time for Append/Truncate (the
// single-threaded executor model of spec.md §5 guarantees this); the
// prepare pool internally runs its own background producer goroutine.
type Store struct {
	cfg    Config
	pool   *preparePool
	tracer tracer

	active  *activeSegment
	closed  []closedSegment
	errored bool
	shut    bool

	// trailingBarrier guards CompactPrefix against re-entry; the single-
	// threaded executor model means this never actually races, but the
	// guard still catches a caller violating the one-compaction-at-a-time
	// invariant.
	trailingBarrier bool
}

// LoadResult is everything Open recovers off disk besides the store
// handle itself.
type LoadResult struct {
	Entries []raftpb.Entry
}

// Open recovers (or creates) a store rooted at cfg.Dir, per spec.md
// §4.1's "Crash recovery": list segments, sort, validate closed segments'
// CRCs and index range, repair a trailing torn write in the active
// segment, remove stray unusable open segments.
func Open(cfg Config, tr tracer) (*Store, LoadResult, error) {
	if tr == nil {
		tr = nopTracer{}
	}
	if cfg.PrepareTarget <= 0 {
		cfg.PrepareTarget = 2
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, LoadResult{}, rafterr.Wrap(rafterr.KindIOError, err)
	}

	names, err := readDirNames(cfg.Dir)
	if err != nil {
		return nil, LoadResult{}, rafterr.Wrap(rafterr.KindIOError, err)
	}

	var closedNames []string
	var openCounters []uint64
	for _, name := range names {
		if _, _, ok := parseClosedSegmentName(name); ok {
			closedNames = append(closedNames, name)
			continue
		}
		if c, ok := parseOpenSegmentName(name); ok {
			openCounters = append(openCounters, c)
		}
	}
	sort.Strings(closedNames)
	sort.Slice(openCounters, func(i, j int) bool { return openCounters[i] < openCounters[j] })

	var entries []raftpb.Entry
	var closedSegs []closedSegment
	var lastClosedIndex uint64

	for _, name := range closedNames {
		first, last, _ := parseClosedSegmentName(name)
		path := filepath.Join(cfg.Dir, name)
		segEntries, err := loadClosedSegment(path, first, last)
		if err != nil {
			return nil, LoadResult{}, err
		}
		entries = append(entries, segEntries...)
		closedSegs = append(closedSegs, closedSegment{first: first, last: last, path: path})
		lastClosedIndex = last
	}

	var active *activeSegment
	var staleOpen []string
	nextFirstIndex := uint64(1)
	if lastClosedIndex > 0 {
		nextFirstIndex = lastClosedIndex + 1
	}

	var maxCounter uint64
	for _, counter := range openCounters {
		if counter > maxCounter {
			maxCounter = counter
		}
		path := filepath.Join(cfg.Dir, openSegmentName(counter))
		f, seg, segEntries, err := loadOpenSegment(path, counter, nextFirstIndex, cfg.segmentSize())
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// removed since the directory was listed: a previous
				// store's prepare pool discarding an unused segment.
				continue
			}
			return nil, LoadResult{}, err
		}
		looksActive := seg.firstIndex == 0 || seg.firstIndex == nextFirstIndex
		if active == nil && looksActive {
			active = seg
			active.seg.file = f
			entries = append(entries, segEntries...)
		} else {
			// a stray prepared-but-unused open segment from before a
			// crash; safe to discard and let the pool reallocate.
			f.Close()
			staleOpen = append(staleOpen, path)
		}
	}
	for _, path := range staleOpen {
		os.Remove(path)
	}

	s := &Store{cfg: cfg, tracer: tr, closed: closedSegs}
	s.pool = newPreparePool(cfg.Dir, cfg.segmentSize(), cfg.PrepareTarget, maxCounter+1, tr)

	if active == nil {
		seg, err := s.takeNextSegment()
		if err != nil {
			return nil, LoadResult{}, err
		}
		active = seg
	}
	s.active = active

	return s, LoadResult{Entries: entries}, nil
}

func readDirNames(dir string) ([]string, error) {
	d, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return d.Readdirnames(-1)
}

func loadClosedSegment(path string, first, last uint64) ([]raftpb.Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, rafterr.Wrap(rafterr.KindIOError, err)
	}
	if len(raw) < headerBytes {
		return nil, rafterr.New(rafterr.KindMalformed, "closed segment %s shorter than header", path)
	}
	entries, err := decodeAll(raw, headerBytes, first)
	if err != nil {
		return nil, rafterr.Wrap(rafterr.KindCorrupt, err)
	}
	if len(entries) > 0 {
		if entries[0].Index != first || entries[len(entries)-1].Index != last {
			return nil, rafterr.New(rafterr.KindCorrupt,
				"closed segment %s index range mismatch: want [%d,%d] got [%d,%d]",
				path, first, last, entries[0].Index, entries[len(entries)-1].Index)
		}
	}
	return entries, nil
}

// loadOpenSegment scans an open segment, repairing a trailing torn write
// by truncating (and re-extending, to preserve preallocation) at the last
// intact frame.
func loadOpenSegment(path string, counter, firstIndexGuess uint64, capacity int64) (*os.File, *activeSegment, []raftpb.Entry, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, nil, nil, rafterr.Wrap(rafterr.KindIOError, err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		f.Close()
		return nil, nil, nil, rafterr.Wrap(rafterr.KindIOError, err)
	}
	if len(raw) < headerBytes {
		f.Close()
		return nil, nil, nil, rafterr.New(rafterr.KindMalformed, "open segment %s shorter than header", path)
	}

	off := headerBytes
	var entries []raftpb.Entry
	idx := firstIndexGuess
	for {
		batch, consumed, ok, err := decodeBatch(raw, off, idx)
		if err != nil {
			// torn trailing write: repair by truncating the garbage and
			// re-extending to restore the zeroed tail.
			if terr := f.Truncate(int64(off)); terr != nil {
				f.Close()
				return nil, nil, nil, rafterr.Wrap(rafterr.KindIOError, terr)
			}
			if terr := f.Truncate(capacity); terr != nil {
				f.Close()
				return nil, nil, nil, rafterr.Wrap(rafterr.KindIOError, terr)
			}
			break
		}
		if !ok {
			break
		}
		entries = append(entries, batch...)
		idx += uint64(len(batch))
		off += consumed
	}

	seg := &activeSegment{
		seg:         &PreparedSegment{Counter: counter, Path: path},
		writeOffset: int64(off),
		capacity:    capacity,
	}
	if len(entries) > 0 {
		seg.firstIndex = entries[0].Index
		seg.lastIndex = entries[len(entries)-1].Index
	}
	return f, seg, entries, nil
}

func decodeAll(raw []byte, off int, firstIndex uint64) ([]raftpb.Entry, error) {
	var out []raftpb.Entry
	idx := firstIndex
	for {
		batch, consumed, ok, err := decodeBatch(raw, off, idx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, batch...)
		idx += uint64(len(batch))
		off += consumed
	}
	return out, nil
}

func (s *Store) takeNextSegment() (*activeSegment, error) {
	type result struct {
		seg *PreparedSegment
		err error
	}
	done := make(chan result, 1)
	s.pool.prepare(func(seg *PreparedSegment, err error) {
		done <- result{seg, err}
	})
	r := <-done
	if r.err != nil {
		return nil, r.err
	}
	return &activeSegment{seg: r.seg, writeOffset: headerBytes, capacity: s.cfg.segmentSize()}, nil
}

// Append writes entries to the active segment, spanning to a fresh
// segment if necessary, per spec.md §4.1's append protocol. Writes are
// serialized by the caller (max-concurrent-writes = 1, spec.md §5); this
// implementation performs the write and fsync inline and invokes cb
// before returning, in the spirit of spec.md §9's "one-thread-per-replica
// blocking I/O" option.
func (s *Store) Append(entries []raftpb.Entry, cb func(error)) {
	if s.shut {
		cb(rafterr.ErrShutdown)
		return
	}
	if s.errored {
		cb(rafterr.ErrIOError)
		return
	}
	if len(entries) == 0 {
		cb(nil)
		return
	}

	frame := encodeBatch(entries)
	if int64(len(frame)) > s.active.remaining() {
		if err := s.finalizeActive(); err != nil {
			s.errored = true
			cb(err)
			return
		}
		next, err := s.takeNextSegment()
		if err != nil {
			s.errored = true
			cb(err)
			return
		}
		s.active = next
	}
	if int64(len(frame)) > s.active.remaining() {
		s.errored = true
		cb(rafterr.Wrap(rafterr.KindIOError, errNoSpace))
		return
	}

	if _, err := s.active.seg.file.WriteAt(frame, s.active.writeOffset); err != nil {
		s.errored = true
		cb(rafterr.Wrap(rafterr.KindIOError, err))
		return
	}
	if err := s.active.seg.file.Sync(); err != nil {
		s.errored = true
		cb(rafterr.Wrap(rafterr.KindIOError, err))
		return
	}

	if s.active.firstIndex == 0 {
		s.active.firstIndex = entries[0].Index
	}
	s.active.lastIndex = entries[len(entries)-1].Index
	s.active.writeOffset += int64(len(frame))

	cb(nil)
}

// finalizeActive renames the current active segment to its closed,
// immutable form and fsyncs the directory (spec.md §4.1).
func (s *Store) finalizeActive() error {
	if s.active.firstIndex == 0 {
		// nothing written to this segment; nothing to finalize, drop it
		// by closing and removing it. This
		// only happens if a batch larger than an empty segment's
		// capacity is attempted, which finalizeActive's caller guards.
		if err := s.active.seg.file.Close(); err != nil {
			return rafterr.Wrap(rafterr.KindIOError, err)
		}
		s.active.seg.file = nil
		if err := os.Remove(s.active.seg.Path); err != nil {
			return rafterr.Wrap(rafterr.KindIOError, err)
		}
		return nil
	}
	closedPath := filepath.Join(s.cfg.Dir, closedSegmentName(s.active.firstIndex, s.active.lastIndex))
	if err := s.active.seg.file.Sync(); err != nil {
		return rafterr.Wrap(rafterr.KindIOError, err)
	}
	if err := s.active.seg.file.Close(); err != nil {
		return rafterr.Wrap(rafterr.KindIOError, err)
	}
	if err := os.Rename(s.active.seg.Path, closedPath); err != nil {
		return rafterr.Wrap(rafterr.KindIOError, err)
	}
	if err := fsyncDir(s.cfg.Dir); err != nil {
		return rafterr.Wrap(rafterr.KindIOError, err)
	}
	s.closed = append(s.closed, closedSegment{first: s.active.firstIndex, last: s.active.lastIndex, path: closedPath})
	return nil
}

// Truncate drops every entry at or above index. Per spec.md §4.1 this
// must only be called once outstanding writes have drained (the
// consensus layer enforces the barrier); it affects the active segment
// (truncated in place) and any fully-above closed segments (unlinked).
func (s *Store) Truncate(index uint64, cb func(error)) {
	if s.shut {
		cb(rafterr.ErrShutdown)
		return
	}

	kept := s.closed[:0]
	var toRemove []string
	for _, c := range s.closed {
		if c.first >= index {
			toRemove = append(toRemove, c.path)
			continue
		}
		kept = append(kept, c)
	}
	s.closed = kept

	for _, path := range toRemove {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			cb(rafterr.Wrap(rafterr.KindIOError, err))
			return
		}
	}
	if len(toRemove) > 0 {
		if err := fsyncDir(s.cfg.Dir); err != nil {
			cb(rafterr.Wrap(rafterr.KindIOError, err))
			return
		}
	}

	if s.active.firstIndex != 0 && index <= s.active.firstIndex {
		s.active.firstIndex = 0
		s.active.lastIndex = 0
		s.active.writeOffset = headerBytes
		if err := s.active.seg.file.Truncate(headerBytes); err != nil {
			cb(rafterr.Wrap(rafterr.KindIOError, err))
			return
		}
		if err := s.active.seg.file.Truncate(s.active.capacity); err != nil {
			cb(rafterr.Wrap(rafterr.KindIOError, err))
			return
		}
	} else if s.active.firstIndex != 0 && index <= s.active.lastIndex {
		raw, err := os.ReadFile(s.active.seg.Path)
		if err != nil {
			cb(rafterr.Wrap(rafterr.KindIOError, err))
			return
		}
		off := headerBytes
		idx := s.active.firstIndex
		keepOffset := off
		keepLast := s.active.firstIndex - 1
		for idx <= s.active.lastIndex {
			batch, consumed, ok, err := decodeBatch(raw, off, idx)
			if err != nil || !ok {
				break
			}
			if batch[len(batch)-1].Index >= index {
				break
			}
			off += consumed
			idx += uint64(len(batch))
			keepOffset = off
			keepLast = idx - 1
		}
		if err := s.active.seg.file.Truncate(int64(keepOffset)); err != nil {
			cb(rafterr.Wrap(rafterr.KindIOError, err))
			return
		}
		if err := s.active.seg.file.Truncate(s.active.capacity); err != nil {
			cb(rafterr.Wrap(rafterr.KindIOError, err))
			return
		}
		s.active.writeOffset = int64(keepOffset)
		if keepLast < s.active.firstIndex {
			s.active.firstIndex, s.active.lastIndex = 0, 0
		} else {
			s.active.lastIndex = keepLast
		}
	}

	cb(nil)
}

// CompactPrefix removes every closed segment entirely below keepFrom. It
// is the durable-store half of the snapshot/log pruning protocol of
// spec.md §4.2: called after a successful snapshot put with
// keepFrom = snapshotLastIndex-trailing+1, it discards segments the new
// snapshot has made obsolete. Because whole segments are the unit, at
// least `trailing` entries at or below the boundary stay on disk; they
// are not loaded back into memory, and a follower whose next index is at
// or below the snapshot index is sent the snapshot.
func (s *Store) CompactPrefix(keepFrom uint64, cb func(error)) {
	if s.shut {
		cb(rafterr.ErrShutdown)
		return
	}
	if s.trailingBarrier {
		cb(rafterr.New(rafterr.KindIOError, "compaction already in progress"))
		return
	}
	s.trailingBarrier = true
	defer func() { s.trailingBarrier = false }()

	kept := s.closed[:0]
	var toRemove []string
	for _, c := range s.closed {
		if c.last < keepFrom {
			toRemove = append(toRemove, c.path)
			continue
		}
		kept = append(kept, c)
	}
	s.closed = kept

	for _, path := range toRemove {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			cb(rafterr.Wrap(rafterr.KindIOError, err))
			return
		}
	}
	if len(toRemove) > 0 {
		if err := fsyncDir(s.cfg.Dir); err != nil {
			cb(rafterr.Wrap(rafterr.KindIOError, err))
			return
		}
	}
	cb(nil)
}

// PrepareStats exposes the prepare pool's bounds for tests and host
// observability.
func (s *Store) PrepareStats() PrepareStats {
	return s.pool.stats()
}

// Close drains the prepare pool and closes the active segment file. Per
// spec.md §4.1/§5, any pending prepare requests fail with canceled
// before this returns.
func (s *Store) Close() error {
	if s.shut {
		return nil
	}
	s.shut = true
	var errs error
	if err := s.pool.close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if s.active != nil && s.active.seg.file != nil {
		if err := s.active.seg.file.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
