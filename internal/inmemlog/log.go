// Package inmemlog implements the in-memory log described in spec.md §4.3:
// a contiguous run of entries over [snapshotLastIndex+1 .. lastIndex], with
// a pinned (snapshotLastIndex, snapshotLastTerm) prefix left behind by the
// most recent compaction.
package inmemlog

import (
	"fmt"

	"github.com/coreraft/raft/proto"
)

// Log is not safe for concurrent use; each replica owns exactly one and
// touches it only from its single executor goroutine (spec.md §5).
type Log struct {
	snapshotLastIndex uint64
	snapshotLastTerm  uint64

	// entries[i] has raft index snapshotLastIndex+1+i.
	entries []raftpb.Entry
}

// New returns an empty log pinned at (snapshotLastIndex, snapshotLastTerm);
// pass (0, 0) for a brand-new log.
func New(snapshotLastIndex, snapshotLastTerm uint64) *Log {
	return &Log{snapshotLastIndex: snapshotLastIndex, snapshotLastTerm: snapshotLastTerm}
}

// Restore rebuilds a log from entries already loaded off disk (crash
// recovery / startup load), pinned at the given snapshot boundary.
func Restore(snapshotLastIndex, snapshotLastTerm uint64, entries []raftpb.Entry) *Log {
	l := New(snapshotLastIndex, snapshotLastTerm)
	if len(entries) > 0 {
		l.entries = append(l.entries, entries...)
	}
	return l
}

// FirstIndex is the oldest index this log can answer queries for.
func (l *Log) FirstIndex() uint64 { return l.snapshotLastIndex + 1 }

// LastIndex is the newest index in this log, or the snapshot boundary if
// empty.
func (l *Log) LastIndex() uint64 { return l.snapshotLastIndex + uint64(len(l.entries)) }

// LastTerm is the term of LastIndex.
func (l *Log) LastTerm() uint64 {
	if len(l.entries) == 0 {
		return l.snapshotLastTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// SnapshotBoundary returns the pinned (index, term) prefix.
func (l *Log) SnapshotBoundary() (index, term uint64) {
	return l.snapshotLastIndex, l.snapshotLastTerm
}

// Get returns the entry at raft index idx.
func (l *Log) Get(idx uint64) (raftpb.Entry, bool) {
	if idx < l.FirstIndex() || idx > l.LastIndex() {
		return raftpb.Entry{}, false
	}
	return l.entries[idx-l.FirstIndex()], true
}

// Term returns the term at idx, or (0, false) if idx predates the
// snapshot boundary or postdates the log. idx == snapshotLastIndex
// resolves to snapshotLastTerm.
func (l *Log) Term(idx uint64) (uint64, bool) {
	if idx == l.snapshotLastIndex {
		return l.snapshotLastTerm, true
	}
	e, ok := l.Get(idx)
	if !ok {
		return 0, false
	}
	return e.Term, true
}

// Slice returns entries in [lo, hi).
func (l *Log) Slice(lo, hi uint64) []raftpb.Entry {
	if lo >= hi {
		return nil
	}
	if lo < l.FirstIndex() || hi > l.LastIndex()+1 {
		panic(fmt.Sprintf("inmemlog: slice [%d,%d) out of bounds [%d,%d]",
			lo, hi, l.FirstIndex(), l.LastIndex()))
	}
	off := l.FirstIndex()
	return l.entries[lo-off : hi-off]
}

// Append adds one entry at LastIndex()+1 and returns its index. Callers
// (the leader's Propose/ProposeConfiguration path) are responsible for
// stamping term/type before calling; Append never overwrites, per the
// leader append-only invariant (spec.md §8).
func (l *Log) Append(term uint64, typ raftpb.EntryType, payload []byte) uint64 {
	idx := l.LastIndex() + 1
	l.entries = append(l.entries, raftpb.Entry{Index: idx, Term: term, Type: typ, Payload: payload})
	return idx
}

// AppendEntries appends a batch of already-indexed entries verbatim; used
// by a follower accepting a replicated batch once it has resolved any
// conflict via Truncate.
func (l *Log) AppendEntries(entries []raftpb.Entry) {
	l.entries = append(l.entries, entries...)
}

// Truncate drops every entry at or above fromIdx. Used when a follower's
// log conflicts with what the leader sends, or to roll back a local
// append that failed to persist.
func (l *Log) Truncate(fromIdx uint64) {
	if fromIdx <= l.snapshotLastIndex {
		l.entries = l.entries[:0]
		return
	}
	if fromIdx > l.LastIndex() {
		return
	}
	l.entries = l.entries[:fromIdx-l.FirstIndex()]
}

// Discard is Truncate without any implication that the dropped payloads
// are reclaimed; spec.md §4.3 distinguishes the two call sites (Truncate
// is a log-matching resolution, Discard is an append-error rollback) even
// though Go's GC makes the underlying mechanics identical.
func (l *Log) Discard(fromIdx uint64) {
	l.Truncate(fromIdx)
}

// SnapshotRestored drops every entry at or below lastIndex and repins the
// prefix at (lastIndex, lastTerm), per spec.md §4.3.
func (l *Log) SnapshotRestored(lastIndex, lastTerm uint64) {
	if lastIndex <= l.snapshotLastIndex {
		return
	}
	if lastIndex >= l.LastIndex() {
		l.entries = l.entries[:0]
	} else {
		l.entries = l.entries[lastIndex-l.FirstIndex()+1:]
	}
	l.snapshotLastIndex = lastIndex
	l.snapshotLastTerm = lastTerm
}

// IsUpToDate reports whether a candidate log described by (lastTerm,
// lastIndex) is at least as up-to-date as this one, per spec.md §4.6's
// vote-granting rule.
func (l *Log) IsUpToDate(lastTerm, lastIndex uint64) bool {
	myTerm := l.LastTerm()
	return lastTerm > myTerm || (lastTerm == myTerm && lastIndex >= l.LastIndex())
}

// FindConflict scans entries (assumed contiguous starting at some index)
// against what is already stored, returning the index of the first entry
// whose term disagrees with the local log, or 0 if there is no conflict
// and every entry already present matches.
func (l *Log) FindConflict(entries []raftpb.Entry) uint64 {
	for _, e := range entries {
		if existing, ok := l.Term(e.Index); ok {
			if existing != e.Term {
				return e.Index
			}
			continue
		}
		// entry.Index is beyond what we have; nothing more to compare.
		return 0
	}
	return 0
}
