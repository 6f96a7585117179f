package consensus

import (
	"github.com/coreraft/raft/internal/conf"
	"github.com/coreraft/raft/proto"
)

// LoadResult is everything IO.Load recovers at startup: the persistent
// term/vote pair, the latest snapshot (if any), and every log entry still
// held durably above the snapshot boundary (spec.md §6 "load()").
type LoadResult struct {
	Term     uint64
	Vote     uint64
	Snapshot *raftpb.Snapshot
	Entries  []raftpb.Entry
}

// IO is the abstract collaborator the core consumes for every durable and
// networked operation (spec.md §6). Every write operation takes a
// completion callback; per spec.md §9's "one-thread-per-replica blocking
// I/O" option, implementations may invoke cb synchronously before
// returning, which is exactly what this core assumes when it reads a
// result immediately after the call. Implementations that genuinely defer
// must route the deferred callback back onto the replica's single
// executor themselves.
type IO interface {
	// Load recovers persistent state at startup.
	Load() (LoadResult, error)
	// Bootstrap seeds a brand-new member with its initial configuration.
	Bootstrap(configuration conf.Configuration) error
	// Append durably persists entries, in order, after any prior Append.
	Append(entries []raftpb.Entry, cb func(error))
	// Truncate drops every durable entry at or above index (log-matching
	// conflict resolution; spec.md §4.1).
	Truncate(index uint64, cb func(error))
	// SetTerm persists the current term.
	SetTerm(term uint64, cb func(error))
	// SetVote persists the current vote.
	SetVote(vote uint64, cb func(error))
	// SnapshotPut durably stores a new snapshot and compacts the log
	// prefix down to `trailing` entries behind its boundary.
	SnapshotPut(trailing uint64, snapshot raftpb.Snapshot, cb func(error))
	// SnapshotGet returns the latest durable snapshot, if any.
	SnapshotGet() (raftpb.Snapshot, bool, error)
	// Send hands a message to the transport; ownership passes to it
	// until cb fires.
	Send(msg raftpb.Message, cb func(error))
	// Time returns a monotonic millisecond clock reading.
	Time() int64
	// Random returns a host-supplied source of randomness, used to
	// jitter election timeouts.
	Random() uint32
}
