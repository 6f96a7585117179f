package raft

import (
	"math/rand"
	"time"

	"github.com/coreraft/raft/internal/conf"
	"github.com/coreraft/raft/internal/consensus"
	"github.com/coreraft/raft/internal/rafterr"
	"github.com/coreraft/raft/internal/snapshot"
	"github.com/coreraft/raft/internal/store"
	"github.com/coreraft/raft/proto"
)

// Transport hands one outbound message to the wire; the host implements
// this over whatever RPC mechanism it prefers (spec.md §6 "send()"). The
// call is synchronous, matching w41ter-bior's Transport.Send contract.
type Transport interface {
	Send(msg raftpb.Message) error
}

// ioAdapter satisfies internal/consensus.IO by wiring together the
// segmented log store, the snapshot store, and the host's transport —
// exactly the three collaborators spec.md §6 lists behind the I/O
// contract. It is the only place in this module where those packages are
// assembled; internal/consensus never imports any of them directly.
type ioAdapter struct {
	dir       string
	st        *store.Store
	snapshots *snapshot.Store
	transport Transport

	start time.Time
	rng   *rand.Rand

	term    uint64
	vote    uint64
	entries []raftpb.Entry
	snap    *raftpb.Snapshot
}

func newIOAdapter(dir string, st *store.Store, entries []raftpb.Entry, snaps *snapshot.Store, transport Transport) (*ioAdapter, error) {
	term, vote, err := store.LoadMeta(dir)
	if err != nil {
		return nil, err
	}
	a := &ioAdapter{
		dir:       dir,
		st:        st,
		snapshots: snaps,
		transport: transport,
		start:     time.Now(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		term:      term,
		vote:      vote,
		entries:   entries,
	}

	meta, data, ok, err := snaps.GetLatest()
	if err != nil {
		return nil, err
	}
	if ok {
		a.snap = &raftpb.Snapshot{
			Index:              meta.Index,
			Term:               meta.Term,
			ConfigurationIndex: meta.ConfigurationIndex,
			Configuration:      conf.Encode(meta.Configuration),
			Data:               data,
		}
	}
	return a, nil
}

func (a *ioAdapter) Load() (consensus.LoadResult, error) {
	entries := a.entries
	if a.snap != nil {
		// the store keeps trailing entries at or below the snapshot
		// index; the snapshot already covers them.
		for len(entries) > 0 && entries[0].Index <= a.snap.Index {
			entries = entries[1:]
		}
	}
	return consensus.LoadResult{Term: a.term, Vote: a.vote, Snapshot: a.snap, Entries: entries}, nil
}

// Bootstrap needs no extra durable work here: the caller (Replica) appends
// the initial configuration entry through the normal Append path right
// after this returns.
func (a *ioAdapter) Bootstrap(conf.Configuration) error { return nil }

func (a *ioAdapter) Append(entries []raftpb.Entry, cb func(error)) {
	a.st.Append(entries, cb)
}

func (a *ioAdapter) Truncate(index uint64, cb func(error)) {
	a.st.Truncate(index, cb)
}

func (a *ioAdapter) SetTerm(term uint64, cb func(error)) {
	a.term = term
	cb(store.SaveMeta(a.dir, a.term, a.vote))
}

func (a *ioAdapter) SetVote(vote uint64, cb func(error)) {
	a.vote = vote
	cb(store.SaveMeta(a.dir, a.term, a.vote))
}

// SnapshotPut persists the new snapshot, then compacts the log prefix
// down to `trailing` entries behind its boundary, per spec.md §4.2's
// trailing-entries rule (SPEC_FULL.md's trailingBarrier redesign of the
// original finalize_last_index interlock).
func (a *ioAdapter) SnapshotPut(trailing uint64, snap raftpb.Snapshot, cb func(error)) {
	cfg, err := conf.Decode(snap.Configuration)
	if err != nil {
		cb(rafterr.Wrap(rafterr.KindMalformed, err))
		return
	}
	meta := snapshot.Metadata{
		Term:               snap.Term,
		Index:              snap.Index,
		Timestamp:          uint64(time.Now().Unix()),
		ConfigurationIndex: snap.ConfigurationIndex,
		Configuration:      cfg,
	}
	if err := a.snapshots.Put(meta, snap.Data); err != nil {
		cb(err)
		return
	}
	s := snap
	a.snap = &s

	var keepFrom uint64
	if snap.Index > trailing {
		keepFrom = snap.Index - trailing + 1
	}
	a.st.CompactPrefix(keepFrom, cb)
}

func (a *ioAdapter) SnapshotGet() (raftpb.Snapshot, bool, error) {
	if a.snap == nil {
		return raftpb.Snapshot{}, false, nil
	}
	return *a.snap, true, nil
}

func (a *ioAdapter) Send(msg raftpb.Message, cb func(error)) {
	cb(a.transport.Send(msg))
}

func (a *ioAdapter) Time() int64 { return time.Since(a.start).Milliseconds() }

func (a *ioAdapter) Random() uint32 { return a.rng.Uint32() }
