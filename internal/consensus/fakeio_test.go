package consensus

import (
	"github.com/coreraft/raft/internal/conf"
	"github.com/coreraft/raft/proto"
)

// fakeIO is an in-memory stand-in for the host's IO implementation, used
// to drive Core without any real disk or transport. Sends are queued into
// a shared network rather than delivered synchronously, so tests control
// exactly when messages arrive.
type fakeIO struct {
	id uint64
	net *network

	term uint64
	vote uint64

	entries  []raftpb.Entry
	snapshot *raftpb.Snapshot

	clock  int64
	seed   uint32

	failAppend bool
}

func (f *fakeIO) Load() (LoadResult, error) {
	res := LoadResult{Term: f.term, Vote: f.vote, Entries: append([]raftpb.Entry(nil), f.entries...)}
	if f.snapshot != nil {
		snap := *f.snapshot
		res.Snapshot = &snap
	}
	return res, nil
}

func (f *fakeIO) Bootstrap(conf.Configuration) error { return nil }

func (f *fakeIO) Append(entries []raftpb.Entry, cb func(error)) {
	if f.failAppend {
		cb(errFakeAppend)
		return
	}
	f.entries = append(f.entries, entries...)
	cb(nil)
}

func (f *fakeIO) Truncate(index uint64, cb func(error)) {
	kept := f.entries[:0:0]
	for _, e := range f.entries {
		if e.Index < index {
			kept = append(kept, e)
		}
	}
	f.entries = kept
	cb(nil)
}

func (f *fakeIO) SetTerm(term uint64, cb func(error)) {
	f.term = term
	cb(nil)
}

func (f *fakeIO) SetVote(vote uint64, cb func(error)) {
	f.vote = vote
	cb(nil)
}

// SnapshotPut mimics Store.CompactPrefix's contract: entries strictly
// below keepFrom = snapshotLastIndex-trailing+1 are dropped, leaving
// `trailing` entries at or below the snapshot boundary in storage.
func (f *fakeIO) SnapshotPut(trailing uint64, snap raftpb.Snapshot, cb func(error)) {
	s := snap
	f.snapshot = &s
	var keepFrom uint64
	if snap.Index > trailing {
		keepFrom = snap.Index - trailing + 1
	}
	kept := f.entries[:0:0]
	for _, e := range f.entries {
		if e.Index >= keepFrom {
			kept = append(kept, e)
		}
	}
	f.entries = kept
	cb(nil)
}

func (f *fakeIO) SnapshotGet() (raftpb.Snapshot, bool, error) {
	if f.snapshot == nil {
		return raftpb.Snapshot{}, false, nil
	}
	return *f.snapshot, true, nil
}

func (f *fakeIO) Send(msg raftpb.Message, cb func(error)) {
	f.net.enqueue(msg)
	cb(nil)
}

func (f *fakeIO) Time() int64 {
	f.clock++
	return f.clock
}

func (f *fakeIO) Random() uint32 {
	f.seed = f.seed*1103515245 + 12345
	return f.seed
}

var errFakeAppend = fakeErr("fakeio: append failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

// network is a minimal message bus connecting a set of Cores, modeled on
// the teacher's in-process raft network test harness: messages queue up
// until the test explicitly drains them, so scenarios can be driven
// deterministically.
type network struct {
	cores map[uint64]*Core
	ios   map[uint64]*fakeIO
	queue []raftpb.Message
}

func newNetwork() *network {
	return &network{cores: make(map[uint64]*Core), ios: make(map[uint64]*fakeIO)}
}

func (n *network) add(id uint64, c *Core, io *fakeIO) {
	n.cores[id] = c
	n.ios[id] = io
}

func (n *network) enqueue(msg raftpb.Message) {
	n.queue = append(n.queue, msg)
}

// deliverAll drains every queued message, feeding each to its destination
// Core. New messages produced while draining (e.g. AppendEntriesResult
// replies) are delivered in the same pass.
func (n *network) deliverAll() {
	for len(n.queue) > 0 {
		msg := n.queue[0]
		n.queue = n.queue[1:]
		dst, ok := n.cores[msg.To]
		if !ok {
			continue
		}
		dst.Step(msg)
	}
}

// tickAll advances every core by one tick.
func (n *network) tickAll() {
	for _, c := range n.cores {
		c.Tick()
	}
}

func (n *network) drop(to uint64) {
	kept := n.queue[:0:0]
	for _, m := range n.queue {
		if m.To != to {
			kept = append(kept, m)
		}
	}
	n.queue = kept
}
