package consensus

import (
	"github.com/coreraft/raft/internal/conf"
	"github.com/coreraft/raft/internal/progress"
	"github.com/coreraft/raft/internal/rafterr"
	"github.com/coreraft/raft/proto"
)

// Propose appends a command entry on the leader and triggers replication,
// per spec.md §2's data flow ("user ⇒ leader.apply → log ⇒ replication").
// Returns the index the entry was assigned so the caller can track
// completion via CommitIndex/LastApplied.
func (c *Core) Propose(payload []byte) (uint64, error) {
	if c.role != RoleLeader {
		return 0, rafterr.ErrNotLeader
	}
	if c.transferTarget != 0 {
		return 0, rafterr.New(rafterr.KindNotLeader, "leadership transfer in progress")
	}
	idx := c.log.Append(c.term, raftpb.EntryCommand, payload)
	if err := c.persistAppend(idx); err != nil {
		return 0, err
	}
	c.trigger(idx)
	return idx, nil
}

// Barrier appends a content-less entry that, once committed, guarantees
// every command proposed before it has also committed (spec.md GLOSSARY
// "Barrier").
func (c *Core) Barrier() (uint64, error) {
	if c.role != RoleLeader {
		return 0, rafterr.ErrNotLeader
	}
	idx := c.log.Append(c.term, raftpb.EntryBarrier, nil)
	if err := c.persistAppend(idx); err != nil {
		return 0, err
	}
	c.trigger(idx)
	return idx, nil
}

// ProposeConfiguration appends a configuration entry; the caller
// (root package, which owns the membership-change interlock per
// spec.md §3's "at most one change in flight") has already computed the
// resulting Configuration via conf.Apply.
func (c *Core) ProposeConfiguration(cfg conf.Configuration) (uint64, error) {
	if c.role != RoleLeader {
		return 0, rafterr.ErrNotLeader
	}
	if c.confChangeInFlight {
		return 0, rafterr.ErrConfBusy
	}
	idx := c.log.Append(c.term, raftpb.EntryConfiguration, conf.Encode(cfg))
	if err := c.persistAppend(idx); err != nil {
		return 0, err
	}
	c.confChangeInFlight = true
	c.configuration = cfg
	c.configurationIndex = idx
	c.rebuildProgress()
	c.trigger(idx)
	return idx, nil
}

// persistAppend durably writes the single just-appended entry, rolling
// back the in-memory append on failure per spec.md §9's rollback
// guidance ("any failure after log append must truncate the appended
// entry").
func (c *Core) persistAppend(idx uint64) error {
	entry, _ := c.log.Get(idx)
	var err error
	c.io.Append([]raftpb.Entry{entry}, func(e error) { err = e })
	if err != nil {
		c.log.Discard(idx)
		c.fail(err)
		return err
	}
	return nil
}

// trigger is spec.md §4.5's replication trigger: mark the log dirty and
// loop through progress, sending whatever each follower is ready for.
func (c *Core) trigger(index uint64) {
	if c.configuration.VoterCount() <= 1 {
		// single-voter cluster: our own append already satisfies quorum.
		c.advanceCommit()
		c.applyCommitted()
		return
	}
	c.broadcastAppend(false)
}

func (c *Core) broadcastAppend(force bool) {
	for id, pr := range c.progress {
		c.sendAppendTo(id, pr, force)
	}
}

func (c *Core) heartbeatDue() bool {
	return c.heartbeatElapsed >= c.opts.HeartbeatTicks
}

// sendAppendTo decides what, if anything, to send a given follower right
// now, per spec.md §4.5's progress(follower_i) logic.
func (c *Core) sendAppendTo(id uint64, pr *progress.Progress, force bool) {
	if pr.NeedsSnapshot(c.snapshotLastIndex()) {
		c.sendInstallSnapshot(id, pr)
		return
	}
	if !force {
		if pr.NextIndex > c.log.LastIndex() && !c.heartbeatDue() {
			return
		}
		if !pr.CanSend() {
			return
		}
	}

	prevIndex := pr.NextIndex - 1
	prevTerm, ok := c.log.Term(prevIndex)
	if !ok {
		c.sendInstallSnapshot(id, pr)
		return
	}

	var entries []raftpb.Entry
	if pr.NextIndex <= c.log.LastIndex() {
		last := min64(pr.NextIndex+uint64(c.opts.MaxEntriesPerMsg)-1, c.log.LastIndex())
		entries = c.log.Slice(pr.NextIndex, last+1)
	}

	c.sendMessage(raftpb.Message{
		Type: raftpb.MsgAppendEntries,
		From: c.id,
		To:   id,
		Body: raftpb.AppendEntries{
			Term:         c.term,
			LeaderID:     c.id,
			PrevLogIndex: prevIndex,
			PrevLogTerm:  prevTerm,
			LeaderCommit: c.commitIndex,
			Entries:      entries,
		},
	})

	last := prevIndex
	if len(entries) > 0 {
		last = entries[len(entries)-1].Index
	}
	pr.RecordSend(last, timeFromMillis(c.now()))
}

// advanceCommit recomputes commit_index as the highest N a quorum of
// voters have replicated in the current term (spec.md §4.5's term-safety
// rule, which forbids committing by counting replication of a prior
// term's entries directly).
func (c *Core) advanceCommit() {
	if c.role != RoleLeader {
		return
	}
	voters := c.configuration.Voters()
	if len(voters) == 0 {
		return
	}
	matches := make([]uint64, 0, len(voters))
	for _, id := range voters {
		if id == c.id {
			matches = append(matches, c.log.LastIndex())
			continue
		}
		if pr, ok := c.progress[id]; ok {
			matches = append(matches, pr.MatchIndex)
		} else {
			matches = append(matches, 0)
		}
	}
	sortedDesc(matches)
	need := conf.Quorum(len(voters))
	if need <= 0 || need > len(matches) {
		return
	}
	n := matches[need-1]
	if n <= c.commitIndex {
		return
	}
	if term, ok := c.log.Term(n); !ok || term != c.term {
		return
	}
	c.commitIndex = n
}

// applyCommitted delivers every committed-but-not-yet-applied entry to
// the FSM callback in strictly increasing order (spec.md §8 "State
// machine safety").
func (c *Core) applyCommitted() {
	for c.lastApplied < c.commitIndex {
		idx := c.lastApplied + 1
		e, ok := c.log.Get(idx)
		if !ok {
			break
		}
		if e.Type == raftpb.EntryConfiguration {
			if cfg, err := conf.Decode(e.Payload); err == nil {
				c.configuration = cfg
				c.configurationIndex = idx
				c.rebuildProgress()
				c.confChangeInFlight = false
				if c.cb != nil {
					c.cb.ConfigurationChanged(cfg)
				}
			}
		}
		if c.cb != nil {
			c.cb.ApplyEntry(e)
		}
		c.lastApplied = idx
	}
}

func (c *Core) handleAppendEntries(ae raftpb.AppendEntries, from uint64) {
	c.stepDownOnHigherTerm(ae.Term)

	if ae.Term < c.term {
		c.rejectAppend(from, c.log.LastIndex())
		return
	}

	if c.role == RoleCandidate {
		c.becomeFollower(from)
	} else {
		c.role = RoleFollower
		if from != c.leaderID {
			c.leaderID = from
			if c.cb != nil {
				c.cb.LeaderChanged(from)
			}
		}
	}
	c.resetElectionTimeout()

	if c.barrier {
		c.rejectAppend(from, c.log.LastIndex())
		return
	}

	prevTerm, ok := c.log.Term(ae.PrevLogIndex)
	if !ok || prevTerm != ae.PrevLogTerm {
		c.rejectAppend(from, min64(ae.PrevLogIndex, c.log.LastIndex()))
		return
	}

	if conflict := c.log.FindConflict(ae.Entries); conflict != 0 {
		c.log.Truncate(conflict)
		c.io.Truncate(conflict, func(error) {})
	}

	var toAppend []raftpb.Entry
	for _, e := range ae.Entries {
		if e.Index > c.log.LastIndex() {
			toAppend = append(toAppend, e)
		}
	}
	if len(toAppend) > 0 {
		c.log.AppendEntries(toAppend)
		var err error
		c.io.Append(toAppend, func(e error) { err = e })
		if err != nil {
			c.log.Discard(toAppend[0].Index)
			c.fail(err)
			return
		}
	}

	if ae.LeaderCommit > c.commitIndex {
		c.commitIndex = min64(ae.LeaderCommit, c.log.LastIndex())
		c.applyCommitted()
	}

	c.sendMessage(raftpb.Message{
		Type: raftpb.MsgAppendEntriesResult,
		From: c.id,
		To:   from,
		Body: raftpb.AppendEntriesResult{Term: c.term, Rejected: 0, LastLogIndex: c.log.LastIndex()},
	})
}

func (c *Core) rejectAppend(from uint64, lastLogIndex uint64) {
	c.sendMessage(raftpb.Message{
		Type: raftpb.MsgAppendEntriesResult,
		From: c.id,
		To:   from,
		Body: raftpb.AppendEntriesResult{Term: c.term, Rejected: lastLogIndex + 1, LastLogIndex: lastLogIndex},
	})
}

func (c *Core) handleAppendEntriesResult(res raftpb.AppendEntriesResult, from uint64) {
	c.stepDownOnHigherTerm(res.Term)
	if c.role != RoleLeader || res.Term != c.term {
		return
	}
	pr, ok := c.progress[from]
	if !ok {
		return
	}
	if res.Rejected != 0 {
		pr.OnAppendReject(res.Rejected - 1)
	} else {
		pr.OnAppendSuccess(res.LastLogIndex)
		c.advanceCommit()
		c.applyCommitted()
		c.checkCatchUpRound(from, pr)
		c.checkTransfer(from, pr)
	}
	c.sendAppendTo(from, pr, false)
}
