package consensus

import "github.com/coreraft/raft/proto"

// resetElectionTimeout randomizes the next election deadline into
// [ElectionTicks, 2*ElectionTicks) per spec.md §4.6, to avoid split votes
// from synchronized timers across replicas.
func (c *Core) resetElectionTimeout() {
	c.electionElapsed = 0
	jitter := 0
	if c.opts.ElectionTicks > 0 {
		jitter = int(c.io.Random() % uint32(c.opts.ElectionTicks))
	}
	c.electionTimeout = c.opts.ElectionTicks + jitter
}

// persistTermVote durably writes (term, vote) before either is acted on,
// per spec.md §4.6 "Persist (term, voted_for) before replying".
func (c *Core) persistTermVote(term, vote uint64) error {
	var err error
	c.io.SetTerm(term, func(e error) { err = e })
	if err != nil {
		return err
	}
	c.io.SetVote(vote, func(e error) { err = e })
	if err != nil {
		return err
	}
	c.term = term
	c.vote = vote
	return nil
}

// stepDownOnHigherTerm implements spec.md §4.6's universal rule: any RPC
// in or out carrying term > currentTerm forces a term bump, clears the
// vote, and demotes to follower, checked before any other message logic.
func (c *Core) stepDownOnHigherTerm(msgTerm uint64) {
	if msgTerm <= c.term {
		return
	}
	c.tr.Infof("replica %d: observed higher term %d > %d, stepping down", c.id, msgTerm, c.term)
	if err := c.persistTermVote(msgTerm, 0); err != nil {
		c.fail(err)
		return
	}
	c.becomeFollower(0)
}

// becomeFollower transitions to follower under leaderID (0 if unknown).
func (c *Core) becomeFollower(leaderID uint64) {
	wasLeader := c.role == RoleLeader
	c.role = RoleFollower
	if leaderID != c.leaderID {
		c.leaderID = leaderID
		if c.cb != nil {
			c.cb.LeaderChanged(leaderID)
		}
	}
	c.votesGranted = nil
	c.votesResponded = nil
	if wasLeader {
		c.progress = nil
	}
	c.transferTarget = 0
	c.resetElectionTimeout()
}

// becomeCandidate starts a new election: bump term, vote for self,
// persist, reset the timer, and solicit votes from every voter (spec.md
// §4.6).
func (c *Core) becomeCandidate() {
	if c.role == RoleLeader {
		return
	}
	newTerm := c.term + 1
	if err := c.persistTermVote(newTerm, c.id); err != nil {
		c.fail(err)
		return
	}
	c.role = RoleCandidate
	c.leaderID = 0
	c.resetElectionTimeout()
	c.votesGranted = map[uint64]bool{c.id: true}
	c.votesResponded = map[uint64]bool{c.id: true}

	c.tr.Infof("replica %d: starting election for term %d", c.id, c.term)

	c.broadcastRequestVote()
	c.maybeBecomeLeaderOnQuorum()
}

func (c *Core) broadcastRequestVote() {
	lastIndex := c.log.LastIndex()
	lastTerm := c.log.LastTerm()
	for _, id := range c.configuration.Voters() {
		if id == c.id {
			continue
		}
		c.sendMessage(raftpb.Message{
			Type: raftpb.MsgRequestVote,
			From: c.id,
			To:   id,
			Body: raftpb.RequestVote{
				Term:         c.term,
				CandidateID:  c.id,
				LastLogIndex: lastIndex,
				LastLogTerm:  lastTerm,
			},
		})
	}
}

func (c *Core) maybeBecomeLeaderOnQuorum() {
	if c.role != RoleCandidate {
		return
	}
	if c.configuration.VoterCount() == 0 || c.configuration.HasQuorum(c.votesGranted) {
		c.becomeLeader()
	}
}

// becomeLeader initializes per-follower progress and appends a barrier
// entry in the new term, per spec.md §4.6's "commit residual entries of
// prior terms" rule.
func (c *Core) becomeLeader() {
	c.role = RoleLeader
	c.leaderID = c.id
	c.votesGranted = nil
	c.votesResponded = nil
	c.transferTarget = 0
	c.rebuildProgress()

	c.tr.Infof("replica %d: became leader for term %d", c.id, c.term)

	idx := c.log.Append(c.term, raftpb.EntryBarrier, nil)
	entry, _ := c.log.Get(idx)
	var err error
	c.io.Append([]raftpb.Entry{entry}, func(e error) { err = e })
	if err != nil {
		c.log.Discard(idx)
		c.fail(err)
		return
	}

	if c.cb != nil {
		c.cb.LeaderChanged(c.id)
	}

	c.heartbeatElapsed = 0
	c.broadcastAppend(true)
}

func (c *Core) handleRequestVote(rv raftpb.RequestVote, from uint64) {
	c.stepDownOnHigherTerm(rv.Term)

	granted := false
	if rv.Term == c.term &&
		(c.vote == 0 || c.vote == rv.CandidateID) &&
		c.log.IsUpToDate(rv.LastLogTerm, rv.LastLogIndex) {
		if err := c.persistTermVote(c.term, rv.CandidateID); err != nil {
			c.fail(err)
			return
		}
		granted = true
		c.resetElectionTimeout()
	}

	c.sendMessage(raftpb.Message{
		Type: raftpb.MsgRequestVoteResult,
		From: c.id,
		To:   from,
		Body: raftpb.RequestVoteResult{Term: c.term, VoteGranted: granted},
	})
}

func (c *Core) handleRequestVoteResult(res raftpb.RequestVoteResult, from uint64) {
	c.stepDownOnHigherTerm(res.Term)
	if c.role != RoleCandidate || res.Term != c.term {
		return
	}
	c.votesResponded[from] = true
	if res.VoteGranted {
		c.votesGranted[from] = true
	}
	c.maybeBecomeLeaderOnQuorum()
}
