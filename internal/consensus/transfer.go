package consensus

import (
	"github.com/coreraft/raft/internal/progress"
	"github.com/coreraft/raft/internal/rafterr"
	"github.com/coreraft/raft/proto"
)

// TransferLeadership begins handing leadership to target (or, if target
// is 0, the most caught-up voter), per spec.md §4.6. If the target is
// already fully caught up, TimeoutNow is sent immediately; otherwise the
// transfer waits for its progress to reach the leader's last index,
// checked as AppendEntriesResults arrive.
func (c *Core) TransferLeadership(target uint64) error {
	if c.role != RoleLeader {
		return rafterr.ErrNotLeader
	}
	if target == 0 {
		target = c.mostCaughtUpVoter()
	}
	if target == 0 || target == c.id {
		return rafterr.New(rafterr.KindBadID, "no eligible transfer target")
	}
	pr, ok := c.progress[target]
	if !ok || !c.configuration.IsVoter(target) {
		return rafterr.ErrBadID
	}

	c.transferTarget = target
	c.transferElapsed = 0

	if pr.MatchIndex == c.log.LastIndex() {
		c.sendTimeoutNow(target)
	}
	return nil
}

func (c *Core) mostCaughtUpVoter() uint64 {
	var best uint64
	var bestMatch uint64
	for _, id := range c.configuration.Voters() {
		if id == c.id {
			continue
		}
		pr, ok := c.progress[id]
		if !ok {
			continue
		}
		if best == 0 || pr.MatchIndex > bestMatch {
			best = id
			bestMatch = pr.MatchIndex
		}
	}
	return best
}

func (c *Core) sendTimeoutNow(target uint64) {
	c.sendMessage(raftpb.Message{
		Type: raftpb.MsgTimeoutNow,
		From: c.id,
		To:   target,
		Body: raftpb.TimeoutNow{Term: c.term, LastLogIndex: c.log.LastIndex(), LastLogTerm: c.log.LastTerm()},
	})
}

// checkTransfer fires TimeoutNow once the pending transfer target has
// fully caught up, called after every successful AppendEntriesResult.
func (c *Core) checkTransfer(from uint64, pr *progress.Progress) {
	if c.transferTarget == 0 || c.transferTarget != from {
		return
	}
	if pr.MatchIndex == c.log.LastIndex() {
		c.sendTimeoutNow(from)
	}
}

// handleTimeoutNow starts an election immediately, bypassing the normal
// election timer, per spec.md §4.6.
func (c *Core) handleTimeoutNow(tn raftpb.TimeoutNow, from uint64) {
	c.stepDownOnHigherTerm(tn.Term)
	if tn.Term < c.term {
		return
	}
	if c.role == RoleLeader {
		return
	}
	c.tr.Infof("replica %d: received TimeoutNow from %d, starting election early", c.id, from)
	c.becomeCandidate()
}

// tickTransfer aborts a leadership transfer that has not completed within
// one election timeout, returning the replica to normal operation.
func (c *Core) tickTransfer() {
	if c.transferTarget == 0 {
		return
	}
	c.transferElapsed++
	if c.transferElapsed >= c.electionTimeout {
		c.tr.Warnf("replica %d: leadership transfer to %d timed out", c.id, c.transferTarget)
		c.transferTarget = 0
		c.transferElapsed = 0
	}
}
