package consensus

import "github.com/coreraft/raft/proto"

// Tick is the single driver function the host invokes every tick
// (spec.md §4.7): it advances the election timer, fires heartbeats, runs
// replication progress, drives catch-up round checks, and applies
// committed entries.
func (c *Core) Tick() {
	if c.shut {
		return
	}

	switch c.role {
	case RoleLeader:
		c.tickLeader()
	case RoleCandidate, RoleFollower:
		c.tickElection()
	case RoleUnavailable:
		return
	}

	c.applyCommitted()
}

func (c *Core) tickElection() {
	c.electionElapsed++
	if c.electionElapsed >= c.electionTimeout {
		c.becomeCandidate()
	}
}

func (c *Core) tickLeader() {
	c.heartbeatElapsed++
	if c.heartbeatDue() {
		c.broadcastAppend(true)
		c.heartbeatElapsed = 0
	} else {
		c.broadcastAppend(false)
	}
	c.tickTransfer()
	for _, pr := range c.progress {
		if pr.Round != nil {
			c.checkCatchUpRound(0, pr)
		}
	}
	c.advanceCommit()
}

// Step delivers one inbound message to the core, dispatching to the
// handler for its type. It is the host's single entry point for
// everything the transport receives (spec.md §6 "recv_cb").
func (c *Core) Step(msg raftpb.Message) {
	if c.shut {
		return
	}
	switch body := msg.Body.(type) {
	case raftpb.RequestVote:
		c.handleRequestVote(body, msg.From)
	case raftpb.RequestVoteResult:
		c.handleRequestVoteResult(body, msg.From)
	case raftpb.AppendEntries:
		c.handleAppendEntries(body, msg.From)
	case raftpb.AppendEntriesResult:
		c.handleAppendEntriesResult(body, msg.From)
	case raftpb.InstallSnapshot:
		c.handleInstallSnapshot(body, msg.From)
	case raftpb.InstallSnapshotResult:
		c.handleInstallSnapshotResult(body, msg.From)
	case raftpb.TimeoutNow:
		c.handleTimeoutNow(body, msg.From)
	default:
		c.tr.Warnf("replica %d: message from %d with unrecognized body type %T", c.id, msg.From, msg.Body)
	}
}
