package consensus

import (
	"github.com/coreraft/raft/internal/conf"
	"github.com/coreraft/raft/internal/progress"
	"github.com/coreraft/raft/internal/rafterr"
	"github.com/coreraft/raft/proto"
)

// sendInstallSnapshot transfers the latest durable snapshot to a follower
// whose required index has already been compacted away (spec.md §4.5).
func (c *Core) sendInstallSnapshot(id uint64, pr *progress.Progress) {
	snap, ok, err := c.io.SnapshotGet()
	if err != nil {
		c.tr.Warnf("replica %d: snapshot read for %d failed: %v", c.id, id, err)
		return
	}
	if !ok {
		// nothing to send yet; the next tick will retry once one exists.
		return
	}
	pr.SendSnapshot(snap.Index)
	c.sendMessage(raftpb.Message{
		Type: raftpb.MsgInstallSnapshot,
		From: c.id,
		To:   id,
		Body: raftpb.InstallSnapshot{
			Term:               c.term,
			LeaderID:           c.id,
			LastIndex:          snap.Index,
			LastTerm:           snap.Term,
			ConfigurationIndex: snap.ConfigurationIndex,
			Configuration:      snap.Configuration,
			Data:               snap.Data,
		},
	})
}

// ApplySnapshot records a snapshot the host's FSM has taken locally
// through index, persisting it and compacting the durable log behind it
// (spec.md §8 scenario 4, "leader takes snapshot at index 100
// trailing=10"), grounded on w41ter-bior/raft/core/core.go's
// ApplySnapshot→log.CompactTo. index must already be applied; term and
// the configuration in effect at index are filled in from local state,
// since the host only ever hands back the FSM bytes it snapshotted.
func (c *Core) ApplySnapshot(index uint64, data []byte, trailing uint64) error {
	if index <= c.snapshotIndex {
		return rafterr.New(rafterr.KindBadID, "snapshot index %d is not newer than current snapshot %d", index, c.snapshotIndex)
	}
	if index > c.lastApplied {
		return rafterr.New(rafterr.KindBadID, "snapshot index %d has not been applied yet (last applied %d)", index, c.lastApplied)
	}
	term, ok := c.log.Term(index)
	if !ok {
		return rafterr.New(rafterr.KindNotFound, "no log entry for snapshot index %d", index)
	}

	snap := raftpb.Snapshot{
		Index:              index,
		Term:               term,
		ConfigurationIndex: c.configurationIndex,
		Configuration:      conf.Encode(c.configuration),
		Data:               data,
	}

	c.barrier = true
	var putErr error
	c.io.SnapshotPut(trailing, snap, func(e error) { putErr = e })
	c.barrier = false
	if putErr != nil {
		return putErr
	}

	c.log.SnapshotRestored(index, term)
	c.snapshotIndex = index
	c.snapshotTerm = term
	return nil
}

// handleInstallSnapshot applies a received snapshot, per spec.md §4.5's
// InstallSnapshot receiver logic: already-applied snapshots are
// acknowledged and ignored; otherwise the snapshot is written durably,
// the log prefix compacted, and commit/last-applied reset to its
// boundary. The barrier suppresses other disk writes for the duration.
func (c *Core) handleInstallSnapshot(is raftpb.InstallSnapshot, from uint64) {
	c.stepDownOnHigherTerm(is.Term)
	if is.Term < c.term {
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

	if is.LastIndex <= c.lastApplied {
		c.sendMessage(raftpb.Message{
			Type: raftpb.MsgInstallSnapshotResult,
			From: c.id,
			To:   from,
			Body: raftpb.InstallSnapshotResult{Term: c.term, LastLogIndex: c.log.LastIndex()},
		})
		return
	}

	cfg, err := conf.Decode(is.Configuration)
	if err != nil {
		c.fail(rafterr.Wrap(rafterr.KindMalformed, err))
		return
	}

	c.barrier = true
	snap := raftpb.Snapshot{
		Index:              is.LastIndex,
		Term:               is.LastTerm,
		ConfigurationIndex: is.ConfigurationIndex,
		Configuration:      is.Configuration,
		Data:               is.Data,
	}
	var putErr error
	c.io.SnapshotPut(c.opts.SnapshotTrailing, snap, func(e error) { putErr = e })
	c.barrier = false
	if putErr != nil {
		c.fail(putErr)
		return
	}

	c.log.SnapshotRestored(is.LastIndex, is.LastTerm)
	c.snapshotIndex = is.LastIndex
	c.snapshotTerm = is.LastTerm
	c.commitIndex = is.LastIndex
	c.lastApplied = is.LastIndex
	c.configuration = cfg
	c.configurationIndex = is.ConfigurationIndex
	c.confChangeInFlight = false

	if c.cb != nil {
		c.cb.ConfigurationChanged(cfg)
	}

	c.sendMessage(raftpb.Message{
		Type: raftpb.MsgInstallSnapshotResult,
		From: c.id,
		To:   from,
		Body: raftpb.InstallSnapshotResult{Term: c.term, LastLogIndex: c.log.LastIndex()},
	})
}

func (c *Core) handleInstallSnapshotResult(res raftpb.InstallSnapshotResult, from uint64) {
	c.stepDownOnHigherTerm(res.Term)
	if c.role != RoleLeader || res.Term != c.term {
		return
	}
	pr, ok := c.progress[from]
	if !ok {
		return
	}
	snap, hasSnap, err := c.io.SnapshotGet()
	if err != nil || !hasSnap {
		pr.OnSnapshotFailure()
		return
	}
	if res.LastLogIndex >= snap.Index {
		pr.OnSnapshotSuccess()
		c.advanceCommit()
		c.applyCommitted()
	} else {
		pr.OnSnapshotFailure()
	}
	c.sendAppendTo(from, pr, false)
}
