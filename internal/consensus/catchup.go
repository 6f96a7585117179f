package consensus

import (
	"github.com/coreraft/raft/internal/progress"
	"github.com/coreraft/raft/internal/rafterr"
)

// BeginCatchUp starts (or restarts) a catch-up round for a non-voter
// being promoted, per spec.md §4.4. The root package drives the
// add-then-assign-role membership change sequence and calls this once it
// has accepted an AssignRole(voter) request for a standby.
func (c *Core) BeginCatchUp(id uint64) error {
	if c.role != RoleLeader {
		return rafterr.ErrNotLeader
	}
	pr, ok := c.progress[id]
	if !ok {
		return rafterr.ErrBadID
	}
	pr.StartRound(c.log.LastIndex(), timeFromMillis(c.now()))
	return nil
}

// CatchUpReady reports whether id's current catch-up round has completed
// within the election-timeout budget, per spec.md §4.4's promotion rule.
func (c *Core) CatchUpReady(id uint64) bool {
	pr, ok := c.progress[id]
	if !ok {
		return false
	}
	return pr.RoundComplete(c.electionTimeoutDuration(), timeFromMillis(c.now()))
}

func (c *Core) checkCatchUpRound(from uint64, pr *progress.Progress) {
	if pr.Round == nil {
		return
	}
	now := timeFromMillis(c.now())
	if pr.RoundComplete(c.electionTimeoutDuration(), now) {
		return
	}
	if now.Sub(pr.Round.StartedAt) > c.electionTimeoutDuration() {
		pr.StartRound(c.log.LastIndex(), now)
	}
}
