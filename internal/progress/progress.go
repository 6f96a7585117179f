// Package progress implements the leader-side per-follower progress
// tracker of spec.md §4.4: next/match indices, probe/pipeline/snapshot
// state, recent-contact bit, and promotion catch-up rounds.
package progress

import (
	"time"

	"github.com/google/uuid"
)

// State is the replication state machine for one follower, independent of
// the replica's own role state machine.
type State int

const (
	// StateProbe: leader sends at most one AppendEntries per heartbeat
	// interval and waits to learn the follower's true match index.
	StateProbe State = iota
	// StatePipeline: leader optimistically streams entries without
	// waiting for each response, bounded by the in-flight window.
	StatePipeline
	// StateSnapshot: leader is transferring a full snapshot; normal
	// replication is paused until it completes.
	StateSnapshot
)

var stateNames = [...]string{"probe", "pipeline", "snapshot"}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Round tracks one catch-up round used to promote a non-voter: spec.md
// §4.4. A round completes within the election timeout window once
// MatchIndex has caught up to RoundIndex, the log's last index at round
// start; if it doesn't, a fresh round begins with Number incremented.
type Round struct {
	ID         uuid.UUID
	Number     int
	RoundIndex uint64 // last_index at round start, reset when a round expires and restarts
	StartedAt  time.Time
}

// Progress is the leader's view of one follower's replication state.
type Progress struct {
	ServerID uint64

	State      State
	NextIndex  uint64
	MatchIndex uint64

	// RecentRecv is true once a response has been seen since the last
	// election-timeout check; used to detect followers that have gone
	// silent (spec.md §3 "recent_contact bit").
	RecentRecv bool
	LastSend   time.Time

	// pendingSnapshot pins the snapshot boundary being transferred while
	// State == StateSnapshot, so a success result knows what to set
	// MatchIndex/NextIndex to.
	pendingSnapshot uint64

	ins inFlights

	// Round is non-nil while this follower is a standby being promoted.
	Round *Round
}

const defaultInFlightWindow = 16

// New returns the initial progress for a follower just added to a
// leader's progress table: spec.md §4.4 "On becoming leader".
func New(serverID, lastIndex uint64) *Progress {
	return &Progress{
		ServerID:   serverID,
		State:      StateProbe,
		NextIndex:  lastIndex + 1,
		MatchIndex: 0,
		RecentRecv: false,
		ins:        newInFlights(defaultInFlightWindow),
	}
}

// becomePipeline promotes a probing follower once it has demonstrated it
// is caught up to the leader's sent prefix.
func (p *Progress) becomePipeline() {
	p.State = StatePipeline
	p.ins.reset()
}

func (p *Progress) becomeProbe(next uint64) {
	p.State = StateProbe
	p.NextIndex = next
	p.ins.reset()
}

// OnAppendSuccess records that the follower has replicated through index
// k, promoting probe->pipeline on first success (spec.md §4.4).
func (p *Progress) OnAppendSuccess(k uint64) {
	p.RecentRecv = true
	if k > p.MatchIndex {
		p.MatchIndex = k
	}
	if p.NextIndex <= p.MatchIndex {
		p.NextIndex = p.MatchIndex + 1
	}
	p.ins.freeTo(k)
	if p.State == StateProbe {
		p.becomePipeline()
	}
}

// OnAppendReject handles a rejected AppendEntries carrying the follower's
// last log index L: next is pulled back to at most L+1, but never below
// match+1, and the follower stays in probe so the leader waits for the
// next response before sending more (spec.md §4.4).
func (p *Progress) OnAppendReject(followerLastLogIndex uint64) {
	p.RecentRecv = true
	next := followerLastLogIndex + 1
	if next > p.NextIndex {
		next = p.NextIndex
	}
	if p.NextIndex > 1 {
		next = min64(next, p.NextIndex-1)
	}
	if next < p.MatchIndex+1 {
		next = p.MatchIndex + 1
	}
	if next < 1 {
		next = 1
	}
	p.becomeProbe(next)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// NeedsSnapshot reports whether the index this follower still needs has
// already been compacted away, forcing a switch to snapshot transfer.
func (p *Progress) NeedsSnapshot(snapshotLastIndex uint64) bool {
	return p.NextIndex <= snapshotLastIndex
}

// SendSnapshot switches this follower to StateSnapshot, pinning the
// snapshot boundary being sent.
func (p *Progress) SendSnapshot(snapshotLastIndex uint64) {
	p.State = StateSnapshot
	p.pendingSnapshot = snapshotLastIndex
}

// OnSnapshotSuccess completes a snapshot transfer: match/next jump to the
// snapshot boundary and the follower returns to probe (spec.md §4.4).
func (p *Progress) OnSnapshotSuccess() {
	p.RecentRecv = true
	p.MatchIndex = p.pendingSnapshot
	p.becomeProbe(p.pendingSnapshot + 1)
}

// OnSnapshotFailure abandons the transfer and retries via probe from the
// same boundary.
func (p *Progress) OnSnapshotFailure() {
	p.becomeProbe(p.pendingSnapshot)
}

// OnUnreachable reacts to a transport-level no-connection: probing
// followers are simply allowed to retry on the next tick; pipelining
// followers fall back to probe at their match index, since an in-flight
// batch may well be lost.
func (p *Progress) OnUnreachable() {
	if p.State == StatePipeline {
		p.becomeProbe(p.MatchIndex + 1)
	}
}

// CanSend reports whether this follower's state allows dispatching a new
// AppendEntries right now (pipeline window not full, snapshot not
// in-flight).
func (p *Progress) CanSend() bool {
	switch p.State {
	case StateSnapshot:
		return false
	case StatePipeline:
		return !p.ins.full()
	default:
		return true
	}
}

// RecordSend notes that a batch ending at lastIndex was just dispatched,
// optimistically advancing NextIndex while pipelining.
func (p *Progress) RecordSend(lastIndex uint64, at time.Time) {
	p.LastSend = at
	if p.State == StatePipeline && lastIndex > 0 {
		p.NextIndex = lastIndex + 1
		p.ins.add(lastIndex)
	}
}

// StartRound begins (or restarts) a catch-up round for promoting this
// follower to voter, recording the log's current last index as the bar
// this round must clear.
func (p *Progress) StartRound(lastIndex uint64, now time.Time) *Round {
	number := 0
	if p.Round != nil {
		number = p.Round.Number + 1
	}
	p.Round = &Round{ID: uuid.New(), Number: number, RoundIndex: lastIndex, StartedAt: now}
	return p.Round
}

// RoundComplete reports whether the follower has caught up to the index
// recorded when the current round started, within the given election
// timeout budget.
func (p *Progress) RoundComplete(electionTimeout time.Duration, now time.Time) bool {
	if p.Round == nil {
		return false
	}
	if p.MatchIndex < p.Round.RoundIndex {
		return false
	}
	return now.Sub(p.Round.StartedAt) <= electionTimeout
}
