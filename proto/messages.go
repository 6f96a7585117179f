// Package raftpb defines the wire messages and log record types the core
// exchanges through the transport and durable stores (spec.md §6). Field
// layout is stable; the host chooses the actual wire encoding.
package raftpb

import "fmt"

// EntryType classifies a log entry's payload.
type EntryType int

const (
	EntryCommand EntryType = iota
	EntryBarrier
	EntryConfiguration
)

var entryTypeNames = [...]string{"command", "barrier", "configuration"}

func (t EntryType) String() string {
	if int(t) < 0 || int(t) >= len(entryTypeNames) {
		return "unknown"
	}
	return entryTypeNames[t]
}

// Entry is a single durable log record: (index, term, type, payload).
type Entry struct {
	Index   uint64
	Term    uint64
	Type    EntryType
	Payload []byte
}

func (e Entry) String() string {
	return fmt.Sprintf("Entry{idx:%d term:%d type:%s len:%d}",
		e.Index, e.Term, e.Type, len(e.Payload))
}

// Snapshot is the (metadata, data) pair produced by the FSM and stored by
// the snapshot store (spec.md §4.2).
type Snapshot struct {
	Index             uint64
	Term              uint64
	ConfigurationIndex uint64
	Configuration     []byte
	Data              []byte
}

// MessageType enumerates the RPC kinds exchanged between replicas.
type MessageType int

const (
	MsgRequestVote MessageType = iota
	MsgRequestVoteResult
	MsgAppendEntries
	MsgAppendEntriesResult
	MsgInstallSnapshot
	MsgInstallSnapshotResult
	MsgTimeoutNow
)

var messageTypeNames = [...]string{
	"RequestVote", "RequestVoteResult",
	"AppendEntries", "AppendEntriesResult",
	"InstallSnapshot", "InstallSnapshotResult",
	"TimeoutNow",
}

func (t MessageType) String() string {
	if int(t) < 0 || int(t) >= len(messageTypeNames) {
		return "unknown"
	}
	return messageTypeNames[t]
}

// RequestVote is sent by a candidate to every voter.
type RequestVote struct {
	Term          uint64
	CandidateID   uint64
	LastLogIndex  uint64
	LastLogTerm   uint64
	DisruptLeader bool
}

// RequestVoteResult answers a RequestVote.
type RequestVoteResult struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntries replicates (or heartbeats, when Entries is empty) from
// leader to follower.
type AppendEntries struct {
	Term         uint64
	LeaderID     uint64
	PrevLogIndex uint64
	PrevLogTerm  uint64
	LeaderCommit uint64
	Entries      []Entry
}

// AppendEntriesResult answers an AppendEntries. Rejected is the index the
// follower rejected on, 0 if accepted.
type AppendEntriesResult struct {
	Term         uint64
	Rejected     uint64
	LastLogIndex uint64
}

// InstallSnapshot transfers a full FSM snapshot to a lagging follower.
type InstallSnapshot struct {
	Term              uint64
	LeaderID          uint64
	LastIndex         uint64
	LastTerm          uint64
	ConfigurationIndex uint64
	Configuration     []byte
	Data              []byte
}

// InstallSnapshotResult answers an InstallSnapshot.
type InstallSnapshotResult struct {
	Term         uint64
	LastLogIndex uint64
}

// TimeoutNow tells its recipient to start an election immediately,
// bypassing its normal election timer (leadership transfer, spec.md §4.6).
type TimeoutNow struct {
	Term         uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}

// Message is the envelope the transport actually carries. Body holds
// exactly one of the typed payloads above, selected by Type.
type Message struct {
	Type MessageType
	From uint64
	To   uint64
	Body interface{}
}

func (m Message) String() string {
	return fmt.Sprintf("Message{%s from:%d to:%d}", m.Type, m.From, m.To)
}
