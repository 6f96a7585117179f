package consensus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreraft/raft/internal/conf"
	"github.com/coreraft/raft/internal/progress"
	"github.com/coreraft/raft/internal/rafterr"
	"github.com/coreraft/raft/proto"
)

type recordingCallback struct {
	applied []raftpb.Entry
	leader  uint64
	cfg     conf.Configuration
	cfgSeen bool
}

func (r *recordingCallback) ApplyEntry(e raftpb.Entry) { r.applied = append(r.applied, e) }
func (r *recordingCallback) ConfigurationChanged(cfg conf.Configuration) {
	r.cfg = cfg
	r.cfgSeen = true
}
func (r *recordingCallback) LeaderChanged(id uint64) { r.leader = id }

func threeVoterConfig(ids ...uint64) conf.Configuration {
	cfg := conf.Configuration{}
	for _, id := range ids {
		cfg.Servers = append(cfg.Servers, conf.Server{ID: id, Address: fmt.Sprintf("n%d", id), Role: conf.RoleVoter})
	}
	return cfg
}

// newCluster builds len(ids) replicas already loaded with a committed
// configuration entry at index 1, so no Bootstrap round-trip is needed.
func newCluster(t *testing.T, ids ...uint64) (*network, map[uint64]*recordingCallback) {
	t.Helper()
	cfg := threeVoterConfig(ids...)
	encoded := conf.Encode(cfg)

	net := newNetwork()
	cbs := make(map[uint64]*recordingCallback, len(ids))
	for _, id := range ids {
		io := &fakeIO{id: id, net: net, seed: uint32(id)*7919 + 104729}
		io.entries = []raftpb.Entry{{Index: 1, Term: 0, Type: raftpb.EntryConfiguration, Payload: encoded}}
		cb := &recordingCallback{}
		core, err := New(Options{
			ID:             id,
			ElectionTicks:  10,
			HeartbeatTicks: 2,
			TickInterval:   100 * time.Millisecond,
		}, io, nil, cb)
		require.NoError(t, err)
		net.add(id, core, io)
		cbs[id] = cb
	}
	return net, cbs
}

func electLeader(t *testing.T, net *network, id uint64) *Core {
	t.Helper()
	leader := net.cores[id]
	for i := 0; i < 25 && leader.Role() != RoleLeader; i++ {
		leader.Tick()
		net.deliverAll()
	}
	require.Equal(t, RoleLeader, leader.Role(), "replica %d never became leader", id)
	return leader
}

func TestElectionProducesExactlyOneLeaderPerTerm(t *testing.T) {
	net, _ := newCluster(t, 1, 2, 3)
	leader := electLeader(t, net, 1)

	leaders := 0
	for id, c := range net.cores {
		if c.Role() == RoleLeader {
			leaders++
			require.Equal(t, leader.Term(), c.Term())
		} else {
			require.Equal(t, RoleFollower, c.Role(), "replica %d", id)
			require.Equal(t, leader.id, c.LeaderID())
		}
	}
	require.Equal(t, 1, leaders)
}

func TestProposeReplicatesAndCommitsAcrossCluster(t *testing.T) {
	net, cbs := newCluster(t, 1, 2, 3)
	leader := electLeader(t, net, 1)

	idx, err := leader.Propose([]byte("set x=1"))
	require.NoError(t, err)

	for i := 0; i < 10 && leader.CommitIndex() < idx; i++ {
		net.tickAll()
		net.deliverAll()
	}
	require.GreaterOrEqual(t, leader.CommitIndex(), idx)

	for i := 0; i < 10; i++ {
		allApplied := true
		for _, c := range net.cores {
			if c.LastApplied() < idx {
				allApplied = false
			}
		}
		if allApplied {
			break
		}
		net.tickAll()
		net.deliverAll()
	}
	for id, c := range net.cores {
		require.GreaterOrEqualf(t, c.LastApplied(), idx, "replica %d", id)
	}

	found := false
	for _, e := range cbs[2].applied {
		if string(e.Payload) == "set x=1" {
			found = true
		}
	}
	require.True(t, found, "follower 2 never applied the proposed entry")
}

func TestNonLeaderRejectsProposals(t *testing.T) {
	net, _ := newCluster(t, 1, 2, 3)
	electLeader(t, net, 1)

	var follower *Core
	for id, c := range net.cores {
		if c.Role() != RoleLeader {
			follower = c
			_ = id
			break
		}
	}
	require.NotNil(t, follower)

	_, err := follower.Propose([]byte("nope"))
	require.ErrorIs(t, err, rafterr.ErrNotLeader)
}

func TestAdvanceCommitRequiresCurrentTermEntry(t *testing.T) {
	io := &fakeIO{id: 1, net: newNetwork()}
	cb := &recordingCallback{}
	core, err := New(Options{ID: 1}, io, nil, cb)
	require.NoError(t, err)

	core.configuration = threeVoterConfig(1, 2, 3)
	core.role = RoleLeader
	core.term = 3

	// index 1 was written back in term 2 (a prior leader's entry that a
	// quorum happens to have replicated); index 2 is this leader's own
	// barrier written in term 3.
	core.log.Append(2, raftpb.EntryCommand, []byte("old"))
	core.log.Append(3, raftpb.EntryBarrier, nil)

	core.progress = map[uint64]*progress.Progress{
		2: progress.New(2, 0),
		3: progress.New(3, 0),
	}
	core.progress[2].OnAppendSuccess(1) // only the old-term entry acked
	core.progress[3].OnAppendSuccess(1)

	core.advanceCommit()
	require.Zerof(t, core.commitIndex, "commit must not advance past a prior-term entry via indirect majority, got %d", core.commitIndex)

	core.progress[2].OnAppendSuccess(2)
	core.progress[3].OnAppendSuccess(2)
	core.advanceCommit()
	require.Equal(t, uint64(2), core.commitIndex)
}

func TestHandleInstallSnapshotAppliesAndAcks(t *testing.T) {
	net := newNetwork()
	io := &fakeIO{id: 2, net: net}
	cb := &recordingCallback{}
	core, err := New(Options{ID: 2}, io, nil, cb)
	require.NoError(t, err)
	core.configuration = threeVoterConfig(1, 2, 3)

	cfg := threeVoterConfig(1, 2, 3)
	encodedCfg := conf.Encode(cfg)
	core.handleInstallSnapshot(raftpb.InstallSnapshot{
		Term:               1,
		LeaderID:           1,
		LastIndex:          50,
		LastTerm:           1,
		ConfigurationIndex: 1,
		Configuration:      encodedCfg,
		Data:               []byte("fsm-state"),
	}, 1)

	require.Equal(t, uint64(50), core.commitIndex)
	require.Equal(t, uint64(50), core.lastApplied)
	require.Equal(t, uint64(50), core.log.FirstIndex()-1)
	require.True(t, cb.cfgSeen)
	require.Equal(t, uint64(1), core.leaderID)

	require.Len(t, net.queue, 1)
	result, ok := net.queue[0].Body.(raftpb.InstallSnapshotResult)
	require.True(t, ok)
	require.Equal(t, uint64(50), result.LastLogIndex)
}

func TestHandleInstallSnapshotIgnoresAlreadyApplied(t *testing.T) {
	net := newNetwork()
	io := &fakeIO{id: 2, net: net}
	core, err := New(Options{ID: 2}, io, nil, &recordingCallback{})
	require.NoError(t, err)
	core.configuration = threeVoterConfig(1, 2, 3)
	core.lastApplied = 100
	core.commitIndex = 100

	core.handleInstallSnapshot(raftpb.InstallSnapshot{Term: 1, LeaderID: 1, LastIndex: 50, LastTerm: 1}, 1)

	require.Equal(t, uint64(100), core.lastApplied, "an already-applied snapshot must be a no-op besides the ack")
	require.Len(t, net.queue, 1)
}

func TestCatchUpRoundReadyOnceFollowerReachesStartIndex(t *testing.T) {
	io := &fakeIO{id: 1, net: newNetwork(), clock: 1000}
	core, err := New(Options{ID: 1, ElectionTicks: 10, TickInterval: 100 * time.Millisecond}, io, nil, &recordingCallback{})
	require.NoError(t, err)
	core.role = RoleLeader
	core.configuration = conf.Configuration{Servers: []conf.Server{
		{ID: 1, Role: conf.RoleVoter},
		{ID: 4, Role: conf.RoleStandby},
	}}
	core.log.Append(1, raftpb.EntryCommand, []byte("a"))
	core.log.Append(1, raftpb.EntryCommand, []byte("b"))
	core.progress = map[uint64]*progress.Progress{4: progress.New(4, 0)}

	require.NoError(t, core.BeginCatchUp(4))
	require.False(t, core.CatchUpReady(4))

	core.progress[4].OnAppendSuccess(core.log.LastIndex())
	require.True(t, core.CatchUpReady(4))
}

func TestBeginCatchUpRejectsWhenNotLeader(t *testing.T) {
	io := &fakeIO{id: 1, net: newNetwork()}
	core, err := New(Options{ID: 1}, io, nil, &recordingCallback{})
	require.NoError(t, err)
	core.configuration = conf.Configuration{Servers: []conf.Server{{ID: 1, Role: conf.RoleVoter}, {ID: 4, Role: conf.RoleStandby}}}
	core.progress = map[uint64]*progress.Progress{4: progress.New(4, 0)}

	err = core.BeginCatchUp(4)
	require.Error(t, err)
}

func TestTransferLeadershipSendsTimeoutNowOnceCaughtUp(t *testing.T) {
	net := newNetwork()
	io := &fakeIO{id: 1, net: net}
	core, err := New(Options{ID: 1}, io, nil, &recordingCallback{})
	require.NoError(t, err)
	core.role = RoleLeader
	core.configuration = threeVoterConfig(1, 2, 3)
	core.log.Append(1, raftpb.EntryCommand, []byte("x"))
	core.progress = map[uint64]*progress.Progress{
		2: progress.New(2, core.log.LastIndex()),
		3: progress.New(3, 0),
	}
	core.progress[2].MatchIndex = core.log.LastIndex()

	require.NoError(t, core.TransferLeadership(2))
	require.Len(t, net.queue, 1)
	_, ok := net.queue[0].Body.(raftpb.TimeoutNow)
	require.True(t, ok)
	require.Equal(t, uint64(2), net.queue[0].To)
}

func TestTransferLeadershipWaitsForLaggingTarget(t *testing.T) {
	net := newNetwork()
	io := &fakeIO{id: 1, net: net}
	core, err := New(Options{ID: 1}, io, nil, &recordingCallback{})
	require.NoError(t, err)
	core.role = RoleLeader
	core.configuration = threeVoterConfig(1, 2, 3)
	core.log.Append(1, raftpb.EntryCommand, []byte("x"))
	core.log.Append(1, raftpb.EntryCommand, []byte("y"))
	core.progress = map[uint64]*progress.Progress{
		2: progress.New(2, 0),
		3: progress.New(3, 0),
	}

	require.NoError(t, core.TransferLeadership(2))
	require.Empty(t, net.queue, "target hasn't caught up yet, no TimeoutNow should be sent")

	core.progress[2].OnAppendSuccess(core.log.LastIndex())
	core.checkTransfer(2, core.progress[2])
	require.Len(t, net.queue, 1)
}

func TestHandleRequestVoteDeniesStaleLog(t *testing.T) {
	net := newNetwork()
	io := &fakeIO{id: 2, net: net}
	core, err := New(Options{ID: 2}, io, nil, &recordingCallback{})
	require.NoError(t, err)
	core.configuration = threeVoterConfig(1, 2, 3)
	core.term = 5
	core.log.Append(5, raftpb.EntryCommand, []byte("x"))
	core.log.Append(5, raftpb.EntryCommand, []byte("y"))

	core.handleRequestVote(raftpb.RequestVote{Term: 5, CandidateID: 1, LastLogIndex: 1, LastLogTerm: 5}, 1)

	require.Len(t, net.queue, 1)
	res, ok := net.queue[0].Body.(raftpb.RequestVoteResult)
	require.True(t, ok)
	require.False(t, res.VoteGranted, "candidate with a shorter log must not receive a vote")
}

func TestHandleAppendEntriesRejectsOnLogMismatch(t *testing.T) {
	net := newNetwork()
	io := &fakeIO{id: 2, net: net}
	core, err := New(Options{ID: 2}, io, nil, &recordingCallback{})
	require.NoError(t, err)
	core.configuration = threeVoterConfig(1, 2, 3)
	core.term = 1

	core.handleAppendEntries(raftpb.AppendEntries{
		Term:         1,
		LeaderID:     1,
		PrevLogIndex: 5,
		PrevLogTerm:  1,
	}, 1)

	require.Len(t, net.queue, 1)
	res, ok := net.queue[0].Body.(raftpb.AppendEntriesResult)
	require.True(t, ok)
	require.NotZero(t, res.Rejected, "a prev-log mismatch must be rejected")
}
