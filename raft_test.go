package raft_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreraft/raft"
	"github.com/coreraft/raft/internal/conf"
	"github.com/coreraft/raft/proto"
)

type memFSM struct {
	mu      sync.Mutex
	applied [][]byte
}

func (f *memFSM) Apply(payload []byte) {
	f.mu.Lock()
	f.applied = append(f.applied, append([]byte(nil), payload...))
	f.mu.Unlock()
}

func (f *memFSM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

// hub is an in-memory message bus standing in for a real network. Sends
// are delivered on a separate goroutine, same as any real transport:
// delivering synchronously into Replica.Step from within another
// Replica's own Step/Tick call (as happens when two replicas exchange
// RPCs during the same test goroutine) would recurse into that replica's
// mutex and deadlock.
type hub struct {
	mu       sync.Mutex
	replicas map[uint64]*raft.Replica
}

func (h *hub) register(id uint64, r *raft.Replica) {
	h.mu.Lock()
	h.replicas[id] = r
	h.mu.Unlock()
}

func (h *hub) deliver(msg raftpb.Message) {
	h.mu.Lock()
	r, ok := h.replicas[msg.To]
	h.mu.Unlock()
	if ok {
		r.Step(msg)
	}
}

type memTransport struct {
	hub *hub
}

func (t *memTransport) Send(msg raftpb.Message) error {
	go t.hub.deliver(msg)
	return nil
}

func threeVoterServers(ids ...uint64) []conf.Server {
	var servers []conf.Server
	for _, id := range ids {
		servers = append(servers, conf.Server{ID: id, Address: fmt.Sprintf("n%d", id), Role: conf.RoleVoter})
	}
	return servers
}

func TestThreeNodeClusterElectsLeaderAndAppliesCommand(t *testing.T) {
	h := &hub{replicas: make(map[uint64]*raft.Replica)}
	ids := []uint64{1, 2, 3}
	servers := threeVoterServers(ids...)

	fsms := make(map[uint64]*memFSM, len(ids))
	replicas := make(map[uint64]*raft.Replica, len(ids))
	for _, id := range ids {
		fsm := &memFSM{}
		fsms[id] = fsm
		r, err := raft.Open(raft.Options{
			ID:             id,
			Address:        fmt.Sprintf("n%d", id),
			Dir:            t.TempDir(),
			ElectionTicks:  10,
			HeartbeatTicks: 2,
			TickInterval:   10 * time.Millisecond,
		}, &memTransport{hub: h}, fsm)
		require.NoError(t, err)
		replicas[id] = r
		h.register(id, r)
	}

	for _, id := range ids {
		require.NoError(t, replicas[id].Bootstrap(servers))
	}
	for _, id := range ids {
		replicas[id].Start()
	}
	t.Cleanup(func() {
		for _, id := range ids {
			_ = replicas[id].Close()
		}
	})

	var leader *raft.Replica
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if replicas[id].Status().Role == "leader" {
				leader = replicas[id]
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "no replica became leader")

	idx, err := leader.Apply([]byte("set x=1"))
	require.NoError(t, err)
	require.NotZero(t, idx)

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if replicas[id].Status().LastApplied < idx {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "not every replica applied the committed entry")

	for _, id := range ids {
		require.Equal(t, 1, fsms[id].count(), "replica %d", id)
	}
}

func TestApplyFailsWhenReplicaIsNotLeader(t *testing.T) {
	h := &hub{replicas: make(map[uint64]*raft.Replica)}
	fsm := &memFSM{}
	r, err := raft.Open(raft.Options{
		ID:            1,
		Dir:           t.TempDir(),
		ElectionTicks: 1000,
		TickInterval:  10 * time.Millisecond,
	}, &memTransport{hub: h}, fsm)
	require.NoError(t, err)
	h.register(1, r)
	require.NoError(t, r.Bootstrap(threeVoterServers(1, 2, 3)))
	t.Cleanup(func() { _ = r.Close() })

	_, err = r.Apply([]byte("nope"))
	require.Error(t, err)
}
