// Package raft implements a Raft consensus library: a single replica's
// log replication and leader election core (internal/consensus), backed
// by a segmented on-disk log (internal/store) and snapshot store
// (internal/snapshot). The host supplies a Transport to move messages
// between replicas and an FSM to receive committed commands; this
// package owns nothing about the network listener or process lifecycle
// (spec.md §1).
package raft

import (
	"sync"
	"time"

	"github.com/coreraft/raft/internal/conf"
	"github.com/coreraft/raft/internal/consensus"
	"github.com/coreraft/raft/internal/rafterr"
	"github.com/coreraft/raft/internal/snapshot"
	"github.com/coreraft/raft/internal/store"
	"github.com/coreraft/raft/proto"
	"go.uber.org/multierr"
)

// FSM is the host's replicated state machine. Apply is invoked once per
// committed command entry, in increasing index order, exactly once
// (spec.md §8 "State machine safety"). Barrier entries and configuration
// entries are not delivered here; use Barrier's return to know when every
// command proposed before it has committed.
type FSM interface {
	Apply(payload []byte)
}

// Options configures one Replica.
type Options struct {
	ID      uint64
	Address string

	// Dir is the directory the log store and snapshot store live in.
	Dir string

	ElectionTicks    int
	HeartbeatTicks   int
	MaxEntriesPerMsg int
	SnapshotTrailing uint64
	TickInterval     time.Duration

	Tracer Tracer
}

// Replica is one member of a raft cluster.
type Replica struct {
	mu   sync.Mutex
	id   uint64
	core *consensus.Core
	io   *ioAdapter
	fsm  FSM
	tr   Tracer

	requests *requestTable

	tickInterval time.Duration
	stopTick     chan struct{}
}

type coreCallback struct {
	r *Replica
}

func (cb *coreCallback) ApplyEntry(e raftpb.Entry) {
	if e.Type == raftpb.EntryCommand && cb.r.fsm != nil {
		cb.r.fsm.Apply(e.Payload)
	}
	cb.r.requests.resolveUpTo(e.Index)
}

func (cb *coreCallback) ConfigurationChanged(conf.Configuration) {}

func (cb *coreCallback) LeaderChanged(id uint64) {
	if id != cb.r.id {
		cb.r.requests.failAll(rafterr.New(rafterr.KindNotLeader, "leadership changed before request committed"))
	}
}

// Open recovers (or creates) a replica rooted at opts.Dir, wiring the
// durable log store and snapshot store into the consensus core. Call
// Bootstrap on a brand-new cluster's first member(s) before Start; a
// replica joining an existing cluster instead receives its configuration
// through normal log replication.
func Open(opts Options, transport Transport, fsm FSM) (*Replica, error) {
	if opts.Dir == "" {
		return nil, rafterr.New(rafterr.KindMalformed, "raft: Dir is required")
	}
	tr := opts.Tracer
	if tr == nil {
		tr = NopTracer{}
	}
	tickInterval := opts.TickInterval
	if tickInterval <= 0 {
		tickInterval = 100 * time.Millisecond
	}

	st, loaded, err := store.Open(store.DefaultConfig(opts.Dir), tr)
	if err != nil {
		return nil, err
	}
	snaps, err := snapshot.Open(opts.Dir)
	if err != nil {
		return nil, err
	}
	adapter, err := newIOAdapter(opts.Dir, st, loaded.Entries, snaps, transport)
	if err != nil {
		return nil, err
	}

	r := &Replica{
		id:           opts.ID,
		io:           adapter,
		fsm:          fsm,
		tr:           tr,
		requests:     newRequestTable(),
		tickInterval: tickInterval,
	}

	core, err := consensus.New(consensus.Options{
		ID:               opts.ID,
		Address:          opts.Address,
		ElectionTicks:    opts.ElectionTicks,
		HeartbeatTicks:   opts.HeartbeatTicks,
		MaxEntriesPerMsg: opts.MaxEntriesPerMsg,
		SnapshotTrailing: opts.SnapshotTrailing,
		TickInterval:     tickInterval,
	}, adapter, tr, &coreCallback{r: r})
	if err != nil {
		return nil, err
	}
	r.core = core
	return r, nil
}

// Bootstrap seeds a brand-new cluster member with its initial
// configuration. Must be called exactly once, on an empty log, before
// Start (spec.md §6 "bootstrap(configuration)").
func (r *Replica) Bootstrap(servers []conf.Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.core.Bootstrap(conf.Configuration{Servers: servers})
}

// Start begins the replica's tick loop; the host no longer has to call
// Tick itself once Start has been called (w41ter-bior's raft.service
// pattern, adapted to a single ticker goroutine instead of a shared
// utility timer).
func (r *Replica) Start() {
	r.mu.Lock()
	if r.stopTick != nil {
		r.mu.Unlock()
		return
	}
	r.stopTick = make(chan struct{})
	r.mu.Unlock()
	go r.tickLoop()
}

func (r *Replica) tickLoop() {
	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			r.core.Tick()
			r.mu.Unlock()
		case <-r.stopTick:
			return
		}
	}
}

// Step delivers one inbound message from the transport to the core.
func (r *Replica) Step(msg raftpb.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.core.Step(msg)
}

// Apply proposes payload as a new command entry and blocks until it has
// committed and been delivered to the FSM, returning the index it was
// assigned.
func (r *Replica) Apply(payload []byte) (uint64, error) {
	r.mu.Lock()
	idx, err := r.core.Propose(payload)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	req := r.requests.register(idx)
	r.mu.Unlock()

	return idx, <-req.done
}

// Barrier blocks until every command proposed before it on this leader
// has committed (spec.md GLOSSARY "Barrier").
func (r *Replica) Barrier() (uint64, error) {
	r.mu.Lock()
	idx, err := r.core.Barrier()
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	req := r.requests.register(idx)
	r.mu.Unlock()

	return idx, <-req.done
}

// ApplySnapshot records a snapshot the host's FSM has taken locally
// through index, persisting it and compacting the durable log behind it
// down to `trailing` entries before the boundary (spec.md §8 scenario 4,
// "leader takes snapshot at index 100 trailing=10"), grounded on
// w41ter-bior/raft.Raft.ApplySnapshot. index must already have been
// delivered to the FSM via Apply/the Barrier/ApplyEntry path.
func (r *Replica) ApplySnapshot(index uint64, data []byte, trailing uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.core.ApplySnapshot(index, data, trailing)
}

// AddServer appends a new standby server to the cluster configuration
// (spec.md §3). Promote it to voter with AssignRole once it has caught up.
func (r *Replica) AddServer(id uint64, address string) error {
	return r.changeConfiguration(conf.ChangeAdd, id, address, conf.RoleStandby)
}

// RemoveServer drops a server from the cluster configuration.
func (r *Replica) RemoveServer(id uint64) error {
	return r.changeConfiguration(conf.ChangeRemove, id, "", 0)
}

// catchUpPollBudget, counted in polls one tick interval apart, bounds how
// long AssignRole waits for a standby's catch-up round to finish before giving up
// (spec.md §4.4's promotion rule is itself election-timeout bounded per
// round; this is an outer budget across however many rounds it takes).
const catchUpPollBudget = 50

// AssignRole changes an existing server's role. Promoting a standby to
// voter first drives a catch-up round (spec.md §4.4) and blocks until the
// follower is caught up or the poll budget is exhausted.
func (r *Replica) AssignRole(id uint64, role conf.Role) error {
	if role == conf.RoleVoter {
		if err := r.awaitCatchUp(id); err != nil {
			return err
		}
	}
	return r.changeConfiguration(conf.ChangeAssignRole, id, "", role)
}

func (r *Replica) awaitCatchUp(id uint64) error {
	r.mu.Lock()
	err := r.core.BeginCatchUp(id)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	for i := 0; i < catchUpPollBudget; i++ {
		r.mu.Lock()
		ready := r.core.CatchUpReady(id)
		r.mu.Unlock()
		if ready {
			return nil
		}
		time.Sleep(r.tickInterval)
	}
	return rafterr.New(rafterr.KindBadID, "catch-up round for server %d did not complete in time", id)
}

func (r *Replica) changeConfiguration(kind conf.ChangeKind, id uint64, address string, role conf.Role) error {
	r.mu.Lock()
	if !r.core.IsLeader() {
		r.mu.Unlock()
		return rafterr.ErrNotLeader
	}
	next, err := r.core.Configuration().Apply(kind, id, address, role)
	if err != nil {
		r.mu.Unlock()
		return rafterr.New(rafterr.KindBadID, "%v", err)
	}
	idx, err := r.core.ProposeConfiguration(next)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	req := r.requests.register(idx)
	r.mu.Unlock()

	return <-req.done
}

// TransferLeadership hands leadership to target, or to the most
// caught-up voter if target is 0 (spec.md §4.6).
func (r *Replica) TransferLeadership(target uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.core.TransferLeadership(target)
}

// Status is a point-in-time snapshot of replica state, for host
// observability and cmd/raftviz.
type Status struct {
	ID            uint64
	Role          string
	Term          uint64
	LeaderID      uint64
	CommitIndex   uint64
	LastApplied   uint64
	Configuration conf.Configuration
}

// Status reports the replica's current state.
func (r *Replica) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		ID:            r.id,
		Role:          r.core.Role().String(),
		Term:          r.core.Term(),
		LeaderID:      r.core.LeaderID(),
		CommitIndex:   r.core.CommitIndex(),
		LastApplied:   r.core.LastApplied(),
		Configuration: r.core.Configuration(),
	}
}

// Close stops the tick loop, fails every outstanding request, and closes
// the durable log store.
func (r *Replica) Close() error {
	r.mu.Lock()
	stop := r.stopTick
	r.stopTick = nil
	r.mu.Unlock()
	if stop != nil {
		close(stop)
	}

	r.requests.failAll(rafterr.ErrShutdown)

	var errs error
	if err := r.io.st.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}
