// Package consensus implements the replica state machine of spec.md
// §4.5–4.7: role transitions, election and term logic, the replication
// engine, and the top-level tick driver. It knows nothing about how
// entries reach disk or how messages reach the wire; both are abstracted
// behind the IO interface the host supplies.
package consensus

import (
	"sort"
	"time"

	"github.com/coreraft/raft/internal/conf"
	"github.com/coreraft/raft/internal/inmemlog"
	"github.com/coreraft/raft/internal/progress"
	"github.com/coreraft/raft/internal/rafterr"
	"github.com/coreraft/raft/proto"
)

// Role is the replica's current position in the Raft state machine
// (spec.md §3 "Replica state").
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
	// RoleUnavailable is entered after a fatal io-error; the replica
	// ceases participation until restarted (spec.md §7).
	RoleUnavailable
)

var roleNames = [...]string{"follower", "candidate", "leader", "unavailable"}

func (r Role) String() string {
	if int(r) < 0 || int(r) >= len(roleNames) {
		return "unknown"
	}
	return roleNames[r]
}

// tracer is a local structural subset of raft.Tracer; kept unexported so
// this package never has to import the root package.
type tracer interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopTracer struct{}

func (nopTracer) Debugf(string, ...interface{}) {}
func (nopTracer) Infof(string, ...interface{})  {}
func (nopTracer) Warnf(string, ...interface{})  {}
func (nopTracer) Errorf(string, ...interface{}) {}

// Callback is how the core reports durable progress to the host: applied
// entries and configuration changes. Apply is invoked in strictly
// increasing index order, at most once per index (spec.md §8).
type Callback interface {
	ApplyEntry(entry raftpb.Entry)
	ConfigurationChanged(cfg conf.Configuration)
	LeaderChanged(leaderID uint64)
}

// Options parameterizes one replica's timing and batching behavior.
type Options struct {
	ID      uint64
	Address string

	// ElectionTicks is the base election timeout, in ticks; the actual
	// timeout used each time is randomized into [ElectionTicks,
	// 2*ElectionTicks) per spec.md §4.6.
	ElectionTicks int
	// HeartbeatTicks is how often a leader emits AppendEntries with no
	// new entries; must be <= ElectionTicks/2 per spec.md §4.5.
	HeartbeatTicks int
	// MaxEntriesPerMsg caps how many log entries one AppendEntries
	// batches together.
	MaxEntriesPerMsg int
	// SnapshotTrailing is how many committed entries are kept behind a
	// newly taken snapshot's boundary (spec.md §4.2 "trailing").
	SnapshotTrailing uint64
	// TickInterval is the wall-clock duration one Tick represents
	// (spec.md §4.7 "invoked by the host every tick, e.g. 100ms"); used
	// only to turn tick counts into time.Duration for catch-up round and
	// leadership-transfer deadlines.
	TickInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ElectionTicks <= 0 {
		o.ElectionTicks = 10
	}
	if o.HeartbeatTicks <= 0 {
		o.HeartbeatTicks = o.ElectionTicks / 5
		if o.HeartbeatTicks == 0 {
			o.HeartbeatTicks = 1
		}
	}
	if o.MaxEntriesPerMsg <= 0 {
		o.MaxEntriesPerMsg = 64
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 100 * time.Millisecond
	}
	return o
}

// Core is one replica's consensus state machine, per spec.md §4.5–4.7.
// It is not safe for concurrent use: every method must be called from the
// single executor goroutine that owns this replica (spec.md §5).
type Core struct {
	io IO
	tr tracer
	cb Callback

	opts Options
	id   uint64

	leaderID uint64
	role     Role

	term uint64
	vote uint64

	log                 *inmemlog.Log
	configuration       conf.Configuration
	configurationIndex  uint64
	confChangeInFlight  bool

	snapshotIndex uint64
	snapshotTerm  uint64

	progress map[uint64]*progress.Progress

	commitIndex uint64
	lastApplied uint64

	electionElapsed int
	electionTimeout int
	heartbeatElapsed int

	votesGranted   map[uint64]bool
	votesResponded map[uint64]bool

	transferTarget  uint64
	transferElapsed int

	// barrier suppresses other disk writes while an InstallSnapshot is
	// being applied (spec.md §4.5).
	barrier bool

	shut bool
}

// New constructs a Core from the state io.Load() recovers. The caller
// must call Bootstrap exactly once on a brand-new (empty) cluster member
// before the first Tick, per spec.md §6's bootstrap(configuration) op.
func New(opts Options, io IO, tr tracer, cb Callback) (*Core, error) {
	opts = opts.withDefaults()
	if tr == nil {
		tr = nopTracer{}
	}
	loaded, err := io.Load()
	if err != nil {
		return nil, err
	}

	c := &Core{
		io:       io,
		tr:       tr,
		cb:       cb,
		opts:     opts,
		id:       opts.ID,
		role:     RoleFollower,
		term:     loaded.Term,
		vote:     loaded.Vote,
		progress: make(map[uint64]*progress.Progress),
	}

	if loaded.Snapshot != nil {
		c.snapshotIndex = loaded.Snapshot.Index
		c.snapshotTerm = loaded.Snapshot.Term
		c.commitIndex = loaded.Snapshot.Index
		c.lastApplied = loaded.Snapshot.Index
		if cfg, derr := conf.Decode(loaded.Snapshot.Configuration); derr == nil {
			c.configuration = cfg
			c.configurationIndex = loaded.Snapshot.ConfigurationIndex
		}
	}
	c.log = inmemlog.Restore(c.snapshotIndex, c.snapshotTerm, loaded.Entries)

	// the active configuration is whichever configuration entry sits at
	// the highest log index, even if uncommitted (spec.md §3).
	for i := c.log.FirstIndex(); i <= c.log.LastIndex(); i++ {
		e, ok := c.log.Get(i)
		if !ok || e.Type != raftpb.EntryConfiguration {
			continue
		}
		if cfg, derr := conf.Decode(e.Payload); derr == nil {
			c.configuration = cfg
			c.configurationIndex = i
		}
	}

	c.resetElectionTimeout()
	return c, nil
}

// Bootstrap seeds a brand-new cluster member with its initial
// configuration, per spec.md §6's bootstrap(configuration) op. It must be
// called on an empty log, exactly once, before any Tick/Step.
func (c *Core) Bootstrap(cfg conf.Configuration) error {
	if c.log.LastIndex() != c.log.FirstIndex()-1 {
		return rafterr.New(rafterr.KindConfBusy, "replica already has log entries")
	}
	if err := cfg.Validate(); err != nil {
		return rafterr.New(rafterr.KindMalformed, "%v", err)
	}
	if err := c.io.Bootstrap(cfg); err != nil {
		return err
	}
	idx := c.log.Append(0, raftpb.EntryConfiguration, conf.Encode(cfg))
	entry, _ := c.log.Get(idx)
	var appendErr error
	c.io.Append([]raftpb.Entry{entry}, func(err error) { appendErr = err })
	if appendErr != nil {
		c.log.Discard(idx)
		return appendErr
	}
	c.configuration = cfg
	c.configurationIndex = idx
	return nil
}

// Role reports the replica's current role.
func (c *Core) Role() Role { return c.role }

// Term reports the replica's current term.
func (c *Core) Term() uint64 { return c.term }

// LeaderID reports who the replica believes is leader, 0 if unknown.
func (c *Core) LeaderID() uint64 { return c.leaderID }

// CommitIndex reports the highest index known committed.
func (c *Core) CommitIndex() uint64 { return c.commitIndex }

// LastApplied reports the highest index applied to the FSM.
func (c *Core) LastApplied() uint64 { return c.lastApplied }

// Configuration returns the active configuration (the one at the highest
// log index written, even if not yet committed).
func (c *Core) Configuration() conf.Configuration { return c.configuration.Clone() }

// IsLeader reports whether this replica believes itself the leader and
// is not in the middle of transferring leadership away.
func (c *Core) IsLeader() bool { return c.role == RoleLeader && c.transferTarget == 0 }

func (c *Core) now() int64 { return c.io.Time() }

// timeFromMillis adapts the host's monotonic millisecond clock (spec.md
// §6 "time() -> monotonic_ms") to the time.Time the progress package's
// round bookkeeping uses for elapsed-duration comparisons.
func timeFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func (c *Core) snapshotLastIndex() uint64 { return c.snapshotIndex }

func (c *Core) electionTimeoutDuration() time.Duration {
	return time.Duration(c.electionTimeout) * c.opts.TickInterval
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func sortedDesc(vals []uint64) {
	sort.Slice(vals, func(i, j int) bool { return vals[i] > vals[j] })
}

// fail transitions the replica to RoleUnavailable on a fatal io-error,
// per spec.md §7's propagation policy: storage io-error is fatal, ceasing
// participation until restart.
func (c *Core) fail(err error) {
	if err == nil {
		return
	}
	c.tr.Errorf("replica %d: fatal storage error, becoming unavailable: %v", c.id, err)
	c.role = RoleUnavailable
	c.shut = true
}

// rebuildProgress resets the progress table to match the active
// configuration, used on becoming leader and whenever a configuration
// entry is applied while already leader. Existing per-follower state for
// servers still present is preserved; servers no longer present are
// dropped.
func (c *Core) rebuildProgress() {
	if c.role != RoleLeader {
		c.progress = nil
		return
	}
	fresh := make(map[uint64]*progress.Progress, len(c.configuration.Servers))
	lastIndex := c.log.LastIndex()
	for _, s := range c.configuration.Servers {
		if s.ID == c.id {
			continue
		}
		if existing, ok := c.progress[s.ID]; ok {
			fresh[s.ID] = existing
			continue
		}
		fresh[s.ID] = progress.New(s.ID, lastIndex)
	}
	c.progress = fresh
}

func (c *Core) sendMessage(msg raftpb.Message) {
	c.io.Send(msg, func(err error) {
		if err != nil {
			c.tr.Warnf("replica %d: send to %d failed: %v", c.id, msg.To, err)
			if pr, ok := c.progress[msg.To]; ok {
				pr.OnUnreachable()
			}
		}
	})
}
