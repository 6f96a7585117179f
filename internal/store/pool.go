package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/coreraft/raft/internal/rafterr"
	"go.uber.org/multierr"
)

// tracer is a minimal structural subset of raft.Tracer; kept local so
// this package never imports the root package (which imports this one).
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

// PreparedSegment is a zeroed, fully allocated open segment ready to
// accept writes with no allocation latency (spec.md §4.1, "Prepared
// segment" in the glossary).
type PreparedSegment struct {
	Counter uint64
	Path    string
	file    *os.File
}

// PrepareStats exposes the prepare pool's bookkeeping for host
// observability; added per SPEC_FULL.md's "Prepare-pool metrics"
// supplement.
type PrepareStats struct {
	Ready    int
	Inflight int
	Failed   int
}

type prepareRequest struct {
	cb func(*PreparedSegment, error)
}

// preparePool implements the prepare(cb) contract of spec.md §4.1: a
// bounded cache of ready-to-write segments, refilled one allocation at a
// time by a background producer, drained FIFO by consumers.
type preparePool struct {
	mu sync.Mutex

	dir         string
	segmentSize int64
	target      int
	tracer      tracer

	nextCounter uint64
	ready       []*PreparedSegment
	pending     []prepareRequest

	inflight bool
	closed   bool
	errored  bool
	failed   int

	wake chan struct{}
	done chan struct{}
}

func newPreparePool(dir string, segmentSize int64, target int, nextCounter uint64, tr tracer) *preparePool {
	if tr == nil {
		tr = nopTracer{}
	}
	p := &preparePool{
		dir:         dir,
		segmentSize: segmentSize,
		target:      target,
		tracer:      tr,
		nextCounter: nextCounter,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *preparePool) run() {
	for {
		select {
		case <-p.wake:
		case <-p.done:
			return
		}
		p.tryAllocateOnce()
	}
}

func (p *preparePool) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// tryAllocateOnce performs at most one allocation if the pool is below
// target and nothing is already inflight; the producer side of spec.md
// §4.1's "at most one allocation at a time".
func (p *preparePool) tryAllocateOnce() {
	p.mu.Lock()
	if p.closed || p.errored || p.inflight || len(p.ready) >= p.target {
		p.mu.Unlock()
		return
	}
	p.inflight = true
	counter := p.nextCounter
	p.nextCounter++
	p.mu.Unlock()

	seg, err := p.allocate(counter)

	p.mu.Lock()
	p.inflight = false
	if p.closed {
		p.mu.Unlock()
		if seg != nil {
			seg.file.Close()
			os.Remove(seg.Path)
		}
		return
	}
	if err != nil {
		p.failed++
		p.errored = true
		pending := p.pending
		p.pending = nil
		p.mu.Unlock()
		p.tracer.Errorf("store: segment allocation failed: %v", err)
		for _, req := range pending {
			req.cb(nil, rafterr.Wrap(rafterr.KindIOError, err))
		}
		return
	}

	p.ready = append(p.ready, seg)
	p.satisfyPendingLocked()
	needMore := len(p.ready) < p.target
	p.mu.Unlock()

	if needMore {
		p.nudge()
	}
}

// satisfyPendingLocked must be called with p.mu held; it drains pending
// requests FIFO against whatever is ready, per spec.md §4.1.
func (p *preparePool) satisfyPendingLocked() {
	for len(p.pending) > 0 && len(p.ready) > 0 {
		req := p.pending[0]
		p.pending = p.pending[1:]
		seg := p.ready[0]
		p.ready = p.ready[1:]
		req.cb(seg, nil)
	}
}

// allocate posix-fallocate-equivalents a new zeroed segment file
// (truncate to full size, which on most filesystems is backed by real
// allocation) followed by a directory fsync (spec.md §4.1).
func (p *preparePool) allocate(counter uint64) (*PreparedSegment, error) {
	path := filepath.Join(p.dir, openSegmentName(counter))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(p.segmentSize); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := writeHeader(f, formatVersion); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := fsyncDir(p.dir); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return &PreparedSegment{Counter: counter, Path: path, file: f}, nil
}

// prepare implements spec.md §4.1's contract: synchronous callback if the
// pool is non-empty, else FIFO-enqueue until the next allocation.
func (p *preparePool) prepare(cb func(*PreparedSegment, error)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cb(nil, rafterr.ErrCanceled)
		return
	}
	if p.errored {
		p.mu.Unlock()
		cb(nil, rafterr.ErrIOError)
		return
	}
	if len(p.ready) > 0 {
		seg := p.ready[0]
		p.ready = p.ready[1:]
		needMore := len(p.ready) < p.target
		p.mu.Unlock()
		cb(seg, nil)
		if needMore {
			p.nudge()
		}
		return
	}
	p.pending = append(p.pending, prepareRequest{cb: cb})
	p.mu.Unlock()
	p.nudge()
}

// stats returns the current PrepareStats snapshot.
func (p *preparePool) stats() PrepareStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inflight := 0
	if p.inflight {
		inflight = 1
	}
	return PrepareStats{Ready: len(p.ready), Inflight: inflight, Failed: p.failed}
}

// close cancels every pending request, lets any inflight allocation's
// result be discarded (its file removed once it completes), and unlinks
// everything already in the ready pool (spec.md §4.1 "On close").
func (p *preparePool) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := p.pending
	p.pending = nil
	ready := p.ready
	p.ready = nil
	p.mu.Unlock()

	close(p.done)

	var errs error
	for _, req := range pending {
		req.cb(nil, rafterr.ErrCanceled)
	}
	for _, seg := range ready {
		if err := seg.file.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
