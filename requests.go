package raft

import "sync"

// request is one client operation waiting on its log entry to commit,
// modeled on client.c's intrusive queue of pending requests (SPEC_FULL.md
// "client.c's request bookkeeping"): instead of an intrusive linked list
// walked at apply time, requests live in a table keyed by the index they
// are waiting on, which applyCommitted resolves in index order.
type request struct {
	index uint64
	done  chan error
}

// requestTable is the leader-side bookkeeping for every Apply/Barrier/
// membership-change call that has appended an entry but not yet seen it
// committed.
type requestTable struct {
	mu      sync.Mutex
	pending map[uint64]*request
}

func newRequestTable() *requestTable {
	return &requestTable{pending: make(map[uint64]*request)}
}

func (t *requestTable) register(index uint64) *request {
	req := &request{index: index, done: make(chan error, 1)}
	t.mu.Lock()
	t.pending[index] = req
	t.mu.Unlock()
	return req
}

// resolveUpTo answers every request waiting at or below index with a nil
// error, called as entries are applied in order.
func (t *requestTable) resolveUpTo(index uint64) {
	t.mu.Lock()
	var ready []*request
	for idx, req := range t.pending {
		if idx <= index {
			ready = append(ready, req)
			delete(t.pending, idx)
		}
	}
	t.mu.Unlock()
	for _, req := range ready {
		req.done <- nil
	}
}

// failAll answers every still-pending request with err: used when this
// replica steps down or shuts down before a request's entry could commit.
// The entry itself may or may not survive on whichever replica becomes
// leader next; this replica can no longer promise either way.
func (t *requestTable) failAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint64]*request)
	t.mu.Unlock()
	for _, req := range pending {
		req.done <- err
	}
}
