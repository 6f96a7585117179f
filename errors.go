package raft

import "github.com/coreraft/raft/internal/rafterr"

// Kind classifies an error surfaced by the core, per the taxonomy the
// I/O contract and client-visible operations agree on (spec.md §7).
type Kind = rafterr.Kind

const (
	KindNotLeader    = rafterr.KindNotLeader
	KindBadID        = rafterr.KindBadID
	KindBadRole      = rafterr.KindBadRole
	KindConfBusy     = rafterr.KindConfBusy
	KindNotFound     = rafterr.KindNotFound
	KindIOError      = rafterr.KindIOError
	KindMalformed    = rafterr.KindMalformed
	KindCorrupt      = rafterr.KindCorrupt
	KindNoConnection = rafterr.KindNoConnection
	KindNoMem        = rafterr.KindNoMem
	KindCanceled     = rafterr.KindCanceled
	KindShutdown     = rafterr.KindShutdown
)

// Error is the error type returned across the I/O contract and every
// client-visible operation (Apply, Barrier, AddServer, AssignRole,
// RemoveServer, TransferLeadership).
type Error = rafterr.Error

// Sentinels for errors.Is comparisons against a specific kind.
var (
	ErrNotLeader    = rafterr.ErrNotLeader
	ErrBadID        = rafterr.ErrBadID
	ErrBadRole      = rafterr.ErrBadRole
	ErrConfBusy     = rafterr.ErrConfBusy
	ErrNotFound     = rafterr.ErrNotFound
	ErrIOError      = rafterr.ErrIOError
	ErrMalformed    = rafterr.ErrMalformed
	ErrCorrupt      = rafterr.ErrCorrupt
	ErrNoConnection = rafterr.ErrNoConnection
	ErrNoMem        = rafterr.ErrNoMem
	ErrCanceled     = rafterr.ErrCanceled
	ErrShutdown     = rafterr.ErrShutdown
)
