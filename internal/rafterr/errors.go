// Package rafterr holds the error taxonomy of spec.md §7, factored out of
// the root package so internal packages (store, snapshot, consensus) can
// return and compare these errors without an import cycle back through
// the root package.
package rafterr

import "fmt"

// Kind classifies an error surfaced by the core, per the taxonomy the
// I/O contract and client-visible operations agree on.
type Kind int

const (
	KindNotLeader Kind = iota
	KindBadID
	KindBadRole
	KindConfBusy
	KindNotFound
	KindIOError
	KindMalformed
	KindCorrupt
	KindNoConnection
	KindNoMem
	KindCanceled
	KindShutdown
)

var kindNames = [...]string{
	"not-leader",
	"bad-id",
	"bad-role",
	"conf-busy",
	"not-found",
	"io-error",
	"malformed",
	"corrupt",
	"no-connection",
	"nomem",
	"canceled",
	"shutdown",
}

func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Error is the error type returned across the I/O contract and every
// client-visible operation (Apply, Barrier, AddServer, AssignRole,
// RemoveServer, TransferLeadership).
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("raft: %s: %s", e.Kind, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("raft: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("raft: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrNotLeader) style comparisons by kind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Sentinels for errors.Is comparisons against a specific kind.
var (
	ErrNotLeader    = &Error{Kind: KindNotLeader, Msg: "not leader"}
	ErrBadID        = &Error{Kind: KindBadID, Msg: "unknown or invalid server id"}
	ErrBadRole      = &Error{Kind: KindBadRole, Msg: "invalid or redundant role"}
	ErrConfBusy     = &Error{Kind: KindConfBusy, Msg: "configuration change in flight"}
	ErrNotFound     = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrIOError      = &Error{Kind: KindIOError, Msg: "durable storage failure"}
	ErrMalformed    = &Error{Kind: KindMalformed, Msg: "unsupported disk format"}
	ErrCorrupt      = &Error{Kind: KindCorrupt, Msg: "checksum mismatch or implausible length"}
	ErrNoConnection = &Error{Kind: KindNoConnection, Msg: "transport unable to send"}
	ErrNoMem        = &Error{Kind: KindNoMem, Msg: "allocation failure"}
	ErrCanceled     = &Error{Kind: KindCanceled, Msg: "request dropped by shutdown"}
	ErrShutdown     = &Error{Kind: KindShutdown, Msg: "operation after close"}
)
