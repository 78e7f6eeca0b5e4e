// Package clustererr defines the stable error kinds the cluster-coordination
// core surfaces to callers. Every user-facing API returns one of these
// (unwrapped of any KV-client internals) rather than leaking the
// underlying transport's exception types.
package clustererr

import (
	"errors"
	"fmt"
)

// Kind tags an error with one of the categories the error-handling design
// distinguishes.
type Kind string

const (
	// KindTransport marks a KV-agent unreachable/timed-out failure.
	KindTransport Kind = "transport"
	// KindContention marks a lost CAS or acquire-session race.
	KindContention Kind = "contention"
	// KindDecode marks a single entry that failed to decode.
	KindDecode Kind = "decode"
	// KindJoin marks an aborted join pipeline.
	KindJoin Kind = "join"
	// KindSessionInvalidated marks a write rejected because its session id
	// is no longer valid.
	KindSessionInvalidated Kind = "session_invalidated"
)

// Error is the concrete type behind every error this module returns to
// application code.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "kv.put", "node.join"
	Err  error  // wrapped cause, nil for a bare sentinel
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, clustererr.Transport) style checks against the
// sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinels usable with errors.Is(err, clustererr.Transport) etc. Only the
// Kind field is compared.
var (
	Transport          = &Error{Kind: KindTransport}
	Contention         = &Error{Kind: KindContention}
	Decode             = &Error{Kind: KindDecode}
	Join               = &Error{Kind: KindJoin}
	SessionInvalidated = &Error{Kind: KindSessionInvalidated}
)

// New builds an *Error for op/kind wrapping cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Transportf builds a TransportError for op.
func Transportf(op string, cause error) *Error { return New(KindTransport, op, cause) }

// Contentionf builds a ContentionError for op.
func Contentionf(op string, cause error) *Error { return New(KindContention, op, cause) }

// Decodef builds a DecodeError for op.
func Decodef(op string, cause error) *Error { return New(KindDecode, op, cause) }

// Joinf builds a JoinError carrying the failed step name as op.
func Joinf(step string, cause error) *Error { return New(KindJoin, step, cause) }

// SessionInvalidatedf builds a SessionInvalidated error for op.
func SessionInvalidatedf(op string, cause error) *Error {
	return New(KindSessionInvalidated, op, cause)
}
