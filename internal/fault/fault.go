// Package fault defines the error taxonomy shared by the schedule service,
// the store, and the HTTP surface.
//
// Errors carry a Kind so callers can branch on the class of failure
// (errors.Is against the kind sentinels) while the message stays
// human-readable. Store/internal detail must never leak to API clients;
// the server layer maps kinds to responses.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindInternal is anything unanticipated. It is the zero value on purpose:
	// an unclassified error is an internal error.
	KindInternal Kind = iota
	KindUnauthenticated
	KindInvalid
	KindNotFound
	KindPrecondition
	KindStore
	KindDispatch
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindInvalid:
		return "invalid-argument"
	case KindNotFound:
		return "not-found"
	case KindPrecondition:
		return "failed-precondition"
	case KindStore:
		return "store"
	case KindDispatch:
		return "dispatch"
	default:
		return "internal"
	}
}

// Error is a kinded error. Use the constructors below rather than building
// one by hand so the kind is always set deliberately.
type Error struct {
	kind Kind
	msg  string
	err  error // wrapped cause, may be nil
}

func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Error() string {
	if e.err != nil && e.msg != "" {
		return e.msg + ": " + e.err.Error()
	}
	if e.err != nil {
		return e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Is lets errors.Is(err, fault.NotFound) style checks match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.msg == "" && t.err == nil && t.kind == e.kind
}

// Kind sentinels for errors.Is matching.
var (
	Unauthenticated = &Error{kind: KindUnauthenticated}
	Invalid         = &Error{kind: KindInvalid}
	NotFound        = &Error{kind: KindNotFound}
	Precondition    = &Error{kind: KindPrecondition}
	Store           = &Error{kind: KindStore}
	Dispatch        = &Error{kind: KindDispatch}
	Internal        = &Error{kind: KindInternal}
)

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause. A nil cause yields nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, err: err}
}

// KindOf extracts the kind from err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindInternal
}
