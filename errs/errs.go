// Package errs defines the error kinds shared across dcore's packages.
//
// Every primitive in dcore returns either a count/value or one of these
// kinds wrapped with syscall or protocol context via
// github.com/pkg/errors, so callers can still recover the kind with
// errors.Is while getting a useful message.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a dcore error without pinning down a concrete type per
// failure site.
type Kind int

const (
	// InvalidArgument covers negative or unregistered fds and a
	// periodic event given a zero cycle count.
	InvalidArgument Kind = iota
	// Overflow covers buffer limit breaches and timespec subtraction
	// underflow.
	Overflow
	// Busy covers a write or read refused by an outstanding lock, a
	// second concurrent lock, or an add that conflicts with an existing
	// registration. (A nested loop Run reports false, not an error.)
	Busy
	// IO covers kernel multiplexer failures other than interruption,
	// and broken send/recv.
	IO
	// ShortRead covers a peer closing or a deadline expiring mid-message.
	ShortRead
	// Malformed covers a parameter-count/length mismatch on deserialize.
	Malformed
	// Interrupted covers a signal causing early return with partial
	// progress.
	Interrupted
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case Overflow:
		return "overflow"
	case Busy:
		return "busy"
	case IO:
		return "io"
	case ShortRead:
		return "short read"
	case Malformed:
		return "malformed"
	case Interrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the concrete error type dcore returns. It carries a Kind so
// callers can test with Is, and an optional wrapped cause.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dcore: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("dcore: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Kind, so that
// errors.Is(err, New(Overflow)) works regardless of wrapped context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a bare Error of the given kind.
func New(k Kind) *Error {
	return &Error{Kind: k}
}

// Wrap builds an Error of the given kind, wrapping cause with msg via
// github.com/pkg/errors so the original syscall context survives in the
// message while Kind remains comparable with errors.Is.
func Wrap(k Kind, cause error, msg string) *Error {
	if cause == nil {
		return &Error{Kind: k, Cause: errors.New(msg)}
	}
	return &Error{Kind: k, Cause: errors.Wrap(cause, msg)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(k Kind, cause error, format string, args ...interface{}) *Error {
	return Wrap(k, cause, fmt.Sprintf(format, args...))
}
