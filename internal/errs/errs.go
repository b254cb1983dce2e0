// Package errs defines the errno-style error kinds the manager core
// distinguishes, per the RPC reply-word contract: every handler returns
// success-or-errno in the first reply word, and only EFAULT is never
// returned this way (it travels as a message, see internal/messenger).
package errs

import (
	"github.com/pkg/errors"
)

// Kind is one of the reply-word error kinds the core must distinguish.
type Kind int

const (
	// KindNone is not an error; it is the zero value, which KindOf returns
	// for nil and for errors that are not an *Errno.
	KindNone Kind = iota
	// ENOENT: absent/invalid capability — void slot, version mismatch, stale pointer.
	ENOENT
	// EPERM: insufficient rights — write attempt through a weak capability.
	EPERM
	// EINVAL: malformed argument — type mismatch, out-of-range index, reserved bits set.
	EINVAL
	// EWOULDBLOCK: receive/send on a blocked peer with the nonblocking flag set.
	EWOULDBLOCK
	// ENOMEM: quota exceeded — folio count over an activity's limit, or frame
	// allocation failed even after invoking the pager.
	ENOMEM
	// EDEADLK: synthesized only by the diagnostic watchdog, for futex waiters.
	EDEADLK
	// EFAULT: page fault. Ordinary RPC handlers never return this in the reply
	// word (it travels to the faulting thread's exception-messenger instead);
	// it is defined here only so internal/folio and internal/messenger can
	// share one numeric convention for "not WAIT_DESTROY, deliver a fault".
	EFAULT
)

func (k Kind) String() string {
	switch k {
	case ENOENT:
		return "ENOENT"
	case EPERM:
		return "EPERM"
	case EINVAL:
		return "EINVAL"
	case EWOULDBLOCK:
		return "EWOULDBLOCK"
	case ENOMEM:
		return "ENOMEM"
	case EDEADLK:
		return "EDEADLK"
	case EFAULT:
		return "EFAULT"
	default:
		return "ENONE"
	}
}

// Errno is the wrapped error type carried through the dispatch loop. The
// cause chain (via pkg/errors) is preserved for logging; the reply word only
// ever sees the Kind.
type Errno struct {
	kind Kind
	err  error
}

func (e *Errno) Error() string {
	if e.err == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.err.Error()
}

// Cause lets pkg/errors.Cause / errors.Unwrap walk through to the wrapped error.
func (e *Errno) Cause() error { return e.err }
func (e *Errno) Unwrap() error { return e.err }

// KindOf returns the errno kind carried by err, or KindNone if err is nil or not an *Errno.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Errno
	if errors.As(err, &e) {
		return e.kind
	}
	return KindNone
}

// New wraps msg as a fresh error of kind k.
func New(k Kind, msg string) error {
	return &Errno{kind: k, err: errors.New(msg)}
}

// Wrap wraps err as kind k, preserving err in the cause chain.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Errno{kind: k, err: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with formatting.
func Wrapf(k Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Errno{kind: k, err: errors.Wrapf(err, format, args...)}
}

// ReplyWord maps err to the RPC reply-word convention: 0 for success,
// otherwise a positive value; EDEADLK/EFAULT are never produced by ordinary
// handlers (EFAULT never reaches here at all — see internal/messenger).
func ReplyWord(err error) uint32 {
	switch KindOf(err) {
	case KindNone:
		if err == nil {
			return 0
		}
		return uint32(EINVAL)
	default:
		return uint32(KindOf(err))
	}
}
