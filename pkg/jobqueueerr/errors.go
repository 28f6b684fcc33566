// Package jobqueueerr defines the error taxonomy shared by the queue client,
// job host, scheduler and orchestrator. Every error that crosses a component
// boundary in this repository is (or wraps) one of these kinds, so callers
// can switch on Kind instead of string-matching messages.
package jobqueueerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way §7 of the design taxonomizes it.
type Kind int

const (
	// KindUnknown is never constructed directly; it is the zero value so a
	// forgotten Kind assignment fails loud instead of silently matching Retriable.
	KindUnknown Kind = iota
	// KindRetriable covers transient failures: table throttling, a message
	// that went briefly invisible, a cooperative cancellation signal. The
	// host re-leases the job; the orchestrator resumes from persisted progress.
	KindRetriable
	// KindNotExist means the caller's lease is gone: its version no longer
	// matches the stored version, or the underlying queue message/pop-receipt
	// vanished. The caller must abandon the job silently.
	KindNotExist
	// KindDuplicate classifies a duplicate-definition conflict. The queue
	// client's Enqueue does not return it: a definition whose hash already
	// has a JobInfo resolves to that existing JobInfo with a nil error.
	KindDuplicate
	// KindFatal covers payload-too-large and similarly unrecoverable errors;
	// the call fails and the caller must shrink its input, not retry as-is.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRetriable:
		return "retriable"
	case KindNotExist:
		return "not-exist"
	case KindDuplicate:
		return "duplicate"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the sum type every component-boundary error in this repository
// wraps. It carries the classifying Kind plus the underlying cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, jobqueueerr.Retriable) etc. match by Kind alone,
// ignoring Msg/Cause, by comparing against sentinel Kind-only errors below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == ""
}

// Sentinel zero-cause errors for errors.Is comparisons, e.g.:
//
//	if errors.Is(err, jobqueueerr.NotExist) { ... }
var (
	Retriable = &Error{Kind: KindRetriable}
	NotExist  = &Error{Kind: KindNotExist}
	Duplicate = &Error{Kind: KindDuplicate}
	Fatal     = &Error{Kind: KindFatal}
)

// New constructs an Error of the given kind wrapping cause.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Retriablef builds a KindRetriable error with a formatted message.
func Retriablef(format string, args ...any) *Error {
	return &Error{Kind: KindRetriable, Msg: fmt.Sprintf(format, args...)}
}

// NotExistf builds a KindNotExist error with a formatted message.
func NotExistf(format string, args ...any) *Error {
	return &Error{Kind: KindNotExist, Msg: fmt.Sprintf(format, args...)}
}

// Fatalf builds a KindFatal error with a formatted message.
func Fatalf(format string, args ...any) *Error {
	return &Error{Kind: KindFatal, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an *Error,
// defaulting to KindUnknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetriable reports whether the host should re-lease the job that produced err.
func IsRetriable(err error) bool { return KindOf(err) == KindRetriable }
