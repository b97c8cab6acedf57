package session

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies driver failures so the orchestrator can decide
// between retry, abandon, and retire without knowing driver internals.
type Kind int

const (
	// KindTransient covers timeouts, egress faults, and stale session
	// handles. Bounded retry, then abandon the unit of work.
	KindTransient Kind = iota

	// KindAuthLocked means the identity is locked or suspended.
	// The identity is retired permanently; the run continues.
	KindAuthLocked

	// KindData marks malformed input the driver refuses to handle.
	// Not retried; the item is dropped.
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthLocked:
		return "auth_locked"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Error is a classified driver failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, msg string) error { return &Error{Kind: kind, Msg: msg} }

// Wrap attaches a classification to an underlying error.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Classify maps any error to a Kind. Unclassified errors and context
// deadlines are transient: the orchestrator's top loop never crashes
// over a surprise, it retries once and moves on.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}

// IsAuthLocked reports whether err retires the identity.
func IsAuthLocked(err error) bool {
	return Classify(err) == KindAuthLocked
}
