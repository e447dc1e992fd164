// Package boxerr implements the error taxonomy shared by every boxlite
// component: a small set of kinds, not a type per failure mode.
package boxerr

import (
	"errors"
	"fmt"

	cockroacherrors "github.com/cockroachdb/errors"
)

// Kind is one of the stable error categories from the runtime's error
// taxonomy. Front-ends key user-facing messages and remediation off Kind,
// never off the wrapped detail string.
type Kind string

const (
	NotFound       Kind = "not_found"
	AlreadyExists  Kind = "already_exists"
	InvalidState   Kind = "invalid_state"
	InvalidArgument Kind = "invalid_argument"
	Storage        Kind = "storage"
	Engine         Kind = "engine"
	Image          Kind = "image"
	Timeout        Kind = "timeout"
	Config         Kind = "config"
	Internal       Kind = "internal"
)

// Error is a kinded, wrappable error. It never carries a stack trace itself;
// Internal errors get one via cockroachdb/errors at construction time so a
// poisoned-invariant report is actionable without reproducing it.
type Error struct {
	Kind   Kind
	What   string // box, snapshot, image, or cache entry name, when applicable
	err    error
}

func (e *Error) Error() string {
	if e.What == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.err)
	}
	return fmt.Sprintf("%s %q: %v", e.Kind, e.What, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// New builds a kinded error from a format string, mirroring the teacher's
// fmt.Errorf("...: %w") wrapping style but tagging the result with Kind.
func New(kind Kind, what string, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	if kind == Internal {
		err = cockroacherrors.WithStack(err)
	}
	return &Error{Kind: kind, What: what, err: err}
}

// Wrap tags an existing error with kind and what, preserving it as the cause.
func Wrap(kind Kind, what string, cause error) *Error {
	if cause == nil {
		return nil
	}
	if kind == Internal {
		cause = cockroacherrors.WithStack(cause)
	}
	return &Error{Kind: kind, What: what, err: cause}
}

// Is reports whether err (or any error it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or Internal if err is not a *Error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return Internal
}
