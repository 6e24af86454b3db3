// Package orcherr defines the typed error taxonomy shared by every core
// component. Callers branch on Kind via errors.As instead of string matching.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind discriminates the category of failure a caller should react to.
type Kind string

const (
	NotFound            Kind = "not_found"
	InvalidState         Kind = "invalid_state"
	InvalidTransition    Kind = "invalid_transition"
	Timeout              Kind = "timeout"
	SpawnFailure         Kind = "spawn_failure"
	ParseFailure         Kind = "parse_failure"
	ResourceExhausted    Kind = "resource_exhausted"
	UpstreamUnavailable  Kind = "upstream_unavailable"
	Conflict             Kind = "conflict"
)

// Error is the single error type produced by core components.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, orcherr.New(orcherr.NotFound, "", nil)) style checks are
// unnecessary; prefer Is/As helpers below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds an *Error wrapping cause (may be nil) under op with kind.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Wrap is a convenience for New(kind, op, err) that returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(kind, op, err)
}

// Of reports the Kind of err, or "" if err is not (or does not wrap) an *Error.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
