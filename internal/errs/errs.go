// Package errs defines the error taxonomy shared by the engine, its steps,
// and the external collaborators they call.
//
// Every failure that crosses a component boundary is an *Error carrying a
// Kind. The executor's retry policy and the HTTP layer's status mapping are
// both driven by the Kind alone.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry and propagation decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindConflict
	KindValidation
	KindWeak
	KindProvider
	KindMalformed
	KindTimeout
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindWeak:
		return "weak_result"
	case KindProvider:
		return "external_provider"
	case KindMalformed:
		return "agent_output_malformed"
	case KindTimeout:
		return "timeout"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the operation that failed
// (e.g. "retrieval.search", "engine.admit").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels: errors.Is(err, errs.ErrTimeout) holds for any
// *Error of KindTimeout regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrConflict   = &Error{Kind: KindConflict}
	ErrValidation = &Error{Kind: KindValidation}
	ErrWeak       = &Error{Kind: KindWeak}
	ErrProvider   = &Error{Kind: KindProvider}
	ErrMalformed  = &Error{Kind: KindMalformed}
	ErrTimeout    = &Error{Kind: KindTimeout}
	ErrFatal      = &Error{Kind: KindFatal}
)

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Conflict reports that another run is active for the project.
func Conflict(op, format string, args ...any) error {
	return newf(KindConflict, op, format, args...)
}

// Validation reports malformed input from the caller.
func Validation(op, format string, args ...any) error {
	return newf(KindValidation, op, format, args...)
}

// Weak reports a qualitatively insufficient result.
func Weak(op, format string, args ...any) error {
	return newf(KindWeak, op, format, args...)
}

// Malformed reports structured output that could not be parsed.
func Malformed(op string, err error) error {
	return &Error{Kind: KindMalformed, Op: op, Err: err}
}

// Fatal reports an internal invariant violation.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// Provider wraps a failure from an external service. Deadline errors are
// classified as timeouts instead.
func Provider(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindProvider, Op: op, Err: err}
}

// Timeout wraps a bounded external call that ran out of time.
func Timeout(op string, err error) error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost classified error in err's chain.
// A bare context.DeadlineExceeded counts as a timeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Retryable reports whether the executor may retry the failed call.
// Timeouts are handled exactly like provider errors.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindWeak, KindProvider, KindMalformed, KindTimeout:
		return true
	}
	return false
}
