// Package failure classifies collaborator and handler errors so the worker
// pool can decide between redelivery, re-authentication and terminal failure.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the failure taxonomy shared by every collaborator
type Kind int

const (
	// KindFatal covers unexpected errors: bad responses, programming errors.
	KindFatal Kind = iota
	// KindTransient covers network errors and upstream 5xx/429 responses.
	KindTransient
	// KindAuthRequired means credentials are missing, invalid or expired.
	KindAuthRequired
	// KindValidation means the caller supplied malformed input.
	KindValidation
	// KindTimeout means a collaborator call exceeded its per-call budget.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthRequired:
		return "auth-required"
	case KindValidation:
		return "validation"
	case KindTimeout:
		return "timeout"
	default:
		return "fatal"
	}
}

// Error carries a Kind alongside the wrapped cause
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New(kind.String())
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as a retryable failure
func Transient(op string, err error) error { return newError(KindTransient, op, err) }

// AuthRequired wraps err as a credentials failure
func AuthRequired(op string, err error) error { return newError(KindAuthRequired, op, err) }

// Validation wraps err as an input failure
func Validation(op string, err error) error { return newError(KindValidation, op, err) }

// Timeout wraps err as a per-call budget failure
func Timeout(op string, err error) error { return newError(KindTimeout, op, err) }

// Fatal wraps err as a non-retryable failure
func Fatal(op string, err error) error { return newError(KindFatal, op, err) }

// Validationf builds a validation failure from a format string
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err. Context deadline errors are reported as
// KindTimeout, unclassified errors as KindFatal.
func KindOf(err error) Kind {
	if err == nil {
		return KindFatal
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindFatal
}

// Classified reports whether err carries an explicit Kind. Bare errors, such
// as those from the store, are unclassified.
func Classified(err error) bool {
	var fe *Error
	return errors.As(err, &fe)
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether err may succeed on redelivery
func IsTransient(err error) bool { return Is(err, KindTransient) }

// IsTimeout reports whether err came from an exceeded call budget
func IsTimeout(err error) bool { return Is(err, KindTimeout) }

// IsValidation reports whether err was caused by malformed input
func IsValidation(err error) bool { return Is(err, KindValidation) }

// FromHTTPStatus classifies an upstream HTTP status code
func FromHTTPStatus(op string, status int, err error) error {
	switch {
	case status == 401 || status == 403:
		return AuthRequired(op, err)
	case status == 408 || status == 429 || status >= 500:
		return Transient(op, err)
	case status >= 400:
		return Fatal(op, err)
	}
	return err
}
