// Package apperr defines the error taxonomy shared by the checkout services.
//
// Domain packages declare their failures as *Error sentinels so callers can
// match them with errors.Is, while transport layers use KindOf to pick a
// response status without knowing every sentinel.
package apperr

import (
	"github.com/go-faster/errors"
)

// Kind classifies an error for propagation decisions.
type Kind uint8

const (
	// KindInternal is an unexpected failure (storage down, programming error).
	KindInternal Kind = iota
	// KindValidation is bad input shape or range; user-correctable.
	KindValidation
	// KindNotFound means the referenced entity does not exist.
	KindNotFound
	// KindConflict means the request collides with current state
	// (exhausted coupon, insufficient stock, invalid transition).
	KindConflict
	// KindUpstream means the payment gateway was unreachable or refused.
	KindUpstream
	// KindAuthorization means a missing or invalid credential or signature.
	KindAuthorization
	// KindIntegrityGap marks a secondary side effect that failed after the
	// primary effect committed. Logged for reconciliation, never surfaced.
	KindIntegrityGap
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	case KindAuthorization:
		return "authorization"
	case KindIntegrityGap:
		return "integrity_gap"
	default:
		return "internal"
	}
}

// Error is a classified error with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports sentinel equality by kind and code, so a wrapped copy created
// with Wrap still matches the sentinel it was derived from.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: cause}
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: msg, Err: e.Err}
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Validation creates a KindValidation error.
func Validation(code, msg string) *Error { return newErr(KindValidation, code, msg) }

// NotFound creates a KindNotFound error.
func NotFound(code, msg string) *Error { return newErr(KindNotFound, code, msg) }

// Conflict creates a KindConflict error.
func Conflict(code, msg string) *Error { return newErr(KindConflict, code, msg) }

// Upstream creates a KindUpstream error.
func Upstream(code, msg string) *Error { return newErr(KindUpstream, code, msg) }

// Authorization creates a KindAuthorization error.
func Authorization(code, msg string) *Error { return newErr(KindAuthorization, code, msg) }

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IntegrityGapError records a side effect that failed after a payment was
// confirmed. It is logged and counted, never returned to the webhook caller.
type IntegrityGapError struct {
	OrderID int64
	Step    string
	Err     error
}

func (e *IntegrityGapError) Error() string {
	return "integrity gap at " + e.Step + ": " + e.Err.Error()
}

func (e *IntegrityGapError) Unwrap() error { return e.Err }
