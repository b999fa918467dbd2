package exchange

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies adapter failures so callers can decide between retrying,
// queueing, halting the user, or surfacing the error.
type Kind string

const (
	KindTransport           Kind = "transport"
	KindRateLimit           Kind = "rate_limit"
	KindAuth                Kind = "auth"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindValidation          Kind = "validation"
	KindConflict            Kind = "conflict"
	KindReconcile           Kind = "reconcile"
	KindFatal               Kind = "fatal"
)

// Error is the tagged error every adapter operation returns on failure.
type Error struct {
	Kind       Kind
	Venue      string
	Op         string
	RetryAfter time.Duration // set for rate-limit errors when the venue says so
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %s", e.Venue, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Venue, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind tag for the given venue and operation.
func NewError(kind Kind, venue, op string, err error) *Error {
	return &Error{Kind: kind, Venue: venue, Op: op, Err: err}
}

// KindOf extracts the kind tag from err, defaulting to transport for
// untagged errors so the retry path stays conservative.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}

// IsKind reports whether err carries the given kind tag.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a failed call may be retried with backoff.
// Validation, auth, and conflict errors never are.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindRateLimit:
		return true
	}
	return false
}

// KindForStatus maps an HTTP status code to an error kind.
func KindForStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimit
	case status == 409:
		return KindConflict
	case status >= 400 && status < 500:
		return KindValidation
	default:
		return KindTransport
	}
}
