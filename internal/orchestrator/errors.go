package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the stable, caller-visible category of a failed query.
type Kind string

const (
	KindUnauthorized       Kind = "unauthorized"
	KindRateLimited        Kind = "rate_limited"
	KindInvalidRequest     Kind = "invalid_request"
	KindRetrievalFailure   Kind = "retrieval_failure"
	KindGenerationFailure  Kind = "generation_failure"
	KindRedactionInvariant Kind = "redaction_invariant_violation"
	KindTenantIntegrity    Kind = "tenant_integrity_violation"
	KindInternal           Kind = "internal"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrUnauthorized       = errors.New("caller has no tenant scope")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrRetrievalFailure   = errors.New("retrieval failed")
	ErrGenerationFailure  = errors.New("generation failed")
	ErrRedactionInvariant = errors.New("response withheld: redaction invariant violated")
	ErrTenantIntegrity    = errors.New("response withheld: tenant integrity violated")
	ErrInternal           = errors.New("internal error")
)

var sentinels = map[Kind]error{
	KindUnauthorized:       ErrUnauthorized,
	KindRateLimited:        ErrRateLimited,
	KindInvalidRequest:     ErrInvalidRequest,
	KindRetrievalFailure:   ErrRetrievalFailure,
	KindGenerationFailure:  ErrGenerationFailure,
	KindRedactionInvariant: ErrRedactionInvariant,
	KindTenantIntegrity:    ErrTenantIntegrity,
	KindInternal:           ErrInternal,
}

// Error is a failed query. Error() returns only the public message for the
// kind; the underlying cause stays reachable through Unwrap for logs.
type Error struct {
	Kind  Kind
	cause error
}

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

func (e *Error) Error() string { return sentinels[e.Kind].Error() }

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool { return sentinels[e.Kind] == target }

// Cause returns the internal cause. Never expose it to callers.
func (e *Error) Cause() error { return e.cause }

// RateLimitedError is returned when admission is denied.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// Is matches ErrRateLimited.
func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return KindRateLimited
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
