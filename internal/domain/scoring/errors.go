package scoring

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Match with errors.Is.
var (
	ErrUpstreamUnavailable = errors.New("scoring source unavailable")
	ErrRateLimited         = errors.New("scoring source rate limited")
	ErrNotFound            = errors.New("identity not found at scoring source")
	ErrNoScore             = errors.New("score unavailable")
)

// Error is the single error type returned by observers and sources.
type Error struct {
	Kind       error
	FID        int64
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.FID > 0 {
		msg = fmt.Sprintf("%s (fid %d)", msg, e.FID)
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s, retry after %s", msg, e.RetryAfter)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an Error of the given kind.
func NewError(kind error, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// RateLimited builds a rate-limit error carrying the server's retry hint.
func RateLimited(retryAfter time.Duration, cause error) *Error {
	return &Error{Kind: ErrRateLimited, RetryAfter: retryAfter, Err: cause}
}

// forFID copies err onto fid, preserving its kind.
func forFID(err error, fid int64) error {
	var se *Error
	if errors.As(err, &se) {
		cp := *se
		cp.FID = fid
		return &cp
	}
	return &Error{Kind: ErrUpstreamUnavailable, FID: fid, Err: err}
}

// Kind labels for metrics and API responses.
const (
	KindUnavailable = "unavailable"
	KindRateLimited = "rate_limited"
	KindNotFound    = "not_found"
	KindNoScore     = "no_score"
	KindUnknown     = "unknown"
)

// KindOf maps err to a stable label.
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNoScore):
		return KindNoScore
	case errors.Is(err, ErrUpstreamUnavailable):
		return KindUnavailable
	}
	return KindUnknown
}

// RetryAfter returns the retry hint of a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var se *Error
	if errors.As(err, &se) && errors.Is(se.Kind, ErrRateLimited) {
		return se.RetryAfter, true
	}
	return 0, false
}

// Transient reports whether a stale stored value may stand in for a failed
// observation. NotFound is never transient.
func Transient(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrNoScore)
}
