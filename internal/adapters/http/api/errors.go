package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/okian/fidscore/internal/adapters/repository"
	"github.com/okian/fidscore/internal/domain/history"
	"github.com/okian/fidscore/internal/domain/model"
	"github.com/okian/fidscore/internal/domain/scoring"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest       = errors.New("bad request")
	ErrMissingSecret    = errors.New("missing sweep secret")
	ErrForbidden        = errors.New("invalid sweep secret")
	ErrSweepDisabled    = errors.New("sweep endpoint disabled")
	ErrMethodNotAllowed = errors.New("method not allowed")
)

// KindError attaches an operation name and a sentinel kind to a cause.
type KindError struct {
	Op   string
	Kind error
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *KindError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// WrapKind wraps err with op and kind.
func WrapKind(op string, kind, err error) error {
	return &KindError{Op: op, Kind: kind, Err: err}
}

// NewKind returns an error of kind for op.
func NewKind(op string, kind error) error {
	return &KindError{Op: op, Kind: kind}
}

// statusFor maps an error to its HTTP status and response code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrInvalidIdentity):
		return http.StatusBadRequest, "invalid_identity"
	case errors.Is(err, history.ErrInvalidWindow):
		return http.StatusBadRequest, "invalid_window"
	case errors.Is(err, model.ErrInvalidSnapshot), errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrMissingSecret):
		return http.StatusBadRequest, "missing_secret"
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrSweepDisabled):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed, "method_not_allowed"
	case errors.Is(err, scoring.ErrNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, scoring.ErrRateLimited):
		return http.StatusTooManyRequests, scoring.KindRateLimited
	case errors.Is(err, scoring.ErrNoScore):
		return http.StatusBadGateway, scoring.KindNoScore
	case errors.Is(err, scoring.ErrUpstreamUnavailable):
		return http.StatusBadGateway, scoring.KindUnavailable
	case errors.Is(err, repository.ErrCapacity):
		return http.StatusConflict, "capacity"
	case errors.Is(err, repository.ErrPersistence):
		return http.StatusServiceUnavailable, "persistence"
	}
	return http.StatusInternalServerError, "internal_error"
}
