package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/okian/fidscore/pkg/logger"
)

// SweepSecretHeader carries the sweep secret.
const SweepSecretHeader = "X-Sweep-Secret"

// SweepHandler triggers a sweep of the tracked set.
type SweepHandler struct {
	deps   Sweeper
	secret string
	logger logger.Logger
}

// NewSweepHandler creates a new sweep handler. An empty secret disables the endpoint.
func NewSweepHandler(deps Sweeper, secret string, l logger.Logger) *SweepHandler {
	return &SweepHandler{deps: deps, secret: secret, logger: l}
}

// HandleSweep handles POST /sweep requests. The secret is read from the
// X-Sweep-Secret header or the secret query parameter.
func (h *SweepHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	const op = "api.sweep"
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		methodNotAllowed(w, op, http.MethodPost, http.MethodGet)
		return
	}
	if err := h.authorize(r); err != nil {
		h.logger.Warn(r.Context(), "sweep rejected", logger.String("remote", r.RemoteAddr), logger.Error(err))
		writeKindError(w, WrapKind(op, err, nil))
		return
	}
	sum, err := h.deps.Sweep(r.Context())
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *SweepHandler) authorize(r *http.Request) error {
	if h.secret == "" {
		return ErrSweepDisabled
	}
	got := r.Header.Get(SweepSecretHeader)
	if got == "" {
		got = r.URL.Query().Get("secret")
	}
	if got == "" {
		return ErrMissingSecret
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		return ErrForbidden
	}
	return nil
}
