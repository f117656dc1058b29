package api

import (
	"net/http"
	"strconv"

	"github.com/okian/fidscore/pkg/logger"
)

// ScoreHandler handles current score and history reads.
type ScoreHandler struct {
	deps   ScoreReader
	logger logger.Logger
}

// NewScoreHandler creates a new score handler.
func NewScoreHandler(deps ScoreReader, l logger.Logger) *ScoreHandler {
	return &ScoreHandler{deps: deps, logger: l}
}

// HandleGetScore handles GET /score?fid= requests.
func (h *ScoreHandler) HandleGetScore(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_score"
	if r.Method != http.MethodGet {
		methodNotAllowed(w, op, http.MethodGet)
		return
	}
	fid, err := queryFID(r)
	if err != nil {
		writeKindError(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	cur, err := h.deps.GetCurrentScore(r.Context(), fid)
	if err != nil {
		h.logger.Debug(r.Context(), "current score unavailable", logger.Int64("fid", fid), logger.Error(err))
		writeKindError(w, err)
		return
	}
	if cur.Stale && cur.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(cur.RetryAfter, 10))
	}
	writeJSON(w, http.StatusOK, cur)
}

// HandleGetHistory handles GET /history?fid=&days= requests.
func (h *ScoreHandler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_history"
	if r.Method != http.MethodGet {
		methodNotAllowed(w, op, http.MethodGet)
		return
	}
	fid, err := queryFID(r)
	if err != nil {
		writeKindError(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	days, err := queryDays(r)
	if err != nil {
		writeKindError(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	view, err := h.deps.GetHistory(r.Context(), fid, days)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
