package api

import (
	"encoding/json"
	"net/http"

	"github.com/okian/fidscore/internal/domain/model"
)

// TrackHandler handles tracked set changes and listings.
type TrackHandler struct {
	deps Tracker
}

// NewTrackHandler creates a new track handler.
func NewTrackHandler(deps Tracker) *TrackHandler {
	return &TrackHandler{deps: deps}
}

// trackRequest mirrors the OpenAPI schema for POST /track.
type trackRequest struct {
	FID    int64 `json:"fid"`
	Track  *bool `json:"track"`
	Pinned *bool `json:"pinned"`
}

type trackedResponse struct {
	Count   int            `json:"count"`
	Members []model.Member `json:"members"`
}

// HandlePostTrack handles POST /track requests. A missing track field means true.
func (h *TrackHandler) HandlePostTrack(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_track"
	if r.Method != http.MethodPost {
		methodNotAllowed(w, op, http.MethodPost)
		return
	}
	var req trackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeKindError(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := model.ValidateFID(req.FID); err != nil {
		writeKindError(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	enabled := req.Track == nil || *req.Track
	state, err := h.deps.Track(r.Context(), req.FID, enabled, req.Pinned)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// HandleGetTracked handles GET /tracked requests.
func (h *TrackHandler) HandleGetTracked(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_tracked"
	if r.Method != http.MethodGet {
		methodNotAllowed(w, op, http.MethodGet)
		return
	}
	members, err := h.deps.Tracked(r.Context())
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trackedResponse{Count: len(members), Members: members})
}
