package api

import (
	"encoding/json"
	"net/http"

	"github.com/okian/fidscore/internal/adapters/repository"
	"github.com/okian/fidscore/internal/domain/model"
)

// SnapshotsHandler handles raw snapshot listing and client pushes.
type SnapshotsHandler struct {
	deps ScoreReader
}

// NewSnapshotsHandler creates a new snapshots handler.
func NewSnapshotsHandler(deps ScoreReader) *SnapshotsHandler {
	return &SnapshotsHandler{deps: deps}
}

type snapshotsResponse struct {
	FID       int64            `json:"fid"`
	Days      int              `json:"days"`
	Snapshots []model.Snapshot `json:"snapshots"`
}

type pushResponse struct {
	Outcome string `json:"outcome"`
	repository.AppendResult
}

// HandleSnapshots handles GET and POST /snapshots requests.
func (h *SnapshotsHandler) HandleSnapshots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.push(w, r)
	default:
		methodNotAllowed(w, "api.snapshots", http.MethodGet, http.MethodPost)
	}
}

func (h *SnapshotsHandler) list(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_snapshots"
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
	snaps, err := h.deps.ListSnapshots(r.Context(), fid, days)
	if err != nil {
		writeKindError(w, err)
		return
	}
	if snaps == nil {
		snaps = []model.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snapshotsResponse{FID: fid, Days: days, Snapshots: snaps})
}

func (h *SnapshotsHandler) push(w http.ResponseWriter, r *http.Request) {
	const op = "api.push_snapshot"
	var snap model.Snapshot
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&snap); err != nil {
		writeKindError(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := model.ValidateFID(snap.FID); err != nil {
		writeKindError(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	res, err := h.deps.PushSnapshot(r.Context(), snap)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pushResponse{Outcome: res.Outcome.String(), AppendResult: res})
}
