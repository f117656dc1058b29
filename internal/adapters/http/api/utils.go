package api

import (
	"net/http"
	"strings"

	"github.com/okian/fidscore/internal/domain/history"
	"github.com/okian/fidscore/internal/domain/model"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

func queryFID(r *http.Request) (int64, error) {
	return model.ParseFID(r.URL.Query().Get("fid"))
}

func queryDays(r *http.Request) (int, error) {
	return history.ParseWindowDays(r.URL.Query().Get("days"))
}

func methodNotAllowed(w http.ResponseWriter, op string, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeKindError(w, NewKind(op, ErrMethodNotAllowed))
}
