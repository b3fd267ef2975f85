package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"fieldserve/internal/dispatch"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// CurrentStatus is the work request status when a transition was refused.
	CurrentStatus string `json:"currentStatus,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

var kindTitles = map[dispatch.Kind]string{
	dispatch.KindNotFound:     "Not Found",
	dispatch.KindUnauthorized: "Forbidden",
	dispatch.KindInvalidState: "Invalid State",
	dispatch.KindValidation:   "Invalid Request",
	dispatch.KindConflict:     "Conflict",
	dispatch.KindUpstream:     "Upstream Unavailable",
}

// writeError maps a service error onto a problem response.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var de *dispatch.Error
	if errors.As(err, &de) {
		status := de.HTTPStatus()
		if de.Kind == dispatch.KindUpstream {
			log.Printf("[api] %s %s: %v", r.Method, r.URL.Path, err)
		}
		writeJSON(w, status, Problem{
			Type:          "about:blank",
			Title:         kindTitles[de.Kind],
			Status:        status,
			Detail:        de.Message,
			Instance:      r.URL.Path,
			CurrentStatus: string(de.Status),
		})
		return
	}
	log.Printf("[api] %s %s: %v", r.Method, r.URL.Path, err)
	writeProblem(w, http.StatusInternalServerError, "Internal Error", "unexpected server error", r.URL.Path)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return false
	}
	return true
}
