package api

import (
	"net/http"
	"time"

	"fieldserve/internal/buildinfo"
)

// DebugJSON reports build info and the non-secret settings main passed in Debug.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"build":  buildinfo.Info(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"config": s.Debug,
	})
}
