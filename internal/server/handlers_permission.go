package server

import (
	"net/http"
)

// listPendingApprovals handles GET /permissions/pending, optionally
// filtered to a single session via ?sessionId= (spec §6).
func (s *Server) listPendingApprovals(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	pending := s.gate.PendingApprovals(sessionID)
	out := make([]any, 0, len(pending))
	for _, p := range pending {
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, out)
}
