package server

import (
	"encoding/json"
	"net/http"
)

type pairRequest struct {
	Token string `json:"token"`
}

type pairResponse struct {
	DeviceToken string `json:"deviceToken"`
}

// pairDevice handles POST /pair: exchanges a single-use pairing token for a
// long-lived auth_device bearer token (spec §6).
func (s *Server) pairDevice(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "token is required")
		return
	}

	deviceToken, rateLimited, err := s.auth.Pair(r.RemoteAddr, req.Token)
	if rateLimited {
		writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "too many failed pairing attempts")
		return
	}
	if err != nil {
		writeError(w, http.StatusUnauthorized, ErrCodePermissionDenied, "invalid or expired pairing token")
		return
	}

	writeJSON(w, http.StatusOK, pairResponse{DeviceToken: deviceToken})
}
