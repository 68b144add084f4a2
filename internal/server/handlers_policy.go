package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentrelay/controlplane/internal/permission"
	"github.com/agentrelay/controlplane/internal/rules"
	"github.com/agentrelay/controlplane/internal/storage"
)

// listRules handles GET /policy/rules
func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	wid := r.URL.Query().Get("workspaceId")
	var out []rules.Rule
	if wid != "" {
		out = s.rules.GetForWorkspace(wid)
	} else {
		out = s.rules.GetAll()
	}
	writeJSON(w, http.StatusOK, out)
}

// rulePatchRequest mirrors rules.Patch with raw JSON so we can distinguish
// "absent" from "explicit null" (spec §4.3's clear-on-null semantics).
type rulePatchRequest struct {
	Executable json.RawMessage `json:"executable"`
	Pattern    json.RawMessage `json:"pattern"`
	Label      json.RawMessage `json:"label"`
	ExpiresAt  json.RawMessage `json:"expiresAt"`
}

// patchRule handles PATCH /policy/rules/:id
func (s *Server) patchRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	patch := rules.Patch{}
	if v, ok := raw["executable"]; ok {
		patch.HasExecutable = true
		patch.Executable = decodeOptionalString(v)
	}
	if v, ok := raw["pattern"]; ok {
		patch.HasPattern = true
		patch.Pattern = decodeOptionalString(v)
	}
	if v, ok := raw["label"]; ok {
		patch.HasLabel = true
		patch.Label = decodeOptionalString(v)
	}
	if v, ok := raw["expiresAt"]; ok {
		patch.HasExpiresAt = true
		patch.ExpiresAt = decodeOptionalString(v)
	}

	updated, err := s.rules.Update(id, patch)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func decodeOptionalString(raw json.RawMessage) *string {
	var v *string
	_ = json.Unmarshal(raw, &v)
	return v
}

// deleteRule handles DELETE /policy/rules/:id
func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.rules.Remove(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getPolicyAudit handles GET /policy/audit
func (s *Server) getPolicyAudit(w http.ResponseWriter, r *http.Request) {
	q := permission.AuditQuery{
		SessionID: r.URL.Query().Get("sessionId"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			q.Limit = n
		}
	}
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		if t, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			q.SinceTs = t
		}
	}

	records, err := s.gate.Audit().Query(q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if records == nil {
		records = []permission.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
