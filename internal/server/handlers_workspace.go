package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentrelay/controlplane/internal/storage"
	"github.com/agentrelay/controlplane/pkg/types"
)

// workspaceRequest is the JSON body accepted by workspace create/update.
type workspaceRequest struct {
	Name            string                      `json:"name"`
	Skills          []string                    `json:"skills,omitempty"`
	PolicyPreset    types.WorkspacePolicyPreset `json:"policyPreset,omitempty"`
	Runtime         types.WorkspaceRuntime      `json:"runtime"`
	HostMount       string                      `json:"hostMount,omitempty"`
	MemoryEnabled   bool                        `json:"memoryEnabled,omitempty"`
	MemoryNamespace string                      `json:"memoryNamespace,omitempty"`
	Extensions      []string                    `json:"extensions,omitempty"`
	DefaultModel    string                      `json:"defaultModel,omitempty"`
	SystemPrompt    string                      `json:"systemPrompt,omitempty"`
	Icon            string                      `json:"icon,omitempty"`
	Description     string                      `json:"description,omitempty"`
}

// listWorkspaces handles GET /workspaces
func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	out, err := s.workspaces.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if out == nil {
		out = []*types.Workspace{}
	}
	writeJSON(w, http.StatusOK, out)
}

// createWorkspace handles POST /workspaces
func (s *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req workspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Runtime != types.RuntimeHost && req.Runtime != types.RuntimeContainer {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "runtime must be \"host\" or \"container\"")
		return
	}

	ws := types.Workspace{
		Name:            req.Name,
		Skills:          req.Skills,
		PolicyPreset:    req.PolicyPreset,
		Runtime:         req.Runtime,
		HostMount:       req.HostMount,
		MemoryEnabled:   req.MemoryEnabled,
		MemoryNamespace: req.MemoryNamespace,
		Extensions:      req.Extensions,
		DefaultModel:    req.DefaultModel,
		SystemPrompt:    req.SystemPrompt,
		Icon:            req.Icon,
		Description:     req.Description,
	}
	if ws.PolicyPreset == "" {
		ws.PolicyPreset = types.PresetDefault
	}

	created, err := s.workspaces.Create(r.Context(), ws)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// getWorkspace handles GET /workspaces/:wid
func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	wid := chi.URLParam(r, "wid")
	ws, err := s.workspaces.Get(r.Context(), wid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "workspace not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// updateWorkspace handles PATCH /workspaces/:wid
func (s *Server) updateWorkspace(w http.ResponseWriter, r *http.Request) {
	wid := chi.URLParam(r, "wid")
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	updated, err := s.workspaces.Update(r.Context(), wid, func(ws *types.Workspace) {
		applyWorkspacePatch(ws, patch)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "workspace not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func applyWorkspacePatch(ws *types.Workspace, patch map[string]any) {
	if v, ok := patch["name"].(string); ok {
		ws.Name = v
	}
	if v, ok := patch["hostMount"].(string); ok {
		ws.HostMount = v
	}
	if v, ok := patch["defaultModel"].(string); ok {
		ws.DefaultModel = v
	}
	if v, ok := patch["systemPrompt"].(string); ok {
		ws.SystemPrompt = v
	}
	if v, ok := patch["icon"].(string); ok {
		ws.Icon = v
	}
	if v, ok := patch["description"].(string); ok {
		ws.Description = v
	}
	if v, ok := patch["memoryEnabled"].(bool); ok {
		ws.MemoryEnabled = v
	}
	if v, ok := patch["memoryNamespace"].(string); ok {
		ws.MemoryNamespace = v
	}
	if v, ok := patch["policyPreset"].(string); ok {
		ws.PolicyPreset = types.WorkspacePolicyPreset(v)
	}
	if v, ok := patch["runtime"].(string); ok {
		ws.Runtime = types.WorkspaceRuntime(v)
	}
	if raw, ok := patch["skills"].([]any); ok {
		ws.Skills = toStringSlice(raw)
	}
	if raw, ok := patch["extensions"].([]any); ok {
		ws.Extensions = toStringSlice(raw)
	}
}

func toStringSlice(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// deleteWorkspace handles DELETE /workspaces/:wid. Idempotent: the first
// call returns true/204, subsequent calls return false/404 (spec §8).
func (s *Server) deleteWorkspace(w http.ResponseWriter, r *http.Request) {
	wid := chi.URLParam(r, "wid")
	removed, err := s.workspaces.Delete(r.Context(), wid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "workspace not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listWorkspaceSessions handles GET /workspaces/:wid/sessions
func (s *Server) listWorkspaceSessions(w http.ResponseWriter, r *http.Request) {
	wid := chi.URLParam(r, "wid")
	sessions, err := s.sessionService.List(r.Context(), wid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// workspaceSessionRequest is the JSON body accepted by workspace-scoped
// session creation (spec §6: POST .../sessions with {name?, model?}).
type workspaceSessionRequest struct {
	Name  string `json:"name,omitempty"`
	Model string `json:"model,omitempty"`
}

// createWorkspaceSession handles POST /workspaces/:wid/sessions
func (s *Server) createWorkspaceSession(w http.ResponseWriter, r *http.Request) {
	wid := chi.URLParam(r, "wid")

	if _, err := s.workspaces.Get(r.Context(), wid); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "workspace not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	var req workspaceSessionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	sess, err := s.sessionMgr.StartSession(r.Context(), "", wid, req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if req.Model != "" {
		sess.Model = req.Model
		_ = s.sessionService.Put(r.Context(), sess)
	}
	writeJSON(w, http.StatusCreated, sess)
}

// getWorkspaceSession handles GET /workspaces/:wid/sessions/:sid, including
// the ?view=full trace variant (spec §6).
func (s *Server) getWorkspaceSession(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")

	sess, err := s.sessionService.Get(r.Context(), sid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	if r.URL.Query().Get("view") == "full" {
		messages, err := s.sessionService.GetMessages(r.Context(), sid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": sess, "trace": messages})
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// stopWorkspaceSession handles POST /workspaces/:wid/sessions/:sid/stop.
// Per spec §6, this returns 200 with session.status=stopped even if the
// session was not active.
func (s *Server) stopWorkspaceSession(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")

	if s.sessionMgr.IsActive(sid) {
		_ = s.sessionMgr.SendStop(sid)
		_ = s.sessionMgr.EndSession(r.Context(), sid, "stopped by request")
	}

	sess, err := s.sessionService.Get(r.Context(), sid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	sess.Status = types.StatusStopped
	_ = s.sessionService.Put(r.Context(), sess)

	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

// deleteWorkspaceSession handles DELETE /workspaces/:wid/sessions/:sid.
// Cleanup runs asynchronously, per spec §6 ("may take ~1s").
func (s *Server) deleteWorkspaceSession(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")

	if s.sessionMgr.IsActive(sid) {
		_ = s.sessionMgr.EndSession(r.Context(), sid, "deleted")
	}

	go func(id string) {
		_ = s.sessionService.Delete(context.Background(), id)
	}(sid)

	w.WriteHeader(http.StatusNoContent)
}
