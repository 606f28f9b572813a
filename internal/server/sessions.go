package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/workspace/bridge-server/internal/launcher"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type createSessionRequest struct {
	Model          string   `json:"model"`
	PermissionMode string   `json:"permissionMode"`
	Provider       string   `json:"provider"`
	Cwd            string   `json:"cwd"`
	AllowedTools   []string `json:"allowedTools"`
	ResumeID       string   `json:"resumeId"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Cwd == "" {
		body.Cwd = s.config.DefaultCwd
	}
	if body.Provider == "" {
		body.Provider = "primary"
	}

	spec := launcher.Spec{
		Model:          body.Model,
		PermissionMode: body.PermissionMode,
		Provider:       body.Provider,
		Cwd:            body.Cwd,
		AllowedTools:   body.AllowedTools,
		ResumeID:       body.ResumeID,
		SocketURL:      s.config.SubprocessSocketBaseURL(),
		SelfSigned:     !s.config.TestMode,
	}

	rec, err := s.launcher.Launch(r.Context(), spec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to launch session: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.launcher.ListSessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.launcher.GetSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.launcher.Kill(id) {
		writeError(w, http.StatusNotFound, "session has no active subprocess")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"killed": true})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.launcher.GetSession(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.launcher.Kill(id)
	s.launcher.RemoveSession(id)
	s.bridge.RemoveSession(id)
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.launcher.GetSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	spec := launcher.Spec{
		Model:          rec.Model,
		PermissionMode: rec.PermissionMode,
		Provider:       rec.Provider,
		Cwd:            rec.Cwd,
		ResumeID:       id,
		SocketURL:      s.config.SubprocessSocketBaseURL(),
		SelfSigned:     !s.config.TestMode,
	}

	newRec, err := s.launcher.Launch(context.Background(), spec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resume session: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, newRec)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, ok := s.launcher.GetSession(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.launcher.RenameSession(id, body.Name)
	s.bridge.RenameSession(id, body.Name)
	writeJSON(w, http.StatusOK, map[string]bool{"renamed": true})
}
