package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/workspace/bridge-server/internal/cron"
)

type createCronJobRequest struct {
	Name            string         `json:"name"`
	Type            string         `json:"type"`
	Enabled         bool           `json:"enabled"`
	IntervalSeconds int            `json:"intervalSeconds"`
	Config          map[string]any `json:"config"`
	Model           string         `json:"model"`
	PermissionMode  string         `json:"permissionMode"`
}

func (s *Server) handleCreateCronJob(w http.ResponseWriter, r *http.Request) {
	var body createCronJobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	now := time.Now().UTC()
	job := cron.Job{
		ID:              uuid.NewString(),
		Name:            body.Name,
		Type:            body.Type,
		Enabled:         body.Enabled,
		IntervalSeconds: body.IntervalSeconds,
		Config:          body.Config,
		Model:           body.Model,
		PermissionMode:  body.PermissionMode,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.scheduler.AddJob(job); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create job: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListCronJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.scheduler.ListJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetCronJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.scheduler.GetJob(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteCronJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.DeleteJob(id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete job: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleTriggerCronJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.Trigger(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"triggered": true})
}

func (s *Server) handleResetCronJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.Reset(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (s *Server) handleListCronRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	runs, err := s.scheduler.ListRuns(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
