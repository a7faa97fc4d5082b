package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/storage"
	"github.com/vietddude/harvester/internal/orchestration/orchestrator"
)

type submitResponse struct {
	JobID       string `json:"job_id"`
	TotalChunks int    `json:"total_chunks"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Submission
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.error(w, http.StatusBadRequest, "invalid payload")
		return
	}
	job, _, err := s.jobs.PlanJob(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.kick != nil {
		s.kick()
	}
	s.json(w, http.StatusCreated, submitResponse{JobID: job.ID, TotalChunks: job.TotalChunks})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := storage.JobFilter{Status: domain.JobStatus(r.URL.Query().Get("status")), Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.error(w, http.StatusBadRequest, "limit must be within [1,1000]")
			return
		}
		filter.Limit = n
	}
	jobs, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	s.json(w, http.StatusOK, jobs)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.jobs.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json(w, http.StatusOK, p)
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	chunks, err := s.jobs.ListChunks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json(w, http.StatusOK, chunks)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, err := s.jobs.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json(w, http.StatusOK, p)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.CheckHealth(r.Context())
	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	s.json(w, code, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	s.json(w, http.StatusOK, s.health.CheckHealth(r.Context()))
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.error(w, http.StatusNotFound, "job not found")
	case errors.Is(err, orchestrator.ErrInvalidSubmission):
		s.error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrJobTerminal):
		s.error(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("Request failed", "error", err)
		s.error(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) error(w http.ResponseWriter, code int, msg string) {
	s.json(w, code, map[string]string{"error": msg})
}

func (s *Server) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Failed to encode response", "error", err)
	}
}
