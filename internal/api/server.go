package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/storage"
	"github.com/vietddude/harvester/internal/orchestration/orchestrator"
)

// Jobs is the orchestration surface the API exposes.
type Jobs interface {
	PlanJob(ctx context.Context, s orchestrator.Submission) (*domain.Job, []*domain.Chunk, error)
	Progress(ctx context.Context, jobID string) (domain.Progress, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error)
	ListChunks(ctx context.Context, jobID string) ([]*domain.Chunk, error)
	CancelJob(ctx context.Context, jobID string) (domain.Progress, error)
}

// Server provides the job HTTP API plus health and metrics endpoints.
type Server struct {
	jobs   Jobs
	health *Health
	kick   func()
	server *http.Server
	log    *slog.Logger
}

// NewServer creates the API server. kick, if set, is called after a job is
// planned so dispatch need not wait for the next tick.
func NewServer(jobs Jobs, health *Health, port int, kick func()) *Server {
	s := &Server{
		jobs:   jobs,
		health: health,
		kick:   kick,
		log:    slog.Default().With("component", "api"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleDetailed)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleProgress)
		r.Get("/{id}/chunks", s.handleChunks)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("API listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
