package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/aninori/cms-healthcare-analytics/internal/config"
	"github.com/aninori/cms-healthcare-analytics/internal/logger"
	"github.com/aninori/cms-healthcare-analytics/internal/pipeline"
)

// RunReporter surfaces recorded run results. Satisfied by pipeline.Runner.
type RunReporter interface {
	Result(dataset string) (*pipeline.RunResult, bool)
	Results() []*pipeline.RunResult
}

// Server exposes read-only run state over HTTP: health, the latest result
// per dataset, and per-dataset detail. It is an operational surface, not
// the analytics dashboard.
type Server struct {
	config *config.ServerConfig
	logger *logger.Logger
	runner RunReporter
	router *mux.Router
	server *http.Server
}

// New creates a new ops server instance
func New(cfg *config.ServerConfig, runner RunReporter, log *logger.Logger) *Server {
	router := mux.NewRouter()

	server := &Server{
		config: cfg,
		logger: log.WithComponent("web"),
		runner: runner,
		router: router,
	}
	server.setupRoutes()

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return server
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/runs", s.handleRuns).Methods("GET")
	s.router.HandleFunc("/runs/{dataset}", s.handleRun).Methods("GET")
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Starting ops server", zap.Int("port", s.config.Port))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ops server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runner.Results())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	dataset := mux.Vars(r)["dataset"]
	result, ok := s.runner.Result(dataset)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("no runs recorded for dataset %q", dataset),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
