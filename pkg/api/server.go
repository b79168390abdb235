// Package api provides HTTP endpoints for cache health and performance
// monitoring. It serves operators and probes, not cache traffic; reads and
// writes go through the coordinator in process.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tiercache/tiercache/internal/health"
	"github.com/tiercache/tiercache/pkg/types"
)

// HealthSource supplies the monitor's current snapshot.
type HealthSource interface {
	Snapshot() health.Snapshot
}

// ReportSource supplies performance analysis. *optimizer.Optimizer
// satisfies it.
type ReportSource interface {
	Analyze() types.PerformanceReport
	Recommend() []types.Recommendation
	ExportCSV(w io.Writer) error
}

// WarmingSource supplies the last warming run.
type WarmingSource interface {
	LastReport() (types.WarmingReport, time.Time)
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8081")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8081",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   true,
	}
}

// Server exposes monitoring endpoints over HTTP.
type Server struct {
	httpServer *http.Server
	healthSrc  HealthSource
	reports    ReportSource
	warming    WarmingSource
	config     ServerConfig
	logger     *slog.Logger
}

// NewServer creates the API server. warming may be nil when the warming
// service is not configured.
func NewServer(config ServerConfig, healthSrc HealthSource, reports ReportSource, warming WarmingSource) *Server {
	s := &Server{
		healthSrc: healthSrc,
		reports:   reports,
		warming:   warming,
		config:    config,
		logger:    slog.Default().With("component", "cache-api"),
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/tiers", s.handleTiers)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)

	// Performance endpoints
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/recommendations", s.handleRecommendations)
	mux.HandleFunc("/report/csv", s.handleReportCSV)

	// Warming endpoint
	mux.HandleFunc("/warming", s.handleWarming)

	handler := s.loggingMiddleware(mux)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the configured handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", "error", err)
		}
	}()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.healthSrc.Snapshot()
	statusCode := http.StatusOK
	if snap.Overall == health.StatusCritical {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, snap)
}

func (s *Server) handleTiers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.healthSrc.Snapshot().Tiers)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// Ready as long as no tier is critical: a degraded cache still serves.
	snap := s.healthSrc.Snapshot()
	ready := snap.Overall != health.StatusCritical
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"status":    snap.Overall,
		"timestamp": time.Now(),
	})
}

// Performance endpoint handlers

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.reports.Analyze())
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	recs := s.reports.Recommend()
	if recs == nil {
		recs = []types.Recommendation{}
	}
	s.respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handleReportCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=cache-samples.csv")
	if err := s.reports.ExportCSV(w); err != nil {
		s.logger.Error("csv export failed", "error", err)
	}
}

func (s *Server) handleWarming(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.warming == nil {
		s.respondError(w, http.StatusNotFound, "Warming not configured")
		return
	}
	report, lastRun := s.warming.LastReport()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"report":   report,
		"last_run": lastRun,
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("api request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("error encoding JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
