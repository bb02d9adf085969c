package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ha1tch/olumine/pkg/config"
	"github.com/ha1tch/olumine/pkg/objectstore"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server represents the HTTP server
type Server struct {
	config *config.Config
	store  *objectstore.ObjectStore
	logger zerolog.Logger
	router *chi.Mux
}

// New creates a new server instance
func New(cfg *config.Config, store *objectstore.ObjectStore, logger zerolog.Logger) *Server {
	s := &Server{
		config: cfg,
		store:  store,
		logger: logger,
		router: chi.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	// Health check
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/objects/{id}", s.handleGetObject)

		r.Post("/query", s.handleQuery)
		r.Post("/query/count", s.handleCount)
		r.Post("/query/estimate", s.handleEstimate)

		r.Post("/precompute", s.handlePrecompute)
		r.Post("/flush", s.handleFlush)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info().Str("addr", addr).Msg("Starting server")
	return http.ListenAndServe(addr, s.router)
}

// Handler returns the HTTP handler (useful for testing)
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unavailable",
			"version": config.Version,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"version":     config.Version,
		"model":       s.store.Model().Name(),
		"sequence":    s.store.Sequence(),
		"precomputed": len(s.store.Manager().Tables()),
	})
}

// handleVersion returns server version
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version": config.Version,
	})
}
