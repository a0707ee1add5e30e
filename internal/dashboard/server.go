// Package dashboard serves a read-only view of the engine: current cycle
// status, booked cycle history, lifetime stats, and Prometheus metrics. It
// never mutates trading state.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/finchtrading/straddleharvest/internal/engine"
	"github.com/finchtrading/straddleharvest/internal/models"
	"github.com/finchtrading/straddleharvest/internal/storage"
)

// StatusFunc supplies the live engine status without coupling the server to
// the orchestrator's lifecycle.
type StatusFunc func() engine.Status

// Config holds the server settings.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the HTTP observability surface.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	store     storage.Store
	status    StatusFunc
	logger    *logrus.Logger
	port      int
	authToken string
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, store storage.Store, status StatusFunc, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     store,
		status:    status,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/cycles", s.handleCycles)
	s.router.Get("/api/lifetime", s.handleLifetime)
	s.router.Handle("/metrics", promhttp.Handler())
}

// authMiddleware requires the configured token on every route except /health,
// so liveness probes keep working without credentials.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.logger != nil {
		s.logger.Infof("dashboard listening on port %d", s.port)
	}
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.status())
}

// cyclesResponse frames the booked history with the open-cycle state so one
// call paints the whole picture.
type cyclesResponse struct {
	CycleState string                `json:"cycle_state"`
	History    []storage.CycleRecord `json:"history"`
}

func (s *Server) handleCycles(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	s.writeJSON(w, cyclesResponse{
		CycleState: snap.CycleState,
		History:    snap.History,
	})
}

// lifetimeResponse decorates the booked stats with the derived win rate so
// clients don't recompute it.
type lifetimeResponse struct {
	models.LifetimeStats
	WinRate float64 `json:"win_rate"`
}

func (s *Server) handleLifetime(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	s.writeJSON(w, lifetimeResponse{
		LifetimeStats: snap.Lifetime,
		WinRate:       snap.Lifetime.WinRate(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil && s.logger != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}
