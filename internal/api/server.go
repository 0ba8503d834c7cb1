// Package api exposes the HTTP surface: agent ingest and bundle fetch,
// console queries over events and alerts, and auth endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/guardline/dlp/internal/auth"
	"github.com/guardline/dlp/internal/config"
	"github.com/guardline/dlp/internal/models"
	"github.com/guardline/dlp/internal/store"
)

// EventStore is the read side the API serves from.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	ListEvents(ctx context.Context, filter store.EventFilter) ([]*models.Event, error)
	GetSummary(ctx context.Context, eventID string) (*models.ExecutionSummary, error)
	ListAlerts(ctx context.Context, status string, limit, offset int) ([]*models.Alert, error)
	ListEnabledPolicies(ctx context.Context) ([]*models.Policy, error)
}

// Ingestor accepts normalized events for processing.
type Ingestor interface {
	Submit(ctx context.Context, ev *models.Event) error
	ProcessSync(ctx context.Context, ev *models.Event) (*models.ExecutionSummary, error)
}

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	store  EventStore
	ingest Ingestor
	http   *http.Server
	logger *slog.Logger

	authService *auth.Service
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, st EventStore, ingest Ingestor, authService *auth.Service, opts ...ServerOption) *Server {
	s := &Server{
		cfg:         cfg,
		router:      chi.NewRouter(),
		store:       st,
		ingest:      ingest,
		authService: authService,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Agent-ID, X-Agent-Key")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		// Agent surface.
		r.Group(func(r chi.Router) {
			r.Use(s.authService.AgentMiddleware)
			r.Post("/events", s.submitEvent)
			r.Get("/agents/{agentID}/policy-bundle", s.getPolicyBundle)
		})

		// Console surface.
		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Post("/auth/logout", s.logout)

			r.Route("/events", func(r chi.Router) {
				r.Get("/", s.listEvents)
				r.Get("/{eventID}", s.getEvent)
				r.Get("/{eventID}/summary", s.getEventSummary)
			})

			r.Get("/alerts", s.listAlerts)
			r.Get("/policies", s.listPolicies)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Post("/agents/{agentID}/enroll", s.enrollAgent)
			})
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
