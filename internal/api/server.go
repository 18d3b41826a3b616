package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/surveyloop/quota-engine/internal/config"
	"github.com/surveyloop/quota-engine/internal/counter"
	"github.com/surveyloop/quota-engine/internal/models"
	"github.com/surveyloop/quota-engine/internal/storage"
)

// AdmissionService runs admission checks. Satisfied by *engine.Engine.
type AdmissionService interface {
	Decide(ctx context.Context, req *models.AdmissionRequest) (*models.AdmissionDecision, error)
}

// Server represents the HTTP API server
type Server struct {
	config         config.ServerConfig
	router         *chi.Mux
	engine         AdmissionService
	repo           storage.Repository
	counters       counter.Store
	authMiddleware *AuthMiddleware
}

// NewServer creates a new API server
func NewServer(
	cfg config.ServerConfig,
	engine AdmissionService,
	repo storage.Repository,
	counters counter.Store,
) *Server {
	s := &Server{
		config:         cfg,
		engine:         engine,
		repo:           repo,
		counters:       counters,
		authMiddleware: NewAuthMiddleware(repo),
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRouter configures all routes and middleware
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware stack. The request timeout is applied per route group
	// below, not router-wide: the live counter feed holds its
	// connection open indefinitely.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (outside versioned API - public)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	// API v1 routes (protected by authentication)
	r.Route("/api/v1", func(r chi.Router) {
		// Apply authentication middleware to all /api/v1/* routes
		r.Use(s.authMiddleware.Authenticate)

		timeout := middleware.Timeout(60 * time.Second)

		// Admission checks
		r.With(timeout, s.authMiddleware.RequirePermission("admissions:check")).
			Post("/admissions/check", s.handleCheckAdmission)

		// Policies
		r.With(timeout, s.authMiddleware.RequirePermission("policies:read")).
			Get("/policies/{id}", s.handleGetPolicy)

		// Per-survey views. The live feed is a long-lived websocket and
		// is the one route without the request timeout.
		r.Route("/surveys/{surveyID}", func(r chi.Router) {
			r.With(timeout, s.authMiddleware.RequirePermission("policies:read")).
				Get("/policies", s.handleListSurveyPolicies)
			r.With(timeout, s.authMiddleware.RequirePermission("counters:read")).
				Get("/counters", s.handleGetSurveyCounters)
			r.With(s.authMiddleware.RequirePermission("counters:read")).
				Get("/counters/live", s.handleLiveCounters)
		})
	})

	s.router = r
}

// loggingMiddleware logs HTTP requests using slog
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
