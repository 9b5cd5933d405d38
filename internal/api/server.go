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

	"github.com/dbpulse/ingest/internal/auth"
	"github.com/dbpulse/ingest/internal/backend"
	"github.com/dbpulse/ingest/internal/config"
	"github.com/dbpulse/ingest/internal/encryption"
	"github.com/dbpulse/ingest/internal/store"
)

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	store  *store.Store
	http   *http.Server
	logger *slog.Logger

	backend    backend.Backend
	repository *store.RunRepository

	authService *auth.Service
	keyStore    auth.KeyStore
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBackend overrides the factory-selected backend; tests use it.
func WithBackend(b backend.Backend) ServerOption {
	return func(s *Server) {
		s.backend = b
	}
}

func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		store:  st,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	gateway, err := encryption.New(context.Background(), cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("initializing encryption gateway: %w", err)
	}
	s.repository = store.NewRunRepository(gateway, s.logger)

	if s.backend == nil {
		s.backend, err = backend.Init(backend.Deps{
			Config:     cfg,
			Repository: s.repository,
			Logger:     s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing submission backend: %w", err)
		}
	}

	s.keyStore = auth.NewPostgresKeyStore(st.DB())
	s.authService = auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
	}, s.keyStore)

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/token", s.issueToken)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Route("/checks", func(r chi.Router) {
				r.Post("/", s.submitCheck)
				r.Get("/", s.listRuns)
				r.Get("/{runID}", s.getRun)
				r.Get("/{runID}/findings", s.getRunFindings)
				r.Get("/{runID}/rules", s.listRunRules)
			})

			r.Get("/tasks/{taskID}", s.getTaskState)
			r.Get("/backend/status", s.getBackendStatus)
			r.Get("/stats", s.getStats)
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr,
			"backend", s.cfg.Backend.Mode, "encryption", s.cfg.Encryption.Mode)
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
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := s.backend.Close(); err != nil {
			s.logger.Error("closing backend", "error", err)
		}
		return s.store.Close()
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
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
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
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
		return
	}

	// Reads stay available even when the submission backend is down or
	// disabled, so the backend state is reported rather than gating readiness.
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ready",
		"backend_healthy": s.backend.HealthCheck(r.Context()),
	})
}
