package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	v1 "github.com/gosuda/agentaudit/internal/api/v1"
	"github.com/gosuda/agentaudit/internal/api/ws"
	"github.com/gosuda/agentaudit/internal/config"
	"github.com/gosuda/agentaudit/internal/server/middleware"
)

// Deps are the services the HTTP surface is wired to. PubSub may be nil,
// in which case the WebSocket routes are not mounted.
type Deps struct {
	Reader   v1.SessionReader
	Recorder v1.Recorder
	Replayer v1.Replayer
	Emitter  v1.EventEmitter
	PubSub   ws.Subscriber
	Gatherer prometheus.Gatherer
}

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	cfg        *config.Config
}

// New creates a Server with all routes wired. ctx bounds the lifetime of
// the rate limiter cleanup goroutines.
func New(ctx context.Context, cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", middleware.TraceparentHeader},
		ExposedHeaders: []string{"X-Request-ID", middleware.TraceparentHeader},
		MaxAge:         300,
	}).Handler)
	router.Use(middleware.Trace)

	s := &Server{
		router: router,
		cfg:    cfg,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	authenticate := middleware.Auth(cfg.JWT.Secret)
	if cfg.JWT.Secret == "" {
		authenticate = middleware.Anonymous()
	}

	// Mount API routes on /api/v1 with two sub-groups:
	// 1. Read routes for auditors.
	// 2. Ingest routes for agents, limited per caller.
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst))
		r.Use(authenticate)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireReader())

			apiConfig := huma.DefaultConfig("Agent Audit API", "1.0.0")
			apiConfig.Servers = []*huma.Server{
				{URL: "/api/v1"},
			}
			api := humachi.New(r, apiConfig)
			registerReadRoutes(api, deps)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireIngest())
			r.Use(middleware.RateLimitBySubject(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst))

			// The read API already serves the OpenAPI document.
			ingestConfig := huma.DefaultConfig("Agent Audit Ingest API", "1.0.0")
			ingestConfig.Servers = []*huma.Server{
				{URL: "/api/v1"},
			}
			ingestConfig.OpenAPIPath = ""
			ingestConfig.DocsPath = ""
			ingestConfig.SchemasPath = ""
			api := humachi.New(r, ingestConfig)
			registerIngestRoutes(api, deps)
		})
	})

	// WebSocket routes.
	if deps.PubSub != nil {
		router.Route("/ws", func(r chi.Router) {
			r.Use(authenticate)
			r.Use(middleware.RequireReader())
			registerWSRoutes(r, ws.NewHub(deps.PubSub))
		})
	}

	if deps.Gatherer != nil {
		router.Handle("/metrics", metricsHandler(deps.Gatherer))
	}

	// Health check (unauthenticated).
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	log.Info().Str("addr", s.cfg.Server.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
