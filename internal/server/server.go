// Package server provides the HTTP API that mirrors the agent lifecycle
// state machine (spec §6): it is a thin compatibility surface, not part of
// the supervisor's hard core — every write endpoint only ever calls
// through to the store and scheduler the same way the background loops do.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Config wires the server's dependencies.
type Config struct {
	Addr     string
	Agents   *AgentHandlers
	System   *SystemHandlers
	ReadOnly *ReadOnlyHandlers
	Log      zerolog.Logger
}

// Server is Warden's HTTP facade.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

// New builds the router and wraps it in an *http.Server, but does not
// start listening.
func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	}))

	registerRoutes(r, cfg)

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: r,
		},
		log: cfg.Log.With().Str("component", "http_server").Logger(),
	}
}

// Start blocks, serving until the listener is closed.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func registerRoutes(r chi.Router, cfg Config) {
	r.Route("/agents", func(r chi.Router) {
		r.Post("/", cfg.Agents.HandleCreate)
		r.Put("/{id}", cfg.Agents.HandleUpdate)
		r.Delete("/{id}", cfg.Agents.HandleRetire)
		r.Post("/{id}/register", cfg.Agents.HandleRegister)
	})

	r.Route("/pending", func(r chi.Router) {
		r.Post("/{id}/check", cfg.Agents.HandleCheckPending)
	})

	r.Get("/system/status", cfg.System.HandleSystemStatus)
	r.Get("/system/status/stream", cfg.System.HandleSystemStatusStream)

	r.Route("/metrics", func(r chi.Router) {
		r.Get("/{id}", cfg.ReadOnly.HandleAgentMetrics)
		r.Get("/leaderboard", cfg.ReadOnly.HandleLeaderboard)
	})
	r.Get("/agents/{id}/activity", cfg.ReadOnly.HandleActivity)
	r.Get("/factory/defaults", cfg.ReadOnly.HandleFactoryDefaults)
}
