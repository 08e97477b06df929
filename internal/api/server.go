package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/worker"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, defaults domain.SimulationConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, w *worker.Worker, version string) *Server {
	handler := NewHandler(defaults, repo, cache, bus, w, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Route("/runs", func(r chi.Router) {
		r.Post("/", handler.CreateRun)
		r.Get("/", handler.ListRuns)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handler.GetRun)
			r.Get("/transactions", handler.ListTransactions)
			r.Get("/ticks", handler.ListTicks)
			r.Get("/stream", handler.StreamRun)
		})
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
