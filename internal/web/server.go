package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-tracker/internal/embedder"
	"github.com/kozaktomas/face-tracker/internal/notify"
	"github.com/kozaktomas/face-tracker/internal/web/handlers"
	"github.com/kozaktomas/face-tracker/internal/web/middleware"
)

// Dependencies are the services the HTTP layer drives.
type Dependencies struct {
	Engine   handlers.Engine
	Embedder embedder.Embedder
	// Hub serves the /ws observer stream; nil disables the route.
	Hub            *notify.Hub
	Log            logr.Logger
	AllowedOrigins []string
	DeviceCooldown time.Duration
}

// Server represents the web server
type Server struct {
	deps       Dependencies
	router     *chi.Mux
	httpServer *http.Server
	limiter    *middleware.DeviceLimiter
	log        logr.Logger
}

// NewServer creates a new web server
func NewServer(deps Dependencies, port int, host string) *Server {
	r := chi.NewRouter()

	s := &Server{
		deps:    deps,
		router:  r,
		limiter: middleware.NewDeviceLimiter(deps.DeviceCooldown),
		log:     deps.Log,
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(deps.AllowedOrigins))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info("starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down web server")

	// Hijacked websocket connections are not tracked by http.Server.
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
