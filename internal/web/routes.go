package web

import (
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/face-tracker/internal/web/handlers"
	"github.com/kozaktomas/face-tracker/internal/web/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// apiTimeout bounds one API request, embedding included.
const apiTimeout = 30 * time.Second

func (s *Server) setupRoutes() {
	recognizeHandler := handlers.NewRecognizeHandler(s.deps.Engine, s.deps.Embedder, s.limiter, s.log.WithName("recognize"))
	identitiesHandler := handlers.NewIdentitiesHandler(s.deps.Engine, s.log.WithName("identities"))

	s.router.Get("/api/v1/health", handlers.HealthCheck)
	s.router.Handle("/metrics", promhttp.Handler())

	// The observer stream outlives any request timeout.
	if s.deps.Hub != nil {
		s.router.Get("/ws", s.deps.Hub.ServeHTTP)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(chiMiddleware.Timeout(apiTimeout))
		r.Use(middleware.SecurityHeaders())

		r.Get("/status", handlers.Status)

		// Capture devices are held to one recognition per cooldown; the
		// handlers apply it once the device ID is known.
		r.Post("/recognize", recognizeHandler.Image)
		r.Post("/recognize/vector", recognizeHandler.Vector)

		r.Get("/identities", identitiesHandler.List)
		r.Post("/identities", identitiesHandler.Create)
		r.Post("/identities/{id}/sightings", identitiesHandler.AddSighting)
	})
}
