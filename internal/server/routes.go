package server

import (
	"net/http"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/grokgate/grokgate/internal/observability"
	"github.com/grokgate/grokgate/internal/server/handlers"
)

const (
	adminRateLimit = 10 // per minute
	adminRateBurst = 5
)

func (s *Server) registerRoutes() {
	if !s.opts.DisableHealth {
		for path, h := range map[string]http.HandlerFunc{
			"/health":         handlers.HealthHandler,
			"/health/live":    handlers.LivenessHandler,
			"/health/ready":   handlers.ReadinessHandler,
			"/health/startup": handlers.StartupHandler,
		} {
			s.router.Get(path, h)
		}
	}
	s.router.Get("/version", handlers.VersionHandler)
	s.router.Method("GET", "/metrics", newMetricsProxy(s.opts.MetricsPort))

	if s.opts.Chat != nil {
		s.router.Route("/v1", s.proxyRoutes)
	}
	if s.opts.AdminToken != "" {
		s.registerAdminEndpoint()
	}
}

// proxyRoutes is the OpenAI-compatible surface.
func (s *Server) proxyRoutes(r chi.Router) {
	r.Post("/chat/completions", s.opts.Chat.ServeHTTP)
	r.Get("/models", handlers.NewModelsHandler(s.opts.Model))
	if s.opts.ExposePoolStatus && s.opts.Pool != nil {
		r.Get("/cookies", handlers.NewPoolStatusHandler(s.opts.Pool))
	}
}

// registerAdminEndpoint exposes POST /admin/signal, which lets an operator
// trigger a reload or shutdown over HTTP with a bearer token.
func (s *Server) registerAdminEndpoint() {
	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: s.opts.AdminToken,
		RateLimit: adminRateLimit,
		RateBurst: adminRateBurst,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger := observability.ServerLogger; logger != nil {
		logger.Warn("Admin signal endpoint enabled; keep this port off the public internet",
			zap.String("path", "/admin/signal"),
			zap.Int("rate_limit_per_min", adminRateLimit),
			zap.Int("rate_burst", adminRateBurst))
	}
}
