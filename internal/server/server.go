package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/grokgate/grokgate/internal/errors"
	"github.com/grokgate/grokgate/internal/observability"
	"github.com/grokgate/grokgate/internal/server/handlers"
	servermw "github.com/grokgate/grokgate/internal/server/middleware"
)

// Default timeouts. Write timeout stays zero so long completions can stream.
const (
	DefaultReadTimeout = 30 * time.Second
	DefaultIdleTimeout = 120 * time.Second
)

// Options wires the proxy surface into the router. A nil Chat handler leaves
// the OpenAI routes unregistered.
type Options struct {
	Chat  http.Handler
	Model string
	Pool  handlers.PoolSnapshotter
	// ExposePoolStatus registers GET /v1/cookies.
	ExposePoolStatus bool

	// MetricsPort is where /metrics looks for the exporter before it reports
	// its bound port.
	MetricsPort int

	// AdminToken enables POST /admin/signal when set.
	AdminToken string
	// DisableHealth leaves the /health routes unregistered.
	DisableHealth bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	host   string
	port   int
	opts   Options
}

// New creates a new HTTP server instance
func New(host string, port int, opts Options) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)

	// RequestID → Metrics → Recovery
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		err := apperrors.NewNotFoundError("The requested resource was not found")
		HandleError(w, req, err)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		err := apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource")
		HandleError(w, req, err)
	})

	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}

	s := &Server{
		router: r,
		host:   host,
		port:   port,
		opts:   opts,
	}

	handlers.SetHTTPErrorResponder(HandleError)
	handlers.SetServedModel(opts.Model)

	s.registerRoutes()

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	observability.ServerLogger.Info("Starting HTTP server",
		zap.String("host", s.host),
		zap.Int("port", s.port),
		zap.String("addr", addr),
		zap.Duration("write_timeout", s.opts.WriteTimeout))

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	observability.ServerLogger.Info("Shutting down HTTP server")
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// HandleError writes err as an error envelope with its mapped status.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

// Port returns the server port for testing
func (s *Server) Port() int {
	return s.port
}
