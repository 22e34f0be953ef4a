package web

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Refreshes allowed per client IP per minute.
const refreshLimit = 6

// Server wraps an HTTP server with graceful shutdown capabilities
type Server struct {
	httpServer *http.Server
	handler    *Handler
	logger     *slog.Logger
}

// NewServer creates a new Server instance. Every route except /healthz
// requires basic auth against users.
func NewServer(host string, port int, handler *Handler, users UserLookup, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if port == 0 {
		port = 9311 // default port
	}

	// Event streams never finish on their own; they end when this is cancelled.
	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           NewRouter(handler, users, NewRateLimiter(refreshLimit, time.Minute), logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancel)

	return &Server{
		httpServer: srv,
		handler:    handler,
		logger:     logger,
	}
}

// NewRouter builds the API routes.
func NewRouter(h *Handler, users UserLookup, limiter *RateLimiter, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestID)
	r.Use(Tracing)
	r.Use(RequestLogger(logger))
	r.Use(AuthMiddleware(users, logger))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.State)
		r.Get("/events", h.Events)
		r.Post("/active", h.BecameActive)
		r.With(RateLimitMiddleware(limiter, logger)).Post("/refresh", h.Refresh)

		r.Get("/launch", h.Launch)
		r.Post("/authorization", h.RequestAuthorization)

		r.Get("/history", h.History)
		r.Get("/goals", h.GetGoals)
		r.Put("/goals", h.UpdateGoals)
		r.Get("/sync-runs", h.SyncRuns)

		r.Route("/food", func(r chi.Router) {
			r.Get("/", h.ListFood)
			r.Post("/", h.CreateFood)
			r.Put("/{id}", h.UpdateFood)
			r.Delete("/{id}", h.DeleteFood)
		})

		r.Put("/bridge", h.UpdateBridge)
	})

	return r
}

// Handler returns the root HTTP handler (for testing).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting web server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down web server")
	return s.httpServer.Shutdown(ctx)
}
