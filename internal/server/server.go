package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/corvohq/batchrun/internal/batch"
	"github.com/corvohq/batchrun/internal/store"
)

// Server is the HTTP server for batchrun: the JSON API plus the redirect
// continuation driver.
type Server struct {
	runner     *batch.Runner
	queue      *batch.Queue
	store      store.Backend
	tokens     *TokenIssuer
	driver     string
	h2c        bool
	httpServer *http.Server
	router     chi.Router

	mu       sync.Mutex
	stepping map[string]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithTokens requires continuation tokens issued by ti on step and page routes.
func WithTokens(ti *TokenIssuer) Option {
	return func(s *Server) { s.tokens = ti }
}

// WithDefaultDriver sets the driver of submitted jobs that do not name one.
func WithDefaultDriver(name string) Option {
	return func(s *Server) { s.driver = name }
}

// WithH2C serves HTTP/2 over cleartext alongside HTTP/1.1.
func WithH2C() Option {
	return func(s *Server) { s.h2c = true }
}

// New creates a new Server and registers the HTTP continuation driver with r.
func New(r *batch.Runner, q *batch.Queue, s store.Backend, bindAddr string, opts ...Option) *Server {
	srv := &Server{runner: r, queue: q, store: s, driver: DriverHTTP, stepping: map[string]struct{}{}}
	for _, opt := range opts {
		opt(srv)
	}
	r.RegisterDriver(DriverHTTP, httpDriver{})
	srv.router = srv.buildRouter()
	var handler http.Handler = srv.router
	if srv.h2c {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	srv.httpServer = &http.Server{
		Addr:              bindAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(requestMetrics)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1/batches", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/step", s.handleStep)
		r.Post("/{id}/restart", s.handleRestart)
		r.Delete("/{id}", s.handleDelete)
	})

	r.Get("/batch/{id}", s.handleContinue)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr, "h2c", s.h2c)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Close force-closes all listeners and connections.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
