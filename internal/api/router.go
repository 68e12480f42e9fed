// Package api serves the watcher control surface over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/jjsync/internal/auth"
	"github.com/odvcencio/jjsync/internal/database"
	"github.com/odvcencio/jjsync/internal/watcher"
)

type ServerOptions struct {
	// Auth guards the mutating watcher routes when set.
	Auth            *auth.Service
	AdminRouteCIDRs []string
	EnablePprof     bool
	Registerer      prometheus.Registerer
	Gatherer        prometheus.Gatherer
	Logger          *slog.Logger
}

type Server struct {
	db               database.DB
	watcher          *watcher.Service
	authSvc          *auth.Service
	mux              *http.ServeMux
	handler          http.Handler
	gatherer         prometheus.Gatherer
	adminRouteAccess adminRouteAccess
	enablePprof      bool
	metrics          *httpMetrics
	logger           *slog.Logger
	async            sync.WaitGroup
}

// NewServer builds the HTTP surface. svc may be nil when the watcher is
// disabled; watcher routes then answer 503.
func NewServer(db database.DB, svc *watcher.Service, opts ServerOptions) *Server {
	cidrs := opts.AdminRouteCIDRs
	if len(cidrs) == 0 {
		cidrs = defaultAdminRouteCIDRs
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := getDefaultHTTPMetrics()
	if opts.Registerer != nil {
		metrics = newHTTPMetrics(opts.Registerer)
	}

	s := &Server{
		db:               db,
		watcher:          svc,
		authSvc:          opts.Auth,
		mux:              http.NewServeMux(),
		gatherer:         opts.Gatherer,
		adminRouteAccess: newAdminRouteAccess(cidrs, nil),
		enablePprof:      opts.EnablePprof,
		metrics:          metrics,
		logger:           logger,
	}
	s.routes()

	var base http.Handler = s.mux
	if s.authSvc != nil {
		base = auth.Middleware(s.authSvc)(base)
	}
	s.handler = chainMiddleware(base,
		func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) },
		func(next http.Handler) http.Handler { return requestLoggingMiddleware(logger, next) },
		func(next http.Handler) http.Handler { return requestMetricsMiddleware(metrics, next) },
		requestTracingMiddleware,
	)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", metricsHandler(s.gatherer))
	s.mux.Handle("GET /admin/health", s.adminRouteAccess.wrap(http.HandlerFunc(s.handleAdminHealth)))
	if s.enablePprof {
		s.registerPprofRoutes()
	}

	// Watcher control surface
	s.mux.HandleFunc("GET /watcher/status", s.handleWatcherStatus)
	s.mux.HandleFunc("GET /watcher/repos", s.handleListWatched)
	s.mux.Handle("POST /watcher/watch/{user}/{repo}", s.requireAuth(s.handleAddWatch))
	s.mux.Handle("DELETE /watcher/watch/{user}/{repo}", s.requireAuth(s.handleRemoveWatch))
	s.mux.Handle("POST /watcher/sync/{user}/{repo}", s.requireAuth(s.handleForceSync))
}

// requireAuth is a no-op when no auth service is configured.
func (s *Server) requireAuth(fn http.HandlerFunc) http.Handler {
	if s.authSvc == nil {
		return fn
	}
	return auth.RequireAuth(fn)
}

type middlewareFunc func(http.Handler) http.Handler

// chainMiddleware wraps h so the first middleware is outermost.
func chainMiddleware(h http.Handler, middlewares ...middlewareFunc) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
