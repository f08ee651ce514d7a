// Package server exposes the tool surface over HTTP: the four tool
// endpoints, health and readiness probes, the Prometheus scrape
// endpoint, and a server-sent-events bridge onto the tenant event
// stream.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sibyldev/sibyl/pkg/auth"
	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
	"github.com/sibyldev/sibyl/pkg/events"
	"github.com/sibyldev/sibyl/pkg/observability"
	"github.com/sibyldev/sibyl/pkg/tools"
)

const component = "server"

// ToolAPI is the dispatcher surface the server forwards to.
type ToolAPI interface {
	Search(ctx context.Context, req tools.SearchRequest) (*tools.Response, error)
	Explore(ctx context.Context, req tools.ExploreRequest) (*tools.Response, error)
	Add(ctx context.Context, req tools.AddRequest) (*tools.Response, error)
	Manage(ctx context.Context, req tools.ManageRequest) (*tools.Response, error)
}

// Deps bundles the server's collaborators. Tools is required. A nil
// Auth runs the dev-header tenant mode; a nil Events disables the SSE
// endpoint; a nil Ready makes readiness unconditional.
type Deps struct {
	Tools  ToolAPI
	Events *events.Bus
	Auth   *auth.Validator
	Obs    *observability.Manager

	// Ready reports whether the backing stores answer. Wired to the
	// graph driver's connectivity check in production.
	Ready func(ctx context.Context) error
}

// Server is the HTTP front of the engine.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	log    *slog.Logger
	router chi.Router
	http   *http.Server
}

// New assembles the router. Middleware order matters: request id and
// logging wrap everything, metrics see every request including auth
// rejections, recovery catches handler panics, and auth resolves the
// tenant last so handlers always find a scope.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	const op = "New"

	cfg.SetDefaults()
	if deps.Tools == nil {
		return nil, errs.New(errs.ValidationError, component, op, "tool dispatcher is required")
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  slog.With("component", component),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(s.requestLogger)
	if deps.Obs != nil {
		r.Use(observability.HTTPMiddleware(deps.Obs.Tracer("http"), deps.Obs.Metrics()))
	}
	r.Use(chimw.Recoverer)

	// Unauthenticated surface.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Obs != nil {
		r.Method(http.MethodGet, "/metrics", deps.Obs.MetricsHandler())
	}

	// Tenant-scoped surface.
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(deps.Auth, cfg))
		r.Post("/v1/tools/search", s.handleSearch)
		r.Post("/v1/tools/explore", s.handleExplore)
		r.Post("/v1/tools/add", s.handleAdd)
		r.Post("/v1/tools/manage", s.handleManage)
		if deps.Events != nil {
			r.Get("/v1/events", s.handleEvents)
		}
	})

	s.router = r
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		// WriteTimeout stays unset: it would sever long-lived SSE
		// streams. Handler deadlines bound the tool endpoints instead.
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errs.Wrap(errs.Unknown, component, "ListenAndServe", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", chimw.GetReqID(r.Context()))
	})
}
