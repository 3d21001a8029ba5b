// Package api is the gateway's HTTP/WS surface: the invoke endpoint, the
// streaming endpoint, health and admin views, and the tenant middleware.
// Handlers translate taxonomy errors to wire statuses and never leak stack
// traces or raw provider bodies.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hounfour/gateway/internal/budget"
	"github.com/hounfour/gateway/internal/guard"
	"github.com/hounfour/gateway/internal/health"
	"github.com/hounfour/gateway/internal/pool"
	"github.com/hounfour/gateway/internal/router"
	"github.com/hounfour/gateway/internal/tenant"
)

// Options wires the server's collaborators.
type Options struct {
	Router   *router.Router
	Guard    *guard.Guard
	Tracker  *health.Tracker
	Budget   *budget.Enforcer
	Registry *pool.Registry
	Keys     *tenant.KeyManager

	// BudgetMode is the configured at-limit behavior passed to routing.
	BudgetMode budget.Mode

	// JWTSecret verifies HS256 bearer tokens. Empty disables JWT auth.
	JWTSecret []byte

	// DevTenantHeader accepts X-Tenant-ID without credentials. Only the
	// config layer may enable it, and only in development.
	DevTenantHeader bool

	ShutdownGrace time.Duration
}

// Server is the HTTP surface.
type Server struct {
	opts   Options
	logger *log.Logger
	http   *http.Server
}

// NewServer builds the server and its route table.
func NewServer(opts Options) *Server {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 15 * time.Second
	}
	s := &Server{
		opts:   opts,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/v1/health", s.handleHealth).Methods("GET")

	authed := r.NewRoute().Subrouter()
	authed.Use(s.tenantMiddleware)
	authed.HandleFunc("/v1/invoke", s.handleInvoke).Methods("POST")
	authed.HandleFunc("/v1/stream", s.handleStream).Methods("GET")
	authed.HandleFunc("/v1/admin/breakers", s.handleBreakers).Methods("GET")
	authed.HandleFunc("/v1/admin/budget", s.handleBudget).Methods("GET")

	s.http = &http.Server{Handler: r}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	s.logger.Printf("listening on %s", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownGrace)
	defer cancel()
	return s.http.Shutdown(ctx)
}
