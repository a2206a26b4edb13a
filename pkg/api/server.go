package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/binlift/binlift/pkg/alerts"
	"github.com/binlift/binlift/pkg/auth"
	"github.com/binlift/binlift/pkg/breaker"
	"github.com/binlift/binlift/pkg/config"
	"github.com/binlift/binlift/pkg/engine"
	"github.com/binlift/binlift/pkg/log"
	"github.com/binlift/binlift/pkg/metrics"
	"github.com/binlift/binlift/pkg/provider"
	"github.com/binlift/binlift/pkg/ratelimit"
	"github.com/binlift/binlift/pkg/types"
)

// Server is the HTTP front of the service. All state lives in the engine
// and its stores; the server only translates requests.
type Server struct {
	cfg       *config.Config
	engine    *engine.Engine
	auth      *auth.Manager
	limiter   *ratelimit.Limiter
	breakers  *breaker.Registry
	providers *provider.Registry
	alerts    *alerts.Manager

	version   string
	startedAt time.Time

	httpServer *http.Server
}

// NewServer wires the HTTP surface over an already-constructed engine.
func NewServer(cfg *config.Config, eng *engine.Engine, authMgr *auth.Manager,
	limiter *ratelimit.Limiter, breakers *breaker.Registry,
	providers *provider.Registry, alertMgr *alerts.Manager, version string) *Server {
	return &Server{
		cfg:       cfg,
		engine:    eng,
		auth:      authMgr,
		limiter:   limiter,
		breakers:  breakers,
		providers: providers,
		alerts:    alertMgr,
		version:   version,
		startedAt: time.Now().UTC(),
	}
}

// Handler builds the route tree. Protected routes run request id, auth,
// permission, then rate limit, in that order.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestID)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)

	// Public probes.
	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Get("/health/live", s.handleLive)
	r.Get("/system/info", s.handleSystemInfo)

	// Decompilation and provider routes: read for queries, write for
	// submission and cancellation.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Group(func(r chi.Router) {
			r.Use(s.requirePermission(types.PermissionRead))
			r.Use(s.rateLimit)
			r.Get("/decompile/test", s.handleTest)
			r.Get("/decompile/{id}", s.handleStatus)
			r.Get("/llm-providers", s.handleListProviders)
			r.Get("/llm-providers/{id}", s.handleGetProvider)
			r.Post("/llm-providers/{id}/health-check", s.handleProviderHealthCheck)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requirePermission(types.PermissionWrite))
			r.Use(s.rateLimit)
			r.Post("/decompile", s.handleSubmit)
			r.Delete("/decompile/{id}", s.handleCancel)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))

		// Bootstrap is reachable without credentials; it refuses once any
		// admin key exists, so the window closes after first use.
		r.Post("/bootstrap/create-admin", s.handleBootstrap)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(s.requirePermission(types.PermissionAdmin))
			r.Use(s.rateLimit)

			r.Get("/stats", s.handleAdminStats)
			r.Get("/config", s.handleAdminConfig)
			r.Handle("/metrics", metrics.Handler())
			r.Get("/monitoring/summary", s.handleMonitoringSummary)
			r.Get("/dashboards/overview", s.handleDashboardOverview)

			r.Post("/api-keys", s.handleCreateAPIKey)
			r.Get("/api-keys/{userID}", s.handleListAPIKeys)
			r.Delete("/api-keys/{userID}/{keyID}", s.handleDeleteAPIKey)

			r.Get("/circuit-breakers", s.handleListBreakers)
			r.Get("/circuit-breakers/health-check/all", s.handleBreakerHealthCheckAll)
			r.Get("/circuit-breakers/{name}", s.handleGetBreaker)
			r.Post("/circuit-breakers/{name}/reset", s.handleResetBreaker)
			r.Post("/circuit-breakers/{name}/force-open", s.handleForceOpenBreaker)

			r.Get("/alerts", s.handleListAlerts)
			r.Post("/alerts/check", s.handleCheckAlerts)
			r.Post("/alerts/{id}/acknowledge", s.handleAcknowledgeAlert)
			r.Post("/alerts/{id}/resolve", s.handleResolveAlert)
		})
	})

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Server.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSeconds) * time.Second,
	}

	logger := log.WithComponent("api")
	logger.Info().
		Str("addr", s.httpServer.Addr).
		Msg("HTTP server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
