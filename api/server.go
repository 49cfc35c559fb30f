/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers and roles.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client address for click metadata
  3. RequestLogger: zap line per request (method, path, status, duration)
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests for the admin UI
  6. Authenticate:  Optional bearer token -> Principal

ROUTE GROUPS:
  public              storefront: attribution, clicks, applications, commission
  service | admin     order webhook and conversion transitions
  any principal       settlements, conversions, links (affiliates scoped to self)
  admin               review, administration, settlement runs, analytics, audit
  admin (flagged)     demo scenarios, only when enabled

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Principals and RequireRole
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// DefaultAllowedOrigins are the admin UI dev and same-origin hosts.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// RouterConfig controls the parts of the router that vary by deployment.
type RouterConfig struct {
	Auth            *Authenticator
	AllowedOrigins  []string
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(cfg.Auth.Authenticate)

	// Public storefront routes
	r.Get("/healthz", h.Healthz)
	r.Post("/attribution/resolve", h.ResolveAttribution)
	r.Post("/events/click", h.RecordClick)
	r.Post("/applications", h.SubmitApplication)
	r.Get("/commission", h.GetCommission)

	// Order webhook
	r.Group(func(r chi.Router) {
		r.Use(RequireRole(RoleService, RoleAdmin))
		r.Post("/events/conversion", h.RecordConversion)
		r.Post("/conversions/{id}/confirm", h.ConfirmConversion)
		r.Post("/conversions/{id}/void", h.VoidConversion)
	})

	// Affiliate-facing reads, scoped to the principal
	r.Group(func(r chi.Router) {
		r.Use(RequireRole(RoleAdmin, RoleService, RoleAffiliate))
		r.Get("/settlements", h.ListSettlements)
		r.Get("/settlements/{id}", h.GetSettlement)
		r.Get("/conversions", h.ListConversions)
	})
	r.Group(func(r chi.Router) {
		r.Use(RequireRole(RoleAdmin, RoleAffiliate))
		r.Get("/affiliates/{id}/links", h.ListLinks)
		r.Post("/affiliates/{id}/links", h.CreateLink)
	})

	// Admin routes
	r.Group(func(r chi.Router) {
		r.Use(RequireRole(RoleAdmin))

		// Flat patterns: POST /applications is public, so no Route mount here.
		r.Get("/applications", h.ListApplications)
		r.Get("/applications/{id}", h.GetApplication)
		r.Post("/applications/{id}/approve", h.ApproveApplication)
		r.Post("/applications/{id}/reject", h.RejectApplication)

		r.Get("/affiliates", h.ListAffiliates)
		r.Get("/affiliates/{id}", h.GetAffiliate)
		r.Post("/affiliates/{id}/status", h.SetAffiliateStatus)
		r.Post("/affiliates/{id}/tier", h.SetAffiliateTier)

		r.Post("/settlements/{id}/settle", h.MarkSettled)
		r.Post("/settlements/{id}/void", h.VoidSettlement)

		r.Post("/admin/settlements/run", h.RunSettlements)
		r.Get("/admin/analytics", h.GetAnalytics)
		r.Get("/admin/audit", h.ListAudit)

		if cfg.EnableScenarios {
			r.Get("/admin/scenarios", h.ListScenarios)
			r.Get("/admin/scenarios/current", h.GetCurrentScenario)
			r.Post("/admin/scenarios/load", h.LoadScenario)
		}
	})

	return r
}

// RequestLogger logs one line per request through the global zap logger.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			zap.L().Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		}()
		next.ServeHTTP(ww, r)
	})
}
