package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexflow/lead-pipeline/internal/middleware"
	"github.com/lexflow/lead-pipeline/pkg/logger"
)

// RouterConfig carries the HTTP-facing settings of the API.
type RouterConfig struct {
	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	LeadRateLimit     int
	LeadRateWindow    time.Duration
}

// Handlers groups the API handlers mounted by NewRouter. Feed is optional.
type Handlers struct {
	Health *HealthHandler
	Leads  *LeadHandler
	Agents *AgentHandler
	Stats  *StatsHandler
	Feed   *FeedHandler
}

// NewRouter builds the API router.
func NewRouter(cfg RouterConfig, h Handlers, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Route("/leads", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireScope(middleware.ScopeLeadsWrite))
				if cfg.LeadRateLimit > 0 {
					r.Use(middleware.LeadRateLimit(cfg.LeadRateLimit, cfg.LeadRateWindow, leadFromHeader))
				}
				r.Post("/process", h.Leads.Process)
			})

			r.Route("/{leadID}/sessions/{channel}", func(r chi.Router) {
				r.Get("/", h.Leads.GetSession)
				r.Get("/interactions", h.Leads.ListInteractions)
				r.Get("/verify", h.Leads.Verify)
				r.With(middleware.RequireScope(middleware.ScopeLeadsWrite)).Post("/resolve", h.Leads.Resolve)
			})
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.Agents.List)
			r.With(middleware.RequireScope(middleware.ScopeAgentsWrite)).Post("/", h.Agents.Create)

			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", h.Agents.Get)
				r.Get("/metrics", h.Stats.AgentMetrics)
				r.With(middleware.RequireScope(middleware.ScopeAgentsWrite)).Put("/", h.Agents.Update)
				r.With(middleware.RequireScope(middleware.ScopeAgentsWrite)).Delete("/", h.Agents.Delete)
			})
		})

		r.Get("/metrics/agents", h.Stats.TenantMetrics)

		r.Route("/settings/entry-agent", func(r chi.Router) {
			r.Get("/", h.Agents.GetEntryAgent)
			r.With(middleware.RequireScope(middleware.ScopeAgentsWrite)).Put("/", h.Agents.SetEntryAgent)
		})

		if h.Feed != nil {
			r.Get("/feed", h.Feed.Feed)
		}
	})

	return r
}

// leadFromHeader keys the per-lead limit. Adapters send the lead ID in a
// header so the limiter does not have to read the body.
func leadFromHeader(r *http.Request) string {
	return r.Header.Get("X-Lead-ID")
}
