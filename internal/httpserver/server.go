// Package httpserver exposes the REST surface for the botmeter service:
// the metered invoke path, credit purchases, usage queries, webhook
// management, and a token-guarded admin bundle.
package httpserver

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/botmeter/botmeter/internal/account"
	"github.com/botmeter/botmeter/internal/health"
	"github.com/botmeter/botmeter/internal/ledger"
	"github.com/botmeter/botmeter/internal/metrics"
	"github.com/botmeter/botmeter/internal/quota"
	"github.com/botmeter/botmeter/internal/ratelimit"
	"github.com/botmeter/botmeter/internal/usage"
	"github.com/botmeter/botmeter/internal/version"
	"github.com/botmeter/botmeter/internal/webhook"
)

// Options carries the tunables the server reads from configuration.
type Options struct {
	// AdminToken guards the /admin bundle. Empty disables it entirely.
	AdminToken string
	// CreditCost is the ledger debit per metered invoke.
	CreditCost int64
	// RateLimit, when non-nil, throttles the invoke path per bot.
	RateLimit        *ratelimit.Limiter
	RateLimitEnabled bool
}

// Server wires the domain components behind the REST routes.
type Server struct {
	accounts   account.Store
	ledger     *ledger.Ledger
	enforcer   *quota.Enforcer
	usage      usage.Store
	webhooks   webhook.Store
	dispatcher *webhook.Dispatcher
	metrics    *metrics.Collector
	logger     *log.Logger
	opts       Options

	sandbox *sandboxRealm
	checker *health.Checker
	started time.Time
}

// New constructs a Server with the required dependencies.
func New(accounts account.Store, lgr *ledger.Ledger, enforcer *quota.Enforcer,
	usageStore usage.Store, webhookStore webhook.Store, dispatcher *webhook.Dispatcher,
	collector *metrics.Collector, logger *log.Logger, opts Options) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if opts.CreditCost <= 0 {
		opts.CreditCost = 1
	}
	return &Server{
		accounts:   accounts,
		ledger:     lgr,
		enforcer:   enforcer,
		usage:      usageStore,
		webhooks:   webhookStore,
		dispatcher: dispatcher,
		metrics:    collector,
		logger:     logger,
		opts:       opts,
		sandbox:    newSandboxRealm(),
		started:    time.Now(),
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/metrics/prometheus", s.handleMetricsPrometheus)

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(private chi.Router) {
			private.Use(s.authMiddleware)

			private.Post("/purchase-credits", s.handlePurchaseCredits)
			private.Get("/usage", s.handleUsage)
			private.Get("/usage/history", s.handleUsageHistory)
			private.Get("/usage/endpoints", s.handleUsageEndpoints)

			private.Post("/webhooks", s.handleWebhookUpsert)
			private.Get("/webhooks", s.handleWebhookList)
			private.Delete("/webhooks/{id}", s.handleWebhookDelete)
			private.Post("/webhooks/{id}/test", s.handleWebhookTest)

			invoke := private
			if s.opts.RateLimitEnabled && s.opts.RateLimit != nil {
				mw := ratelimit.NewMiddleware(s.opts.RateLimit, true, rateLimitKey, s.logger, s.metrics.RateLimitHit)
				invoke = private.With(mw.Wrap)
			}
			invoke.Post("/invoke/{endpoint}", s.handleInvoke)
		})
	})

	if s.opts.AdminToken != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(s.adminMiddleware)
			admin.Post("/accounts", s.handleAdminCreateAccount)
			admin.Post("/accounts/{id}/rotate-key", s.handleAdminRotateKey)
			admin.Patch("/accounts/{id}/tier", s.handleAdminSetTier)
			admin.Delete("/accounts/{id}", s.handleAdminDeactivate)
		})
	}

	return r
}

// rateLimitKey buckets invoke traffic per bot. Sandbox calls share one bucket
// so abusive sandbox loops still get throttled.
func rateLimitKey(r *http.Request) string {
	if isSandbox(r) {
		return "sandbox"
	}
	return r.Header.Get("X-Bot-ID")
}

// SetHealthChecker attaches component probes to /healthz.
func (s *Server) SetHealthChecker(c *health.Checker) {
	s.checker = c
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":        "ok",
		"version":       version.Info(),
		"time":          time.Now().UTC().Format(time.RFC3339),
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
	}
	status := http.StatusOK
	if s.checker != nil {
		hs := s.checker.Check(r.Context())
		payload["status"] = string(hs.Status)
		payload["components"] = hs.Components
		if hs.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
	}
	s.respondJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.metrics.GetSnapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}
