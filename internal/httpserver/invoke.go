package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/botmeter/botmeter/internal/ledger"
	"github.com/botmeter/botmeter/internal/quota"
	"github.com/botmeter/botmeter/internal/usage"
)

// handleInvoke is the metered hot path: admission check, the business
// operation, usage bookkeeping, then the authoritative ledger charge.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	endpoint := chi.URLParam(r, "endpoint")
	cost := s.opts.CreditCost
	start := time.Now()
	defer func() { s.metrics.RecordRequest(endpoint, time.Since(start)) }()

	if p.sandbox {
		s.invokeSandbox(w, r, endpoint, cost)
		return
	}

	decision, err := s.enforcer.Check(r.Context(), p.acct.ID)
	if err != nil {
		s.metrics.RecordError(endpoint)
		s.respondDomainError(w, err)
		return
	}
	if !decision.Allowed {
		s.metrics.ChargeRejected(decision.RejectionCode)
		s.rejectDecision(w, decision)
		return
	}

	result := s.runLoopback(r, endpoint)

	bal, err := s.ledger.Charge(r.Context(), p.acct.ID, cost)
	if err != nil {
		// The early check passed but a concurrent charge won the race. No
		// usage sample is recorded for a request that was never charged.
		s.metrics.RecordError(endpoint)
		s.respondDomainError(w, err)
		return
	}
	s.metrics.ChargeApplied(cost)

	// Usage stats are best-effort telemetry; a failed write never rolls back
	// the committed charge.
	if err := s.usage.Record(r.Context(), usage.Sample{
		BotID:    p.acct.ID,
		Endpoint: endpoint,
		Credits:  cost,
		Success:  true,
		At:       time.Now().UTC(),
	}); err != nil {
		s.logger.Printf("[WARN] usage record failed bot=%s endpoint=%s err=%v", p.acct.ID, endpoint, err)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"endpoint": endpoint,
		"result":   result,
		"balance":  bal,
	})
}

func (s *Server) invokeSandbox(w http.ResponseWriter, r *http.Request, endpoint string, cost int64) {
	p := principalFromContext(r.Context())
	result := s.runLoopback(r, endpoint)

	bal, err := s.sandbox.charge(p.acct.ID, cost)
	if err != nil {
		s.metrics.RecordError(endpoint)
		s.respondDomainError(w, err)
		return
	}
	s.sandbox.record(usage.Sample{
		BotID:    p.acct.ID,
		Endpoint: endpoint,
		Credits:  cost,
		Success:  true,
		At:       time.Now().UTC(),
	})
	s.respondJSON(w, http.StatusOK, map[string]any{
		"endpoint": endpoint,
		"result":   result,
		"balance":  bal,
		"sandbox":  true,
	})
}

// rejectDecision maps a denied admission onto the same envelope the ledger's
// own rejections produce.
func (s *Server) rejectDecision(w http.ResponseWriter, d *quota.Decision) {
	switch d.RejectionCode {
	case quota.RejectQuotaExceeded:
		s.respondDomainError(w, &ledger.QuotaExceededError{DailyLimit: d.DailyLimit, ResetDate: d.ResetDate})
	default:
		s.respondDomainError(w, ledger.ErrInsufficientCredits)
	}
}

// runLoopback is the stand-in business operation behind the metered path: it
// echoes the request payload back with dispatch metadata. Real deployments
// put their actual bot endpoints here.
func (s *Server) runLoopback(r *http.Request, endpoint string) map[string]any {
	var payload any
	if body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)); err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			payload = string(body)
		}
	}
	return map[string]any{
		"endpoint":    endpoint,
		"echo":        payload,
		"requestId":   middleware.GetReqID(r.Context()),
		"processedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
}
