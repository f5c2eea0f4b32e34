package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/botmeter/botmeter/internal/usage"
	"github.com/botmeter/botmeter/internal/webhook"
)

func (s *Server) handlePurchaseCredits(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, codeValidationError, "malformed request body", nil)
		return
	}
	if req.Amount <= 0 {
		s.respondError(w, http.StatusBadRequest, codeValidationError, "amount must be a positive integer", nil)
		return
	}

	if p.sandbox {
		bal := s.sandbox.credit(p.acct.ID, req.Amount)
		s.respondJSON(w, http.StatusOK, map[string]any{"balance": bal})
		return
	}

	bal, err := s.ledger.Credit(r.Context(), p.acct.ID, req.Amount)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.dispatcher.Enqueue(webhook.NewEvent(webhook.EventPurchase, p.acct.ID, map[string]any{
		"amount":           req.Amount,
		"creditsRemaining": bal.CreditsRemaining,
		"totalPurchased":   bal.TotalPurchased,
	}))
	s.logger.Printf("[INFO] credits purchased bot=%s amount=%d remaining=%d",
		p.acct.ID, req.Amount, bal.CreditsRemaining)
	s.respondJSON(w, http.StatusOK, map[string]any{"balance": bal})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	today := usage.DayOf(time.Now())

	if p.sandbox {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"balance": s.sandbox.snapshot(p.acct.ID),
			"today":   s.sandbox.day(p.acct.ID, today),
		})
		return
	}

	bal, err := s.ledger.Balance(r.Context(), p.acct.ID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	agg, err := s.usage.Day(r.Context(), p.acct.ID, today)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"balance": bal, "today": agg})
}

func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 90 {
			s.respondError(w, http.StatusBadRequest, codeValidationError, "days must be between 1 and 90", nil)
			return
		}
		days = parsed
	}

	var (
		history []usage.DayAggregate
		err     error
	)
	if p.sandbox {
		history = s.sandbox.history(p.acct.ID, days)
	} else {
		history, err = s.usage.History(r.Context(), p.acct.ID, days)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
	}
	if history == nil {
		history = []usage.DayAggregate{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"days": days, "history": history})
}

func (s *Server) handleUsageEndpoints(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())

	var (
		totals []usage.EndpointTotals
		err    error
	)
	if p.sandbox {
		totals = s.sandbox.endpoints(p.acct.ID)
	} else {
		totals, err = s.usage.Endpoints(r.Context(), p.acct.ID)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
	}
	if totals == nil {
		totals = []usage.EndpointTotals{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"endpoints": totals})
}

func (s *Server) handleWebhookUpsert(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	if p.sandbox {
		s.respondError(w, http.StatusBadRequest, codeValidationError, "webhooks are not available in sandbox mode", nil)
		return
	}
	var req struct {
		URL         string `json:"url"`
		EventType   string `json:"eventType"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, codeValidationError, "malformed request body", nil)
		return
	}
	sub, err := s.webhooks.Upsert(r.Context(), p.acct.ID, req.URL, webhook.EventType(req.EventType), req.Description)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.logger.Printf("[INFO] webhook registered bot=%s url=%s event=%s", p.acct.ID, sub.URL, sub.Event)
	s.respondJSON(w, http.StatusCreated, map[string]any{"webhook": sub})
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	if p.sandbox {
		s.respondJSON(w, http.StatusOK, map[string]any{"webhooks": []webhook.Subscription{}})
		return
	}
	subs, err := s.webhooks.List(r.Context(), p.acct.ID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if subs == nil {
		subs = []webhook.Subscription{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"webhooks": subs})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, codeValidationError, "invalid subscription id", nil)
		return
	}
	if p.sandbox {
		s.respondError(w, http.StatusNotFound, codeSubscriptionNotFound, "subscription not found", nil)
		return
	}
	if err := s.webhooks.Delete(r.Context(), p.acct.ID, id); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, codeValidationError, "invalid subscription id", nil)
		return
	}
	if p.sandbox {
		s.respondError(w, http.StatusNotFound, codeSubscriptionNotFound, "subscription not found", nil)
		return
	}
	res, err := s.dispatcher.Test(r.Context(), p.acct.ID, id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"result": res})
}
