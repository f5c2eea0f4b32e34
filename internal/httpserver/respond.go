package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/botmeter/botmeter/internal/account"
	"github.com/botmeter/botmeter/internal/ledger"
	"github.com/botmeter/botmeter/internal/webhook"
)

// Stable machine-readable error codes returned in the error envelope.
const (
	codeAccountNotFound      = "account_not_found"
	codeInvalidAPIKey        = "invalid_api_key"
	codeInsufficientCredits  = "insufficient_credits"
	codeQuotaExceeded        = "quota_exceeded"
	codeInvalidWebhookURL    = "invalid_webhook_url"
	codeInvalidEventType     = "invalid_event_type"
	codeSubscriptionNotFound = "subscription_not_found"
	codeValidationError      = "validation_error"
	codePersistenceError     = "persistence_error"
)

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes the error envelope: {"error": {"code", "message", ...meta}}.
func (s *Server) respondError(w http.ResponseWriter, status int, code, message string, meta map[string]any) {
	body := map[string]any{
		"code":    code,
		"message": message,
	}
	for k, v := range meta {
		body[k] = v
	}
	s.respondJSON(w, status, map[string]any{"error": body})
}

// respondDomainError maps domain sentinels onto HTTP statuses and stable
// codes. Unknown errors become a generic persistence_error so storage
// internals never leak to callers.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	var quotaErr *ledger.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		retryAfter := int64(time.Until(quotaErr.ResetDate).Seconds())
		if retryAfter < 0 {
			retryAfter = 0
		}
		s.respondError(w, http.StatusTooManyRequests, codeQuotaExceeded, quotaErr.Error(), map[string]any{
			"dailyLimit":        quotaErr.DailyLimit,
			"resetDate":         quotaErr.ResetDate.UTC().Format(time.RFC3339),
			"retryAfterSeconds": retryAfter,
		})
	case errors.Is(err, ledger.ErrInsufficientCredits):
		s.respondError(w, http.StatusPaymentRequired, codeInsufficientCredits,
			"credit balance exhausted, purchase credits to continue", nil)
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, account.ErrNotFound):
		s.respondError(w, http.StatusNotFound, codeAccountNotFound, "account not found", nil)
	case errors.Is(err, webhook.ErrInvalidURL):
		s.respondError(w, http.StatusBadRequest, codeInvalidWebhookURL, err.Error(), nil)
	case errors.Is(err, webhook.ErrInvalidEvent):
		s.respondError(w, http.StatusBadRequest, codeInvalidEventType, err.Error(), nil)
	case errors.Is(err, webhook.ErrNotFound):
		s.respondError(w, http.StatusNotFound, codeSubscriptionNotFound, "subscription not found", nil)
	default:
		s.logger.Printf("[ERROR] request failed err=%v", err)
		s.respondError(w, http.StatusInternalServerError, codePersistenceError, "internal storage error", nil)
	}
}
