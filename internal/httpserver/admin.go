package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/botmeter/botmeter/internal/account"
)

func toAccountPayload(a *account.Account) map[string]any {
	return map[string]any{
		"id":           a.ID.String(),
		"name":         a.Name,
		"tier":         string(a.Tier),
		"active":       a.Active,
		"keyPrefix":    a.KeyPrefix,
		"keyRotatedAt": a.KeyRotatedAt.UTC().Format(time.RFC3339),
		"createdAt":    a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleAdminCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, codeValidationError, "malformed request body", nil)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.respondError(w, http.StatusBadRequest, codeValidationError, "name is required", nil)
		return
	}
	tier, err := account.ParseTier(req.Tier)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, codeValidationError, err.Error(), nil)
		return
	}

	acct, apiKey, err := s.accounts.Create(r.Context(), strings.TrimSpace(req.Name), tier)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if err := s.ledger.InitForTier(r.Context(), acct.ID, tier); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.logger.Printf("[INFO] account created id=%s name=%s tier=%s", acct.ID, acct.Name, acct.Tier)
	// The plaintext key appears in this response and nowhere else.
	s.respondJSON(w, http.StatusCreated, map[string]any{
		"account": toAccountPayload(acct),
		"apiKey":  apiKey,
	})
}

func (s *Server) handleAdminRotateKey(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, codeValidationError, "invalid account id", nil)
		return
	}
	apiKey, err := s.accounts.RotateKey(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.logger.Printf("[INFO] api key rotated bot=%s", id)
	s.respondJSON(w, http.StatusOK, map[string]any{"apiKey": apiKey})
}

func (s *Server) handleAdminSetTier(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, codeValidationError, "invalid account id", nil)
		return
	}
	var req struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, codeValidationError, "malformed request body", nil)
		return
	}
	tier, err := account.ParseTier(req.Tier)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, codeValidationError, err.Error(), nil)
		return
	}
	if err := s.accounts.SetTier(r.Context(), id, tier); err != nil {
		s.respondDomainError(w, err)
		return
	}
	if err := s.ledger.ApplyTier(r.Context(), id, tier); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.logger.Printf("[INFO] tier changed bot=%s tier=%s", id, tier)
	s.respondJSON(w, http.StatusOK, map[string]any{"id": id.String(), "tier": string(tier)})
}

func (s *Server) handleAdminDeactivate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, codeValidationError, "invalid account id", nil)
		return
	}
	if err := s.accounts.Deactivate(r.Context(), id); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.logger.Printf("[INFO] account deactivated bot=%s", id)
	s.respondJSON(w, http.StatusNoContent, nil)
}
