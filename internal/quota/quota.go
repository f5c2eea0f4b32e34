// Package quota answers "may this bot make another request today" without
// mutating the ledger. The authoritative admission decision still happens
// inside Charge; the enforcer exists so callers can reject early and cheaply
// before doing any work on the request.
package quota

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/botmeter/botmeter/internal/ledger"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed        bool      `json:"allowed"`
	RemainingToday int64     `json:"remainingToday"`
	DailyLimit     int64     `json:"dailyLimit"`
	ResetDate      time.Time `json:"resetDate"`
	RejectionCode  string    `json:"rejectionCode,omitempty"`
}

// Rejection codes carried on denied decisions.
const (
	RejectQuotaExceeded      = "quota_exceeded"
	RejectInsufficientCredit = "insufficient_credits"
)

// Enforcer performs read-only admission checks against ledger balances.
type Enforcer struct {
	store  ledger.Store
	logger *log.Logger
}

// New builds an Enforcer over the given balance store.
func New(store ledger.Store, logger *log.Logger) *Enforcer {
	if logger == nil {
		logger = log.Default()
	}
	return &Enforcer{store: store, logger: logger}
}

// Check evaluates whether the bot would be admitted right now. The snapshot
// already applies the UTC-midnight rollover, so a bot checked just after
// midnight sees a fresh day even if nothing has written its row yet.
func (e *Enforcer) Check(ctx context.Context, botID uuid.UUID) (*Decision, error) {
	bal, err := e.store.Snapshot(ctx, botID)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		DailyLimit: bal.DailyLimit,
		ResetDate:  bal.ResetDate,
	}
	if remaining := bal.DailyLimit - bal.UsageToday; remaining > 0 {
		d.RemainingToday = remaining
	}

	switch {
	case bal.UsageToday >= bal.DailyLimit:
		d.RejectionCode = RejectQuotaExceeded
	case bal.CreditsRemaining <= 0:
		d.RejectionCode = RejectInsufficientCredit
	default:
		d.Allowed = true
	}
	if !d.Allowed {
		e.logger.Printf("[INFO] quota check denied bot=%s reason=%s usage=%d/%d",
			botID, d.RejectionCode, bal.UsageToday, bal.DailyLimit)
	}
	return d, nil
}
