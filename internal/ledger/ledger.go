package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/botmeter/botmeter/internal/account"
)

// Balance is the authoritative credit/quota state for one bot. CreditsRemaining
// never goes below zero; overdraw on the final charge clamps to zero.
type Balance struct {
	BotID            uuid.UUID `json:"botId"`
	CreditsRemaining int64     `json:"creditsRemaining"`
	TotalPurchased   int64     `json:"totalPurchased"`
	TotalUsed        int64     `json:"totalUsed"`
	UsageToday       int64     `json:"usageToday"`
	DailyLimit       int64     `json:"dailyLimit"`
	ResetDate        time.Time `json:"resetDate"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

var (
	// ErrNotFound is returned when no balance row exists for the bot.
	ErrNotFound = errors.New("balance not found")
	// ErrInsufficientCredits rejects a charge against an empty balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrQuotaExceeded rejects a charge once the daily ceiling is reached.
	ErrQuotaExceeded = errors.New("daily quota exceeded")
)

// QuotaExceededError carries the reset metadata callers need to build a
// useful rejection (Retry-After, reset timestamp). Unwraps to ErrQuotaExceeded.
type QuotaExceededError struct {
	DailyLimit int64
	ResetDate  time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily quota of %d requests exceeded, resets at %s",
		e.DailyLimit, e.ResetDate.UTC().Format(time.RFC3339))
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// Limits maps tiers to daily request ceilings.
type Limits map[account.Tier]int64

// DefaultLimits returns the built-in tier table.
func DefaultLimits() Limits {
	return Limits{
		account.TierFree:       100,
		account.TierPremium:    10000,
		account.TierEnterprise: 100000,
	}
}

// For resolves the daily limit for a tier, falling back to the free tier for
// anything unrecognized.
func (l Limits) For(tier account.Tier) int64 {
	if v, ok := l[tier]; ok && v > 0 {
		return v
	}
	return l[account.TierFree]
}

// Store persists credit balances. Implementations must serialize Charge per
// bot (conditional UPDATE checked by affected rows) and apply the UTC-midnight
// usage rollover inside every operation that reads or mutates a row.
type Store interface {
	// Init creates the balance row for a new bot with zero credits and the
	// given daily limit. Idempotent for existing bots.
	Init(ctx context.Context, botID uuid.UUID, dailyLimit int64) error
	// Credit adds purchased credits and returns the updated balance.
	Credit(ctx context.Context, botID uuid.UUID, amount int64) (*Balance, error)
	// Charge admits one request costing `cost` credits: rolls usage over if
	// the day changed, rejects with *QuotaExceededError or
	// ErrInsufficientCredits, otherwise debits (clamped at zero) and bumps
	// usage_today/total_used.
	Charge(ctx context.Context, botID uuid.UUID, cost int64) (*Balance, error)
	// Snapshot reads the current balance, applying rollover so UsageToday and
	// ResetDate always describe the current UTC day.
	Snapshot(ctx context.Context, botID uuid.UUID) (*Balance, error)
	// SetDailyLimit updates the ceiling, e.g. after a tier change.
	SetDailyLimit(ctx context.Context, botID uuid.UUID, limit int64) error
	Close() error
}

// Ledger wraps a Store with tier-limit resolution and the low-credit
// notification side effect.
type Ledger struct {
	store     Store
	limits    Limits
	logger    *log.Logger
	lowCredit func(Balance)
}

// New builds a Ledger. A nil limits table falls back to DefaultLimits.
func New(store Store, limits Limits, logger *log.Logger) *Ledger {
	if limits == nil {
		limits = DefaultLimits()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Ledger{store: store, limits: limits, logger: logger}
}

// SetLowCreditCallback registers the hook invoked after any mutation that
// leaves the balance in the low-credit band. The callback must not block; the
// dispatcher behind it queues and returns.
func (l *Ledger) SetLowCreditCallback(fn func(Balance)) {
	l.lowCredit = fn
}

// Limits exposes the active tier table.
func (l *Ledger) Limits() Limits { return l.limits }

// InitForTier creates the balance row for a freshly registered bot.
func (l *Ledger) InitForTier(ctx context.Context, botID uuid.UUID, tier account.Tier) error {
	return l.store.Init(ctx, botID, l.limits.For(tier))
}

// Credit applies a purchase. Amount must be a positive integer.
func (l *Ledger) Credit(ctx context.Context, botID uuid.UUID, amount int64) (*Balance, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	bal, err := l.store.Credit(ctx, botID, amount)
	if err != nil {
		return nil, err
	}
	l.maybeNotify(bal)
	return bal, nil
}

// Charge debits one request. On success the returned balance reflects the
// post-charge state; quota and credit rejections pass through untouched.
func (l *Ledger) Charge(ctx context.Context, botID uuid.UUID, cost int64) (*Balance, error) {
	if cost <= 0 {
		return nil, fmt.Errorf("charge cost must be positive, got %d", cost)
	}
	bal, err := l.store.Charge(ctx, botID, cost)
	if err != nil {
		return nil, err
	}
	l.maybeNotify(bal)
	return bal, nil
}

// Balance returns the rollover-adjusted snapshot for a bot.
func (l *Ledger) Balance(ctx context.Context, botID uuid.UUID) (*Balance, error) {
	return l.store.Snapshot(ctx, botID)
}

// ApplyTier pushes the tier's daily limit into the balance row.
func (l *Ledger) ApplyTier(ctx context.Context, botID uuid.UUID, tier account.Tier) error {
	return l.store.SetDailyLimit(ctx, botID, l.limits.For(tier))
}

// maybeNotify fires the low-credit callback when remaining credits sit at or
// below 10% of lifetime purchases but are not yet exhausted.
func (l *Ledger) maybeNotify(bal *Balance) {
	if bal == nil || l.lowCredit == nil {
		return
	}
	if bal.CreditsRemaining > 0 && bal.TotalPurchased > 0 &&
		bal.CreditsRemaining*10 <= bal.TotalPurchased {
		l.logger.Printf("[INFO] low credit balance bot=%s remaining=%d purchased=%d",
			bal.BotID, bal.CreditsRemaining, bal.TotalPurchased)
		l.lowCredit(*bal)
	}
}
