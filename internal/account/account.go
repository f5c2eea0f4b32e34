package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tier names a quota/pricing class. The tier determines the daily request
// ceiling applied by the ledger.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// ParseTier validates a tier name supplied by a caller.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierFree:
		return TierFree, nil
	case TierPremium:
		return TierPremium, nil
	case TierEnterprise:
		return TierEnterprise, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// Account represents a metered bot identity. The plaintext API key is never
// stored; only its keyed hash and a short prefix for display.
type Account struct {
	ID           uuid.UUID
	Name         string
	Tier         Tier
	Active       bool
	KeyPrefix    string
	KeyRotatedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ErrNotFound is returned when an account id does not resolve to a live row.
var ErrNotFound = errors.New("account not found")

// Store persists bot accounts across SQLite/Postgres backends.
//
// Create and RotateKey return the plaintext API key exactly once; Verify
// resolves a presented key to its account, returning (nil, nil) on unknown
// keys and inactive accounts so the auth boundary can map both to 401.
type Store interface {
	Create(ctx context.Context, name string, tier Tier) (*Account, string, error)
	Get(ctx context.Context, id uuid.UUID) (*Account, error)
	Verify(ctx context.Context, apiKey string) (*Account, error)
	RotateKey(ctx context.Context, id uuid.UUID) (string, error)
	SetTier(ctx context.Context, id uuid.UUID, tier Tier) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	SigningSecret(ctx context.Context, id uuid.UUID) (string, error)
	Close() error
}
