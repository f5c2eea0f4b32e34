package ledger

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/botmeter/botmeter/internal/account"
)

type fakeStore struct {
	balances map[uuid.UUID]*Balance
	limits   map[uuid.UUID]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		balances: make(map[uuid.UUID]*Balance),
		limits:   make(map[uuid.UUID]int64),
	}
}

func (f *fakeStore) Init(_ context.Context, botID uuid.UUID, dailyLimit int64) error {
	if _, ok := f.balances[botID]; !ok {
		f.balances[botID] = &Balance{BotID: botID, DailyLimit: dailyLimit}
	}
	return nil
}

func (f *fakeStore) Credit(_ context.Context, botID uuid.UUID, amount int64) (*Balance, error) {
	b, ok := f.balances[botID]
	if !ok {
		return nil, ErrNotFound
	}
	b.CreditsRemaining += amount
	b.TotalPurchased += amount
	out := *b
	return &out, nil
}

func (f *fakeStore) Charge(_ context.Context, botID uuid.UUID, cost int64) (*Balance, error) {
	b, ok := f.balances[botID]
	if !ok {
		return nil, ErrNotFound
	}
	if b.UsageToday >= b.DailyLimit {
		return nil, &QuotaExceededError{DailyLimit: b.DailyLimit}
	}
	if b.CreditsRemaining <= 0 {
		return nil, ErrInsufficientCredits
	}
	b.CreditsRemaining -= cost
	if b.CreditsRemaining < 0 {
		b.CreditsRemaining = 0
	}
	b.TotalUsed += cost
	b.UsageToday++
	out := *b
	return &out, nil
}

func (f *fakeStore) Snapshot(_ context.Context, botID uuid.UUID) (*Balance, error) {
	b, ok := f.balances[botID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *b
	return &out, nil
}

func (f *fakeStore) SetDailyLimit(_ context.Context, botID uuid.UUID, limit int64) error {
	b, ok := f.balances[botID]
	if !ok {
		return ErrNotFound
	}
	b.DailyLimit = limit
	return nil
}

func (f *fakeStore) Close() error { return nil }

func TestCreditRejectsNonPositiveAmount(t *testing.T) {
	l := New(newFakeStore(), nil, nil)
	for _, amount := range []int64{0, -5} {
		if _, err := l.Credit(context.Background(), uuid.New(), amount); err == nil {
			t.Fatalf("expected error for amount %d", amount)
		}
	}
}

func TestLimitsForTier(t *testing.T) {
	limits := DefaultLimits()
	if got := limits.For(account.TierFree); got != 100 {
		t.Fatalf("free limit = %d", got)
	}
	if got := limits.For(account.TierPremium); got != 10000 {
		t.Fatalf("premium limit = %d", got)
	}
	if got := limits.For(account.TierEnterprise); got != 100000 {
		t.Fatalf("enterprise limit = %d", got)
	}
	if got := limits.For(account.Tier("bogus")); got != 100 {
		t.Fatalf("unknown tier should fall back to free, got %d", got)
	}
}

func TestLowCreditCallbackFiresInsideBand(t *testing.T) {
	store := newFakeStore()
	l := New(store, nil, nil)
	ctx := context.Background()
	bot := uuid.New()

	var fired []Balance
	l.SetLowCreditCallback(func(b Balance) { fired = append(fired, b) })

	if err := l.InitForTier(ctx, bot, account.TierFree); err != nil {
		t.Fatalf("InitForTier: %v", err)
	}
	if _, err := l.Credit(ctx, bot, 20); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("callback should not fire at full balance")
	}

	// Burn down to exactly 10% of lifetime purchases.
	for i := 0; i < 18; i++ {
		if _, err := l.Charge(ctx, bot, 1); err != nil {
			t.Fatalf("Charge: %v", err)
		}
	}
	if len(fired) != 1 {
		t.Fatalf("expected one low-credit notification, got %d", len(fired))
	}
	if fired[0].CreditsRemaining != 2 {
		t.Fatalf("notification should carry post-charge balance, got %d", fired[0].CreditsRemaining)
	}
}

func TestLowCreditCallbackSkipsZeroBalance(t *testing.T) {
	store := newFakeStore()
	l := New(store, nil, nil)
	ctx := context.Background()
	bot := uuid.New()

	var fired int
	l.SetLowCreditCallback(func(Balance) { fired++ })

	if err := l.InitForTier(ctx, bot, account.TierEnterprise); err != nil {
		t.Fatalf("InitForTier: %v", err)
	}
	if _, err := l.Credit(ctx, bot, 10); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	fired = 0

	// Drain the balance entirely in one overdraw.
	if _, err := l.Charge(ctx, bot, 15); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if fired != 0 {
		t.Fatalf("exhausted balance must not trigger low-credit notification")
	}
}
