package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/botmeter/botmeter/internal/ledger"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreditAndSnapshot(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	bot := uuid.New()

	if err := store.Init(ctx, bot, 100); err != nil {
		t.Fatalf("Init: %v", err)
	}
	bal, err := store.Credit(ctx, bot, 500)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if bal.CreditsRemaining != 500 || bal.TotalPurchased != 500 {
		t.Fatalf("unexpected balance after credit: %+v", bal)
	}

	bal, err = store.Snapshot(ctx, bot)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if bal.UsageToday != 0 || bal.DailyLimit != 100 {
		t.Fatalf("unexpected snapshot: %+v", bal)
	}
	if !bal.ResetDate.After(time.Now().UTC()) {
		t.Fatalf("reset date should be in the future, got %s", bal.ResetDate)
	}
}

func TestInitIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	bot := uuid.New()

	if err := store.Init(ctx, bot, 100); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := store.Credit(ctx, bot, 50); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := store.Init(ctx, bot, 10000); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	bal, err := store.Snapshot(ctx, bot)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if bal.CreditsRemaining != 50 || bal.DailyLimit != 100 {
		t.Fatalf("second Init should not touch existing row: %+v", bal)
	}
}

func TestChargeDebitsAndCounts(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	bot := uuid.New()

	if err := store.Init(ctx, bot, 100); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := store.Credit(ctx, bot, 3); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	for i := 1; i <= 3; i++ {
		bal, err := store.Charge(ctx, bot, 1)
		if err != nil {
			t.Fatalf("Charge %d: %v", i, err)
		}
		if bal.UsageToday != int64(i) {
			t.Fatalf("expected usage %d, got %d", i, bal.UsageToday)
		}
		if bal.CreditsRemaining != int64(3-i) {
			t.Fatalf("expected remaining %d, got %d", 3-i, bal.CreditsRemaining)
		}
	}

	_, err := store.Charge(ctx, bot, 1)
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
}

func TestChargeClampsOverdraw(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	bot := uuid.New()

	if err := store.Init(ctx, bot, 100); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := store.Credit(ctx, bot, 2); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	bal, err := store.Charge(ctx, bot, 5)
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if bal.CreditsRemaining != 0 {
		t.Fatalf("expected clamp to zero, got %d", bal.CreditsRemaining)
	}
	if bal.TotalUsed != 5 {
		t.Fatalf("total_used should record full cost, got %d", bal.TotalUsed)
	}
}

func TestChargeQuotaExceeded(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	bot := uuid.New()

	if err := store.Init(ctx, bot, 2); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := store.Credit(ctx, bot, 100); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := store.Charge(ctx, bot, 1); err != nil {
			t.Fatalf("Charge: %v", err)
		}
	}

	_, err := store.Charge(ctx, bot, 1)
	var qe *ledger.QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	if !errors.Is(err, ledger.ErrQuotaExceeded) {
		t.Fatalf("quota error should unwrap to sentinel")
	}
	if qe.DailyLimit != 2 {
		t.Fatalf("expected limit 2 in error, got %d", qe.DailyLimit)
	}
	if !qe.ResetDate.After(time.Now().UTC()) {
		t.Fatalf("reset date should be in the future")
	}
}

func TestRolloverResetsUsage(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	bot := uuid.New()

	if err := store.Init(ctx, bot, 2); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := store.Credit(ctx, bot, 100); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := store.Charge(ctx, bot, 1); err != nil {
			t.Fatalf("Charge: %v", err)
		}
	}

	// Backdate the usage day to simulate midnight passing.
	if _, err := store.db.Exec(`UPDATE credit_balances SET usage_day = '2000-01-01' WHERE bot_id = ?`, bot.String()); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	bal, err := store.Snapshot(ctx, bot)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if bal.UsageToday != 0 {
		t.Fatalf("snapshot should report rolled-over usage, got %d", bal.UsageToday)
	}

	bal, err = store.Charge(ctx, bot, 1)
	if err != nil {
		t.Fatalf("Charge after rollover: %v", err)
	}
	if bal.UsageToday != 1 {
		t.Fatalf("expected usage 1 after rollover, got %d", bal.UsageToday)
	}
	if bal.TotalUsed != 3 {
		t.Fatalf("lifetime usage should survive rollover, got %d", bal.TotalUsed)
	}
}

func TestConcurrentChargesNeverOverspend(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	bot := uuid.New()

	if err := store.Init(ctx, bot, 1000); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := store.Credit(ctx, bot, 10); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Charge(ctx, bot, 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Fatalf("expected exactly 10 charges to land, got %d", succeeded)
	}
	bal, err := store.Snapshot(ctx, bot)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if bal.CreditsRemaining != 0 || bal.TotalUsed != 10 || bal.UsageToday != 10 {
		t.Fatalf("unexpected final balance: %+v", bal)
	}
}

func TestChargeUnknownBot(t *testing.T) {
	store := newStore(t)
	_, err := store.Charge(context.Background(), uuid.New(), 1)
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
