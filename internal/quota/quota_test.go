package quota

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/botmeter/botmeter/internal/ledger"
)

type stubStore struct {
	bal *ledger.Balance
	err error
}

func (s *stubStore) Init(context.Context, uuid.UUID, int64) error { return nil }
func (s *stubStore) Credit(context.Context, uuid.UUID, int64) (*ledger.Balance, error) {
	return nil, errors.New("not implemented")
}
func (s *stubStore) Charge(context.Context, uuid.UUID, int64) (*ledger.Balance, error) {
	return nil, errors.New("not implemented")
}
func (s *stubStore) Snapshot(context.Context, uuid.UUID) (*ledger.Balance, error) {
	return s.bal, s.err
}
func (s *stubStore) SetDailyLimit(context.Context, uuid.UUID, int64) error { return nil }
func (s *stubStore) Close() error                                          { return nil }

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestCheckAllows(t *testing.T) {
	reset := time.Now().UTC().Add(6 * time.Hour)
	e := New(&stubStore{bal: &ledger.Balance{
		CreditsRemaining: 50, UsageToday: 40, DailyLimit: 100, ResetDate: reset,
	}}, quiet())

	d, err := e.Check(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allowed, got %+v", d)
	}
	if d.RemainingToday != 60 {
		t.Fatalf("expected 60 remaining, got %d", d.RemainingToday)
	}
	if !d.ResetDate.Equal(reset) {
		t.Fatalf("reset date should pass through")
	}
}

func TestCheckRejectsOverQuota(t *testing.T) {
	e := New(&stubStore{bal: &ledger.Balance{
		CreditsRemaining: 50, UsageToday: 100, DailyLimit: 100,
	}}, quiet())

	d, err := e.Check(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed || d.RejectionCode != RejectQuotaExceeded {
		t.Fatalf("expected quota rejection, got %+v", d)
	}
	if d.RemainingToday != 0 {
		t.Fatalf("remaining should clamp at zero, got %d", d.RemainingToday)
	}
}

func TestCheckRejectsEmptyBalance(t *testing.T) {
	e := New(&stubStore{bal: &ledger.Balance{
		CreditsRemaining: 0, UsageToday: 10, DailyLimit: 100,
	}}, quiet())

	d, err := e.Check(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed || d.RejectionCode != RejectInsufficientCredit {
		t.Fatalf("expected credit rejection, got %+v", d)
	}
}

func TestCheckPropagatesStoreError(t *testing.T) {
	e := New(&stubStore{err: ledger.ErrNotFound}, quiet())
	if _, err := e.Check(context.Background(), uuid.New()); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
