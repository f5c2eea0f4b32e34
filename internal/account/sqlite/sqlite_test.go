package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/botmeter/botmeter/internal/account"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "accounts.db"), "test-pepper")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndVerify(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	acct, key, err := s.Create(ctx, "translator-bot", account.TierPremium)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(key, "bot_") {
		t.Fatalf("key should carry the bot_ prefix, got %q", key)
	}
	if acct.KeyPrefix != key[:len(acct.KeyPrefix)] {
		t.Fatalf("stored prefix %q does not match key %q", acct.KeyPrefix, key)
	}

	got, err := s.Verify(ctx, key)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got == nil || got.ID != acct.ID {
		t.Fatalf("verify resolved wrong account: %+v", got)
	}
	if got.Tier != account.TierPremium {
		t.Fatalf("tier = %s, want premium", got.Tier)
	}
}

func TestVerifyUnknownKeyYieldsNil(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "garbage", "bot_0000000000000000000000000000000000000000000000000000000000000000"} {
		got, err := s.Verify(ctx, key)
		if err != nil {
			t.Fatalf("verify %q: %v", key, err)
		}
		if got != nil {
			t.Fatalf("verify %q should resolve to nil, got %+v", key, got)
		}
	}
}

func TestRotateKeyInvalidatesOldKey(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	acct, oldKey, err := s.Create(ctx, "rotator", account.TierFree)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	newKey, err := s.RotateKey(ctx, acct.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if newKey == oldKey {
		t.Fatal("rotation returned the same key")
	}

	if got, err := s.Verify(ctx, oldKey); err != nil || got != nil {
		t.Fatalf("old key must stop verifying, got %+v err %v", got, err)
	}
	got, err := s.Verify(ctx, newKey)
	if err != nil || got == nil || got.ID != acct.ID {
		t.Fatalf("new key should verify, got %+v err %v", got, err)
	}
}

func TestSetTierAndDeactivate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	acct, key, err := s.Create(ctx, "upgrader", account.TierFree)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.SetTier(ctx, acct.ID, account.TierEnterprise); err != nil {
		t.Fatalf("set tier: %v", err)
	}
	got, err := s.Get(ctx, acct.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Tier != account.TierEnterprise {
		t.Fatalf("tier = %s, want enterprise", got.Tier)
	}

	if err := s.Deactivate(ctx, acct.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if v, err := s.Verify(ctx, key); err != nil || v != nil {
		t.Fatalf("deactivated account must not verify, got %+v err %v", v, err)
	}
	// Get still sees the soft-deleted row.
	got, err = s.Get(ctx, acct.ID)
	if err != nil {
		t.Fatalf("get after deactivate: %v", err)
	}
	if got.Active {
		t.Fatal("account should be inactive")
	}

	if err := s.Deactivate(ctx, acct.ID); err != account.ErrNotFound {
		t.Fatalf("second deactivate should be not found, got %v", err)
	}
	if err := s.SetTier(ctx, acct.ID, account.TierFree); err != account.ErrNotFound {
		t.Fatalf("set tier on inactive account should be not found, got %v", err)
	}
	if _, err := s.RotateKey(ctx, acct.ID); err != account.ErrNotFound {
		t.Fatalf("rotate on inactive account should be not found, got %v", err)
	}
}

func TestSigningSecret(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	acct, _, err := s.Create(ctx, "hooked", account.TierFree)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	secret, err := s.SigningSecret(ctx, acct.ID)
	if err != nil {
		t.Fatalf("signing secret: %v", err)
	}
	if !strings.HasPrefix(secret, "whsec_") {
		t.Fatalf("secret should carry the whsec_ prefix, got %q", secret)
	}
	again, err := s.SigningSecret(ctx, acct.ID)
	if err != nil || again != secret {
		t.Fatalf("secret should be stable across reads, got %q err %v", again, err)
	}

	if _, err := s.SigningSecret(ctx, uuid.New()); err != account.ErrNotFound {
		t.Fatalf("unknown account should be not found, got %v", err)
	}
}
