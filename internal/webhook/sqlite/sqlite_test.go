package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/botmeter/botmeter/internal/webhook"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "webhooks.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertCreatesAndRefreshes(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	bot := uuid.New()

	sub, err := store.Upsert(ctx, bot, "https://example.com/hook", webhook.EventPurchase, "billing hook")
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if sub.Event != webhook.EventPurchase || !sub.Active || sub.Description != "billing hook" {
		t.Fatalf("unexpected subscription: %+v", sub)
	}

	// Fail it once, then re-register the same URL with a new filter.
	if err := store.MarkFailure(ctx, sub.ID, time.Now(), "connection refused"); err != nil {
		t.Fatalf("MarkFailure: %v", err)
	}
	again, err := store.Upsert(ctx, bot, "https://example.com/hook", webhook.EventAll, "everything")
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if again.ID != sub.ID {
		t.Fatalf("upsert should keep the same row, got %s vs %s", again.ID, sub.ID)
	}
	if again.Event != webhook.EventAll || again.Description != "everything" {
		t.Fatalf("filter/description not updated: %+v", again)
	}
	if again.FailureCount != 0 || again.LastFailureMessage != "" {
		t.Fatalf("re-registration should reset delivery stats: %+v", again)
	}

	subs, err := store.List(ctx, bot)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected one subscription, got %d", len(subs))
	}
}

func TestUpsertValidation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	bot := uuid.New()

	if _, err := store.Upsert(ctx, bot, "ftp://example.com/x", webhook.EventAll, ""); !errors.Is(err, webhook.ErrInvalidURL) {
		t.Fatalf("expected invalid url, got %v", err)
	}
	if _, err := store.Upsert(ctx, bot, "not a url", webhook.EventAll, ""); !errors.Is(err, webhook.ErrInvalidURL) {
		t.Fatalf("expected invalid url, got %v", err)
	}
	if _, err := store.Upsert(ctx, bot, "https://example.com/x", webhook.EventType("bogus"), ""); !errors.Is(err, webhook.ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
	if _, err := store.Upsert(ctx, bot, "https://example.com/x", webhook.EventTest, ""); !errors.Is(err, webhook.ErrInvalidEvent) {
		t.Fatalf("test type must not be a valid filter")
	}
}

func TestMatchingFiltersByEvent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	bot := uuid.New()

	mk := func(url string, ev webhook.EventType) *webhook.Subscription {
		sub, err := store.Upsert(ctx, bot, url, ev, "")
		if err != nil {
			t.Fatalf("Upsert %s: %v", url, err)
		}
		return sub
	}
	all := mk("https://example.com/all", webhook.EventAll)
	purchase := mk("https://example.com/purchase", webhook.EventPurchase)
	mk("https://example.com/error", webhook.EventError)

	// Another bot's subscription never matches.
	if _, err := store.Upsert(ctx, uuid.New(), "https://example.com/all", webhook.EventAll, ""); err != nil {
		t.Fatalf("Upsert other bot: %v", err)
	}

	subs, err := store.Matching(ctx, bot, webhook.EventPurchase)
	if err != nil {
		t.Fatalf("Matching: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected all+purchase to match, got %d", len(subs))
	}
	got := map[uuid.UUID]bool{}
	for _, s := range subs {
		got[s.ID] = true
	}
	if !got[all.ID] || !got[purchase.ID] {
		t.Fatalf("wrong matches: %v", subs)
	}
}

func TestDeleteScopedToBot(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	bot := uuid.New()

	sub, err := store.Upsert(ctx, bot, "https://example.com/hook", webhook.EventAll, "")
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := store.Delete(ctx, uuid.New(), sub.ID); !errors.Is(err, webhook.ErrNotFound) {
		t.Fatalf("cross-bot delete should miss, got %v", err)
	}
	if err := store.Delete(ctx, bot, sub.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, sub.ID); !errors.Is(err, webhook.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestDeliveryBookkeeping(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	bot := uuid.New()

	sub, err := store.Upsert(ctx, bot, "https://example.com/hook", webhook.EventAll, "")
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	now := time.Now().UTC()
	if err := store.MarkFailure(ctx, sub.ID, now, "dial tcp: timeout"); err != nil {
		t.Fatalf("MarkFailure: %v", err)
	}
	if err := store.MarkFailure(ctx, sub.ID, now.Add(time.Minute), "dial tcp: refused"); err != nil {
		t.Fatalf("MarkFailure: %v", err)
	}
	if err := store.MarkSuccess(ctx, sub.ID, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}

	got, err := store.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FailureCount != 2 {
		t.Fatalf("expected 2 failures, got %d", got.FailureCount)
	}
	if got.LastFailureMessage != "dial tcp: refused" {
		t.Fatalf("unexpected failure message %q", got.LastFailureMessage)
	}
	if got.LastTriggeredAt == nil || got.LastFailureAt == nil {
		t.Fatalf("timestamps not recorded: %+v", got)
	}
}
