package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/botmeter/botmeter/internal/webhook"
)

// Store implements webhook.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite subscription store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create webhook directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS webhook_subscriptions (
	id TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	url TEXT NOT NULL,
	event TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 1,
	failure_count INTEGER NOT NULL DEFAULT 0,
	last_triggered_at TIMESTAMP,
	last_failure_at TIMESTAMP,
	last_failure_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(bot_id, url)
);
CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_bot ON webhook_subscriptions(bot_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the underlying database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Upsert registers or refreshes the subscription for (bot, url). A refreshed
// subscription is reactivated and its delivery stats reset.
func (s *Store) Upsert(ctx context.Context, botID uuid.UUID, rawURL string, event webhook.EventType, description string) (*webhook.Subscription, error) {
	if err := webhook.ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if _, err := webhook.ParseEventType(string(event)); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO webhook_subscriptions(id, bot_id, url, event, description, is_active, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(bot_id, url) DO UPDATE SET
	event = excluded.event,
	description = excluded.description,
	is_active = 1,
	failure_count = 0,
	last_failure_at = NULL,
	last_failure_message = '',
	updated_at = excluded.updated_at`,
		id.String(), botID.String(), rawURL, string(event), description, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert subscription: %w", err)
	}

	row := s.db.QueryRowContext(ctx, selectColumns+`
WHERE bot_id = ? AND url = ?`, botID.String(), rawURL)
	return scanSubscription(row)
}

const selectColumns = `
SELECT id, bot_id, url, event, description, is_active, failure_count,
	last_triggered_at, last_failure_at, last_failure_message, created_at, updated_at
FROM webhook_subscriptions
`

// Get returns one subscription by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*webhook.Subscription, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`WHERE id = ?`, id.String())
	return scanSubscription(row)
}

// List returns all subscriptions for a bot, newest first.
func (s *Store) List(ctx context.Context, botID uuid.UUID) ([]webhook.Subscription, error) {
	return s.query(ctx, selectColumns+`WHERE bot_id = ? ORDER BY created_at DESC`, botID.String())
}

// Matching returns the active subscriptions accepting the given event type.
func (s *Store) Matching(ctx context.Context, botID uuid.UUID, t webhook.EventType) ([]webhook.Subscription, error) {
	return s.query(ctx, selectColumns+`
WHERE bot_id = ? AND is_active = 1 AND (event = 'all' OR event = ?)
ORDER BY created_at`, botID.String(), string(t))
}

// Delete removes a subscription. The bot id guards against cross-bot deletes.
func (s *Store) Delete(ctx context.Context, botID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM webhook_subscriptions WHERE id = ? AND bot_id = ?`, id.String(), botID.String())
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

// MarkSuccess records a completed delivery.
func (s *Store) MarkSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE webhook_subscriptions
SET last_triggered_at = ?, updated_at = ?
WHERE id = ?`, at.UTC(), at.UTC(), id.String())
	if err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

// MarkFailure records a failed delivery and its cause.
func (s *Store) MarkFailure(ctx context.Context, id uuid.UUID, at time.Time, message string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE webhook_subscriptions
SET failure_count = failure_count + 1,
	last_failure_at = ?,
	last_failure_message = ?,
	updated_at = ?
WHERE id = ?`, at.UTC(), message, at.UTC(), id.String())
	if err != nil {
		return fmt.Errorf("mark failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]webhook.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []webhook.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r rowScanner) (*webhook.Subscription, error) {
	var sub webhook.Subscription
	var id, botID, event string
	var active int
	var triggered, failed sql.NullTime
	if err := r.Scan(&id, &botID, &sub.URL, &event, &sub.Description, &active, &sub.FailureCount,
		&triggered, &failed, &sub.LastFailureMessage, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, webhook.ErrNotFound
		}
		return nil, err
	}
	parsedID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt subscription id %q: %w", id, err)
	}
	parsedBot, err := uuid.Parse(botID)
	if err != nil {
		return nil, fmt.Errorf("corrupt bot id %q: %w", botID, err)
	}
	sub.ID = parsedID
	sub.BotID = parsedBot
	sub.Event = webhook.EventType(event)
	sub.Active = active == 1
	if triggered.Valid {
		t := triggered.Time
		sub.LastTriggeredAt = &t
	}
	if failed.Valid {
		t := failed.Time
		sub.LastFailureAt = &t
	}
	return &sub, nil
}
