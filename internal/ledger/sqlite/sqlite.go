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

	"github.com/botmeter/botmeter/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
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
CREATE TABLE IF NOT EXISTS credit_balances (
	bot_id TEXT PRIMARY KEY,
	credits_remaining INTEGER NOT NULL DEFAULT 0 CHECK(credits_remaining >= 0),
	total_purchased INTEGER NOT NULL DEFAULT 0,
	total_used INTEGER NOT NULL DEFAULT 0,
	usage_today INTEGER NOT NULL DEFAULT 0,
	daily_limit INTEGER NOT NULL CHECK(daily_limit > 0),
	usage_day TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
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

// Init creates the balance row for a new bot. Existing rows are left alone.
func (s *Store) Init(ctx context.Context, botID uuid.UUID, dailyLimit int64) error {
	if dailyLimit <= 0 {
		return fmt.Errorf("daily limit must be positive, got %d", dailyLimit)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credit_balances(bot_id, daily_limit, usage_day, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(bot_id) DO NOTHING`,
		botID.String(), dailyLimit, dayString(time.Now()), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("init balance: %w", err)
	}
	return nil
}

// Credit adds purchased credits and returns the updated balance.
func (s *Store) Credit(ctx context.Context, botID uuid.UUID, amount int64) (*ledger.Balance, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE credit_balances
SET credits_remaining = credits_remaining + ?,
	total_purchased = total_purchased + ?,
	updated_at = ?
WHERE bot_id = ?`, amount, amount, now, botID.String())
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ledger.ErrNotFound
	}
	return s.Snapshot(ctx, botID)
}

// Charge admits one request. The final UPDATE re-checks every value the
// decision was based on, so two concurrent charges against the same row
// cannot both spend the last credit or the last quota slot; the loser
// retries against the fresh row.
func (s *Store) Charge(ctx context.Context, botID uuid.UUID, cost int64) (*ledger.Balance, error) {
	const maxAttempts = 25
	for attempt := 0; attempt < maxAttempts; attempt++ {
		bal, applied, err := s.tryCharge(ctx, botID, cost)
		if err != nil {
			return nil, err
		}
		if applied {
			return bal, nil
		}
	}
	return nil, fmt.Errorf("charge for bot %s kept losing update races", botID)
}

func (s *Store) tryCharge(ctx context.Context, botID uuid.UUID, cost int64) (*ledger.Balance, bool, error) {
	now := time.Now().UTC()
	today := dayString(now)

	row, err := scanRow(s.db.QueryRowContext(ctx, `
SELECT bot_id, credits_remaining, total_purchased, total_used, usage_today, daily_limit, usage_day, updated_at
FROM credit_balances WHERE bot_id = ?`, botID.String()))
	if err != nil {
		return nil, false, err
	}

	// Lazy rollover: a stale usage_day means midnight passed since the last
	// touch, so today's usage restarts at zero.
	usageToday := row.usageToday
	if row.usageDay != today {
		usageToday = 0
	}

	if usageToday >= row.dailyLimit {
		return nil, false, &ledger.QuotaExceededError{
			DailyLimit: row.dailyLimit,
			ResetDate:  nextMidnight(now),
		}
	}
	if row.creditsRemaining <= 0 {
		return nil, false, ledger.ErrInsufficientCredits
	}

	remaining := row.creditsRemaining - cost
	if remaining < 0 {
		remaining = 0
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE credit_balances
SET credits_remaining = ?,
	total_used = total_used + ?,
	usage_today = ?,
	usage_day = ?,
	updated_at = ?
WHERE bot_id = ? AND credits_remaining = ? AND usage_today = ? AND usage_day = ?`,
		remaining, cost, usageToday+1, today, now,
		botID.String(), row.creditsRemaining, row.usageToday, row.usageDay)
	if err != nil {
		return nil, false, fmt.Errorf("apply charge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to a concurrent writer; caller retries.
		return nil, false, nil
	}

	return &ledger.Balance{
		BotID:            botID,
		CreditsRemaining: remaining,
		TotalPurchased:   row.totalPurchased,
		TotalUsed:        row.totalUsed + cost,
		UsageToday:       usageToday + 1,
		DailyLimit:       row.dailyLimit,
		ResetDate:        nextMidnight(now),
		UpdatedAt:        now,
	}, true, nil
}

// Snapshot reads the balance with rollover applied to the returned view.
// The row itself is only rewritten on the next charge.
func (s *Store) Snapshot(ctx context.Context, botID uuid.UUID) (*ledger.Balance, error) {
	now := time.Now().UTC()
	row, err := scanRow(s.db.QueryRowContext(ctx, `
SELECT bot_id, credits_remaining, total_purchased, total_used, usage_today, daily_limit, usage_day, updated_at
FROM credit_balances WHERE bot_id = ?`, botID.String()))
	if err != nil {
		return nil, err
	}
	usageToday := row.usageToday
	if row.usageDay != dayString(now) {
		usageToday = 0
	}
	return &ledger.Balance{
		BotID:            botID,
		CreditsRemaining: row.creditsRemaining,
		TotalPurchased:   row.totalPurchased,
		TotalUsed:        row.totalUsed,
		UsageToday:       usageToday,
		DailyLimit:       row.dailyLimit,
		ResetDate:        nextMidnight(now),
		UpdatedAt:        row.updatedAt,
	}, nil
}

// SetDailyLimit updates the quota ceiling for a bot.
func (s *Store) SetDailyLimit(ctx context.Context, botID uuid.UUID, limit int64) error {
	if limit <= 0 {
		return fmt.Errorf("daily limit must be positive, got %d", limit)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE credit_balances SET daily_limit = ?, updated_at = ? WHERE bot_id = ?`,
		limit, time.Now().UTC(), botID.String())
	if err != nil {
		return fmt.Errorf("set daily limit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

type balanceRow struct {
	creditsRemaining int64
	totalPurchased   int64
	totalUsed        int64
	usageToday       int64
	dailyLimit       int64
	usageDay         string
	updatedAt        time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(r rowScanner) (*balanceRow, error) {
	var row balanceRow
	var id string
	if err := r.Scan(&id, &row.creditsRemaining, &row.totalPurchased, &row.totalUsed,
		&row.usageToday, &row.dailyLimit, &row.usageDay, &row.updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

func dayString(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func nextMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
