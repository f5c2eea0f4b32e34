package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/botmeter/botmeter/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	// Configure connection pool for high concurrency
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
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
	bot_id UUID PRIMARY KEY,
	credits_remaining BIGINT NOT NULL DEFAULT 0 CHECK(credits_remaining >= 0),
	total_purchased BIGINT NOT NULL DEFAULT 0,
	total_used BIGINT NOT NULL DEFAULT 0,
	usage_today BIGINT NOT NULL DEFAULT 0,
	daily_limit BIGINT NOT NULL CHECK(daily_limit > 0),
	usage_day DATE NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
INSERT INTO credit_balances(bot_id, daily_limit, usage_day)
VALUES($1, $2, (NOW() AT TIME ZONE 'UTC')::date)
ON CONFLICT (bot_id) DO NOTHING`, botID, dailyLimit)
	if err != nil {
		return fmt.Errorf("init balance: %w", err)
	}
	return nil
}

// Credit adds purchased credits and returns the updated balance.
func (s *Store) Credit(ctx context.Context, botID uuid.UUID, amount int64) (*ledger.Balance, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE credit_balances
SET credits_remaining = credits_remaining + $1,
	total_purchased = total_purchased + $1,
	updated_at = NOW()
WHERE bot_id = $2`, amount, botID)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ledger.ErrNotFound
	}
	return s.Snapshot(ctx, botID)
}

// Charge admits one request. Row-level locking via SELECT ... FOR UPDATE
// serializes concurrent charges against the same bot.
func (s *Store) Charge(ctx context.Context, botID uuid.UUID, cost int64) (*ledger.Balance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin charge tx: %w", err)
	}
	defer tx.Rollback()

	row, err := scanRow(tx.QueryRowContext(ctx, `
SELECT bot_id, credits_remaining, total_purchased, total_used, usage_today, daily_limit,
	usage_day::text, updated_at
FROM credit_balances WHERE bot_id = $1
FOR UPDATE`, botID))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	today := now.Format("2006-01-02")
	usageToday := row.usageToday
	if row.usageDay != today {
		usageToday = 0
	}

	if usageToday >= row.dailyLimit {
		return nil, &ledger.QuotaExceededError{
			DailyLimit: row.dailyLimit,
			ResetDate:  nextMidnight(now),
		}
	}
	if row.creditsRemaining <= 0 {
		return nil, ledger.ErrInsufficientCredits
	}

	remaining := row.creditsRemaining - cost
	if remaining < 0 {
		remaining = 0
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE credit_balances
SET credits_remaining = $1,
	total_used = total_used + $2,
	usage_today = $3,
	usage_day = $4::date,
	updated_at = NOW()
WHERE bot_id = $5`, remaining, cost, usageToday+1, today, botID); err != nil {
		return nil, fmt.Errorf("apply charge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit charge: %w", err)
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
	}, nil
}

// Snapshot reads the balance with rollover applied to the returned view.
func (s *Store) Snapshot(ctx context.Context, botID uuid.UUID) (*ledger.Balance, error) {
	row, err := scanRow(s.db.QueryRowContext(ctx, `
SELECT bot_id, credits_remaining, total_purchased, total_used, usage_today, daily_limit,
	usage_day::text, updated_at
FROM credit_balances WHERE bot_id = $1`, botID))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	usageToday := row.usageToday
	if row.usageDay != now.Format("2006-01-02") {
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
UPDATE credit_balances SET daily_limit = $1, updated_at = NOW() WHERE bot_id = $2`, limit, botID)
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

func nextMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
