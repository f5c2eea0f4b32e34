package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	// register postgres driver
	_ "github.com/lib/pq"

	"github.com/botmeter/botmeter/internal/account"
)

// Store implements account.Store backed by PostgreSQL.
type Store struct {
	db     *sql.DB
	pepper string
}

// New opens a PostgreSQL-backed account store using the provided DSN.
func New(dsn, pepper string, maxOpen, maxIdle int) (*Store, error) {
	if pepper == "" {
		return nil, errors.New("account store requires a key pepper")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	s := &Store{db: db, pepper: pepper}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS bot_accounts (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	tier TEXT NOT NULL CHECK(tier IN ('free','premium','enterprise')),
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	api_key_hash TEXT NOT NULL UNIQUE,
	key_prefix TEXT NOT NULL,
	hmac_secret TEXT NOT NULL,
	key_rotated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_bot_accounts_hash ON bot_accounts(api_key_hash);
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

// Create registers a new bot account and returns the plaintext API key once.
func (s *Store) Create(ctx context.Context, name string, tier account.Tier) (*account.Account, string, error) {
	if name == "" {
		return nil, "", errors.New("account name required")
	}
	token, hash, prefix, err := account.NewKey(s.pepper)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	secret, err := account.NewSigningSecret()
	if err != nil {
		return nil, "", fmt.Errorf("generate signing secret: %w", err)
	}

	id := uuid.New()
	var a account.Account
	var tierOut string
	err = s.db.QueryRowContext(ctx, `
INSERT INTO bot_accounts(id, name, tier, api_key_hash, key_prefix, hmac_secret)
VALUES($1, $2, $3, $4, $5, $6)
RETURNING id, name, tier, is_active, key_prefix, key_rotated_at, created_at, updated_at`,
		id, name, string(tier), hash, prefix, secret).Scan(
		&a.ID, &a.Name, &tierOut, &a.Active, &a.KeyPrefix, &a.KeyRotatedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("create account: %w", err)
	}
	a.Tier = account.Tier(tierOut)
	return &a, token, nil
}

// Get returns the account with the given id, including deactivated ones.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
SELECT id, name, tier, is_active, key_prefix, key_rotated_at, created_at, updated_at
FROM bot_accounts WHERE id = $1`, id))
}

// Verify resolves a presented API key; (nil, nil) on miss or inactive account.
func (s *Store) Verify(ctx context.Context, apiKey string) (*account.Account, error) {
	if !account.LooksLikeKey(apiKey) {
		return nil, nil
	}
	hash := account.HashKey(s.pepper, apiKey)
	acct, err := s.scanOne(s.db.QueryRowContext(ctx, `
SELECT id, name, tier, is_active, key_prefix, key_rotated_at, created_at, updated_at
FROM bot_accounts WHERE api_key_hash = $1 AND is_active = TRUE`, hash))
	if errors.Is(err, account.ErrNotFound) {
		return nil, nil
	}
	return acct, err
}

// RotateKey replaces the account's API key with immediate effect.
func (s *Store) RotateKey(ctx context.Context, id uuid.UUID) (string, error) {
	token, hash, prefix, err := account.NewKey(s.pepper)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE bot_accounts SET api_key_hash = $1, key_prefix = $2, key_rotated_at = NOW(), updated_at = NOW()
WHERE id = $3 AND is_active = TRUE`, hash, prefix, id)
	if err != nil {
		return "", fmt.Errorf("rotate key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", account.ErrNotFound
	}
	return token, nil
}

// SetTier updates the account's tier.
func (s *Store) SetTier(ctx context.Context, id uuid.UUID, tier account.Tier) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE bot_accounts SET tier = $1, updated_at = NOW() WHERE id = $2 AND is_active = TRUE`,
		string(tier), id)
	if err != nil {
		return fmt.Errorf("set tier: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.ErrNotFound
	}
	return nil
}

// Deactivate soft-deletes the account.
func (s *Store) Deactivate(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE bot_accounts SET is_active = FALSE, updated_at = NOW() WHERE id = $1 AND is_active = TRUE`, id)
	if err != nil {
		return fmt.Errorf("deactivate account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.ErrNotFound
	}
	return nil
}

// SigningSecret returns the webhook HMAC secret for the account.
func (s *Store) SigningSecret(ctx context.Context, id uuid.UUID) (string, error) {
	var secret string
	err := s.db.QueryRowContext(ctx, `
SELECT hmac_secret FROM bot_accounts WHERE id = $1 AND is_active = TRUE`, id).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", account.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load signing secret: %w", err)
	}
	return secret, nil
}

func (s *Store) scanOne(row *sql.Row) (*account.Account, error) {
	var a account.Account
	var tier string
	if err := row.Scan(&a.ID, &a.Name, &tier, &a.Active, &a.KeyPrefix, &a.KeyRotatedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, account.ErrNotFound
		}
		return nil, err
	}
	a.Tier = account.Tier(tier)
	return &a, nil
}
