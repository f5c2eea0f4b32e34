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

	"github.com/botmeter/botmeter/internal/account"
)

// Store implements account.Store backed by SQLite.
type Store struct {
	db     *sql.DB
	pepper string
}

// New opens (or creates) a SQLite account store at the given path. The pepper
// keys the API-key hashes; changing it invalidates every stored key.
func New(path, pepper string) (*Store, error) {
	if pepper == "" {
		return nil, errors.New("account store requires a key pepper")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create account directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
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
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	tier TEXT NOT NULL CHECK(tier IN ('free','premium','enterprise')),
	is_active INTEGER NOT NULL DEFAULT 1,
	api_key_hash TEXT NOT NULL UNIQUE,
	key_prefix TEXT NOT NULL,
	hmac_secret TEXT NOT NULL,
	key_rotated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO bot_accounts(id, name, tier, is_active, api_key_hash, key_prefix, hmac_secret, key_rotated_at, created_at, updated_at)
VALUES(?, ?, ?, 1, ?, ?, ?, ?, ?, ?)`,
		id.String(), name, string(tier), hash, prefix, secret, now, now, now)
	if err != nil {
		return nil, "", fmt.Errorf("create account: %w", err)
	}
	return &account.Account{
		ID:           id,
		Name:         name,
		Tier:         tier,
		Active:       true,
		KeyPrefix:    prefix,
		KeyRotatedAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, token, nil
}

// Get returns the account with the given id, including deactivated ones.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, tier, is_active, key_prefix, key_rotated_at, created_at, updated_at
FROM bot_accounts WHERE id = ?`, id.String())
	return scanAccount(row)
}

// Verify resolves a presented API key. Unknown keys and inactive accounts
// both yield (nil, nil).
func (s *Store) Verify(ctx context.Context, apiKey string) (*account.Account, error) {
	if !account.LooksLikeKey(apiKey) {
		return nil, nil
	}
	hash := account.HashKey(s.pepper, apiKey)
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, tier, is_active, key_prefix, key_rotated_at, created_at, updated_at
FROM bot_accounts WHERE api_key_hash = ? AND is_active = 1`, hash)
	acct, err := scanAccount(row)
	if errors.Is(err, account.ErrNotFound) {
		return nil, nil
	}
	return acct, err
}

// RotateKey replaces the account's API key. The old key stops verifying the
// moment the update commits; there is no grace overlap.
func (s *Store) RotateKey(ctx context.Context, id uuid.UUID) (string, error) {
	token, hash, prefix, err := account.NewKey(s.pepper)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE bot_accounts SET api_key_hash = ?, key_prefix = ?, key_rotated_at = ?, updated_at = ?
WHERE id = ? AND is_active = 1`, hash, prefix, now, now, id.String())
	if err != nil {
		return "", fmt.Errorf("rotate key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", account.ErrNotFound
	}
	return token, nil
}

// SetTier updates the account's tier. The caller is responsible for pushing
// the matching daily limit into the ledger.
func (s *Store) SetTier(ctx context.Context, id uuid.UUID, tier account.Tier) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE bot_accounts SET tier = ?, updated_at = ? WHERE id = ? AND is_active = 1`,
		string(tier), time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("set tier: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.ErrNotFound
	}
	return nil
}

// Deactivate soft-deletes the account. Usage and balance history stays in
// place; the row is never hard-deleted.
func (s *Store) Deactivate(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE bot_accounts SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1`,
		time.Now().UTC(), id.String())
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
SELECT hmac_secret FROM bot_accounts WHERE id = ? AND is_active = 1`, id.String()).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", account.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load signing secret: %w", err)
	}
	return secret, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*account.Account, error) {
	var a account.Account
	var id, tier string
	var active int
	if err := row.Scan(&id, &a.Name, &tier, &active, &a.KeyPrefix, &a.KeyRotatedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, account.ErrNotFound
		}
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt account id %q: %w", id, err)
	}
	a.ID = parsed
	a.Tier = account.Tier(tier)
	a.Active = active == 1
	return &a, nil
}
