package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/botmeter/botmeter/internal/usage"
)

// Store implements usage.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite usage store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create usage directory: %w", err)
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
CREATE TABLE IF NOT EXISTS usage_days (
	bot_id TEXT NOT NULL,
	day TEXT NOT NULL,
	requests INTEGER NOT NULL DEFAULT 0,
	successes INTEGER NOT NULL DEFAULT 0,
	errors INTEGER NOT NULL DEFAULT 0,
	credits_used INTEGER NOT NULL DEFAULT 0,
	endpoints TEXT NOT NULL DEFAULT '{}',
	error_kinds TEXT NOT NULL DEFAULT '{}',
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY(bot_id, day)
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

// Record folds one sample into its (bot, day) aggregate. The JSON breakdown
// columns cannot be incremented in SQL, so the row is read, updated in memory,
// and written back with the request counter doubling as an optimistic version
// check; writers that lose the race retry on the fresh row.
func (s *Store) Record(ctx context.Context, smp usage.Sample) error {
	if smp.BotID == uuid.Nil {
		return errors.New("usage record requires bot id")
	}
	at := smp.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	day := usage.DayOf(at)

	const maxAttempts = 25
	for attempt := 0; attempt < maxAttempts; attempt++ {
		applied, err := s.tryRecord(ctx, smp, day, at)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
	}
	return fmt.Errorf("usage record for bot %s kept losing update races", smp.BotID)
}

func (s *Store) tryRecord(ctx context.Context, smp usage.Sample, day string, at time.Time) (bool, error) {
	if _, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO usage_days(bot_id, day, updated_at) VALUES(?, ?, ?)`,
		smp.BotID.String(), day, at.UTC()); err != nil {
		return false, fmt.Errorf("ensure usage row: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
SELECT requests, successes, errors, credits_used, endpoints, error_kinds
FROM usage_days WHERE bot_id = ? AND day = ?`, smp.BotID.String(), day)

	var requests, successes, errCount, credits int64
	var endpoints, errorKinds usage.CounterMap
	if err := row.Scan(&requests, &successes, &errCount, &credits, &endpoints, &errorKinds); err != nil {
		return false, fmt.Errorf("read usage row: %w", err)
	}

	successes2, errCount2 := successes, errCount
	if smp.Success {
		successes2++
	} else {
		errCount2++
		if smp.ErrorKind != "" {
			errorKinds = errorKinds.Clone()
			errorKinds[smp.ErrorKind]++
		}
	}
	if smp.Endpoint != "" {
		endpoints = endpoints.Clone()
		endpoints[smp.Endpoint]++
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE usage_days
SET requests = ?, successes = ?, errors = ?, credits_used = ?,
	endpoints = ?, error_kinds = ?, updated_at = ?
WHERE bot_id = ? AND day = ? AND requests = ?`,
		requests+1, successes2, errCount2, credits+smp.Credits,
		endpoints, errorKinds, at.UTC(),
		smp.BotID.String(), day, requests)
	if err != nil {
		return false, fmt.Errorf("update usage row: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Day returns the aggregate for one UTC day; a zero aggregate if no traffic.
func (s *Store) Day(ctx context.Context, botID uuid.UUID, day string) (*usage.DayAggregate, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT bot_id, day, requests, successes, errors, credits_used, endpoints, error_kinds, updated_at
FROM usage_days WHERE bot_id = ? AND day = ?`, botID.String(), day)
	agg, err := scanAggregate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &usage.DayAggregate{
			BotID:      botID,
			Day:        day,
			Endpoints:  usage.CounterMap{},
			ErrorKinds: usage.CounterMap{},
		}, nil
	}
	return agg, err
}

// History returns the most recent daily aggregates, newest first. Days with
// no traffic have no row and are simply absent.
func (s *Store) History(ctx context.Context, botID uuid.UUID, days int) ([]usage.DayAggregate, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT bot_id, day, requests, successes, errors, credits_used, endpoints, error_kinds, updated_at
FROM usage_days
WHERE bot_id = ?
ORDER BY day DESC
LIMIT ?`, botID.String(), days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []usage.DayAggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *agg)
	}
	return out, rows.Err()
}

// Endpoints folds every day's endpoint breakdown into lifetime per-endpoint
// totals, ordered by request count. Credits cannot be attributed to a single
// endpoint within a mixed day, so CreditsUsed is apportioned by request share.
func (s *Store) Endpoints(ctx context.Context, botID uuid.UUID) ([]usage.EndpointTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT requests, credits_used, endpoints FROM usage_days WHERE bot_id = ?`, botID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reqTotals := map[string]int64{}
	credTotals := map[string]int64{}
	for rows.Next() {
		var requests, credits int64
		var endpoints usage.CounterMap
		if err := rows.Scan(&requests, &credits, &endpoints); err != nil {
			return nil, err
		}
		for ep, n := range endpoints {
			reqTotals[ep] += n
			if requests > 0 {
				credTotals[ep] += credits * n / requests
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]usage.EndpointTotals, 0, len(reqTotals))
	for ep, n := range reqTotals {
		out = append(out, usage.EndpointTotals{Endpoint: ep, Requests: n, CreditsUsed: credTotals[ep]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requests != out[j].Requests {
			return out[i].Requests > out[j].Requests
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAggregate(r rowScanner) (*usage.DayAggregate, error) {
	var agg usage.DayAggregate
	var id string
	if err := r.Scan(&id, &agg.Day, &agg.Requests, &agg.Successes, &agg.Errors,
		&agg.CreditsUsed, &agg.Endpoints, &agg.ErrorKinds, &agg.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt bot id %q: %w", id, err)
	}
	agg.BotID = parsed
	return &agg, nil
}
