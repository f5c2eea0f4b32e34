// Package usage tracks per-bot daily consumption aggregates. Rows are
// best-effort analytics: the ledger's charge is authoritative, and a lost
// usage write never blocks or rolls back a request.
package usage

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sample is one metered request outcome.
type Sample struct {
	BotID     uuid.UUID
	Endpoint  string
	Credits   int64
	Success   bool
	ErrorKind string
	At        time.Time
}

// CounterMap is a name->count breakdown stored as a JSON column.
type CounterMap map[string]int64

// Value implements driver.Valuer.
func (m CounterMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *CounterMap) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = CounterMap{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into CounterMap", src)
	}
	if len(data) == 0 {
		*m = CounterMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// Clone returns a mutable copy.
func (m CounterMap) Clone() CounterMap {
	out := make(CounterMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DayAggregate is the usage summary for one (bot, UTC day) pair.
type DayAggregate struct {
	BotID       uuid.UUID  `json:"botId"`
	Day         string     `json:"date"`
	Requests    int64      `json:"requests"`
	Successes   int64      `json:"successes"`
	Errors      int64      `json:"errors"`
	CreditsUsed int64      `json:"creditsUsed"`
	Endpoints   CounterMap `json:"endpoints"`
	ErrorKinds  CounterMap `json:"errorKinds"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// EndpointTotals aggregates lifetime traffic for one endpoint.
type EndpointTotals struct {
	Endpoint    string `json:"endpoint"`
	Requests    int64  `json:"requests"`
	CreditsUsed int64  `json:"creditsUsed"`
}

// Store persists usage aggregates. Record must be lossless under concurrent
// writers for the same (bot, day) row.
type Store interface {
	Record(ctx context.Context, s Sample) error
	Day(ctx context.Context, botID uuid.UUID, day string) (*DayAggregate, error)
	History(ctx context.Context, botID uuid.UUID, days int) ([]DayAggregate, error)
	Endpoints(ctx context.Context, botID uuid.UUID) ([]EndpointTotals, error)
	Close() error
}

// DayOf formats the UTC day key for a timestamp.
func DayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
