package httpserver

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botmeter/botmeter/internal/ledger"
	"github.com/botmeter/botmeter/internal/usage"
)

// Sandbox accounts get a generous fixed allowance so integration tests can
// hammer the API without funding anything.
const (
	sandboxInitialCredits int64 = 1_000_000
	sandboxDailyLimit     int64 = 100_000
)

// sandboxRealm holds the ephemeral in-process state for sandbox callers.
// Nothing in here survives a restart and nothing ever reaches a real store.
type sandboxRealm struct {
	mu       sync.Mutex
	balances map[uuid.UUID]*ledger.Balance
	usageDay map[uuid.UUID]string
	days     map[uuid.UUID]map[string]*usage.DayAggregate
}

func newSandboxRealm() *sandboxRealm {
	return &sandboxRealm{
		balances: make(map[uuid.UUID]*ledger.Balance),
		usageDay: make(map[uuid.UUID]string),
		days:     make(map[uuid.UUID]map[string]*usage.DayAggregate),
	}
}

// balanceLocked returns the live balance row, creating and rolling it over as
// needed. Callers must hold mu.
func (sr *sandboxRealm) balanceLocked(botID uuid.UUID, now time.Time) *ledger.Balance {
	today := usage.DayOf(now)
	bal, ok := sr.balances[botID]
	if !ok {
		bal = &ledger.Balance{
			BotID:            botID,
			CreditsRemaining: sandboxInitialCredits,
			TotalPurchased:   sandboxInitialCredits,
			DailyLimit:       sandboxDailyLimit,
			ResetDate:        nextMidnight(now),
			UpdatedAt:        now,
		}
		sr.balances[botID] = bal
		sr.usageDay[botID] = today
		return bal
	}
	if sr.usageDay[botID] != today {
		bal.UsageToday = 0
		bal.ResetDate = nextMidnight(now)
		sr.usageDay[botID] = today
	}
	return bal
}

func (sr *sandboxRealm) snapshot(botID uuid.UUID) *ledger.Balance {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	cp := *sr.balanceLocked(botID, time.Now().UTC())
	return &cp
}

func (sr *sandboxRealm) credit(botID uuid.UUID, amount int64) *ledger.Balance {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	now := time.Now().UTC()
	bal := sr.balanceLocked(botID, now)
	bal.CreditsRemaining += amount
	bal.TotalPurchased += amount
	bal.UpdatedAt = now
	cp := *bal
	return &cp
}

func (sr *sandboxRealm) charge(botID uuid.UUID, cost int64) (*ledger.Balance, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	now := time.Now().UTC()
	bal := sr.balanceLocked(botID, now)
	if bal.UsageToday >= bal.DailyLimit {
		return nil, &ledger.QuotaExceededError{DailyLimit: bal.DailyLimit, ResetDate: bal.ResetDate}
	}
	if bal.CreditsRemaining <= 0 {
		return nil, ledger.ErrInsufficientCredits
	}
	bal.CreditsRemaining -= cost
	if bal.CreditsRemaining < 0 {
		bal.CreditsRemaining = 0
	}
	bal.TotalUsed += cost
	bal.UsageToday++
	bal.UpdatedAt = now
	cp := *bal
	return &cp, nil
}

func (sr *sandboxRealm) record(s usage.Sample) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	day := usage.DayOf(s.At)
	byDay, ok := sr.days[s.BotID]
	if !ok {
		byDay = make(map[string]*usage.DayAggregate)
		sr.days[s.BotID] = byDay
	}
	agg, ok := byDay[day]
	if !ok {
		agg = &usage.DayAggregate{
			BotID:      s.BotID,
			Day:        day,
			Endpoints:  usage.CounterMap{},
			ErrorKinds: usage.CounterMap{},
		}
		byDay[day] = agg
	}
	agg.Requests++
	agg.CreditsUsed += s.Credits
	agg.Endpoints[s.Endpoint]++
	if s.Success {
		agg.Successes++
	} else {
		agg.Errors++
		if s.ErrorKind != "" {
			agg.ErrorKinds[s.ErrorKind]++
		}
	}
	agg.UpdatedAt = s.At
}

func (sr *sandboxRealm) day(botID uuid.UUID, day string) *usage.DayAggregate {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if agg, ok := sr.days[botID][day]; ok {
		cp := *agg
		cp.Endpoints = agg.Endpoints.Clone()
		cp.ErrorKinds = agg.ErrorKinds.Clone()
		return &cp
	}
	return &usage.DayAggregate{BotID: botID, Day: day, Endpoints: usage.CounterMap{}, ErrorKinds: usage.CounterMap{}}
}

func (sr *sandboxRealm) history(botID uuid.UUID, days int) []usage.DayAggregate {
	now := time.Now().UTC()
	out := make([]usage.DayAggregate, 0, days)
	for i := 0; i < days; i++ {
		agg := sr.day(botID, usage.DayOf(now.AddDate(0, 0, -i)))
		if agg.Requests > 0 {
			out = append(out, *agg)
		}
	}
	return out
}

func (sr *sandboxRealm) endpoints(botID uuid.UUID) []usage.EndpointTotals {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	totals := map[string]*usage.EndpointTotals{}
	for _, agg := range sr.days[botID] {
		for name, n := range agg.Endpoints {
			t, ok := totals[name]
			if !ok {
				t = &usage.EndpointTotals{Endpoint: name}
				totals[name] = t
			}
			t.Requests += n
			if agg.Requests > 0 {
				t.CreditsUsed += agg.CreditsUsed * n / agg.Requests
			}
		}
	}
	out := make([]usage.EndpointTotals, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	return out
}

func nextMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
