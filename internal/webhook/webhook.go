// Package webhook implements subscription management and signed event
// delivery to bot-operated endpoints.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// EventType names a class of dispatched events. Subscriptions filter on one
// type or on EventAll.
type EventType string

const (
	EventAll          EventType = "all"
	EventPurchase     EventType = "purchase"
	EventUsage        EventType = "usage"
	EventCreditUpdate EventType = "credit_update"
	EventError        EventType = "error"
	// EventTest is only produced by the synchronous test operation; it is not
	// a valid subscription filter.
	EventTest EventType = "test"
)

// ParseEventType validates a subscription filter value.
func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventAll, EventPurchase, EventUsage, EventCreditUpdate, EventError:
		return EventType(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEvent, s)
	}
}

var (
	// ErrInvalidURL rejects non-absolute or non-HTTP target URLs.
	ErrInvalidURL = errors.New("invalid webhook url")
	// ErrInvalidEvent rejects unknown subscription event filters.
	ErrInvalidEvent = errors.New("invalid event type")
	// ErrNotFound is returned when a subscription id does not resolve.
	ErrNotFound = errors.New("subscription not found")
)

// ValidateURL checks that a target is an absolute http(s) URL with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

// Subscription is one registered delivery target. A bot holds at most one
// subscription per URL; re-registering the same URL updates the filter.
type Subscription struct {
	ID                 uuid.UUID  `json:"id"`
	BotID              uuid.UUID  `json:"botId"`
	URL                string     `json:"url"`
	Event              EventType  `json:"event"`
	Description        string     `json:"description,omitempty"`
	Active             bool       `json:"active"`
	FailureCount       int64      `json:"failureCount"`
	LastTriggeredAt    *time.Time `json:"lastTriggeredAt,omitempty"`
	LastFailureAt      *time.Time `json:"lastFailureAt,omitempty"`
	LastFailureMessage string     `json:"lastFailureMessage,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Matches reports whether the subscription wants the given event type.
func (s *Subscription) Matches(t EventType) bool {
	return s.Active && (s.Event == EventAll || s.Event == t)
}

// Event is one occurrence to fan out to matching subscriptions.
type Event struct {
	ID    uuid.UUID
	Type  EventType
	BotID uuid.UUID
	At    time.Time
	Data  map[string]any
}

// NewEvent builds an event stamped with a fresh id and the current time.
func NewEvent(t EventType, botID uuid.UUID, data map[string]any) Event {
	return Event{
		ID:    uuid.New(),
		Type:  t,
		BotID: botID,
		At:    time.Now().UTC(),
		Data:  data,
	}
}

// Store persists webhook subscriptions.
type Store interface {
	// Upsert registers a subscription; an existing (bot, url) pair has its
	// event filter and description updated and is reactivated instead of
	// duplicated.
	Upsert(ctx context.Context, botID uuid.UUID, rawURL string, event EventType, description string) (*Subscription, error)
	Get(ctx context.Context, id uuid.UUID) (*Subscription, error)
	// List returns all subscriptions for a bot, active and inactive.
	List(ctx context.Context, botID uuid.UUID) ([]Subscription, error)
	// Matching returns the active subscriptions for a bot that accept the
	// given event type.
	Matching(ctx context.Context, botID uuid.UUID, t EventType) ([]Subscription, error)
	Delete(ctx context.Context, botID, id uuid.UUID) error
	// MarkSuccess records a completed delivery attempt.
	MarkSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkFailure records a failed delivery attempt with its cause.
	MarkFailure(ctx context.Context, id uuid.UUID, at time.Time, message string) error
	Close() error
}
