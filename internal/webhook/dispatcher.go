package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botmeter/botmeter/internal/metrics"
)

// SecretSource resolves the per-bot HMAC secret used to sign envelopes.
type SecretSource interface {
	SigningSecret(ctx context.Context, botID uuid.UUID) (string, error)
}

// Result is the raw transport outcome of one delivery attempt.
type Result struct {
	SubscriptionID uuid.UUID `json:"subscriptionId"`
	URL            string    `json:"url"`
	Delivered      bool      `json:"delivered"`
	StatusCode     int       `json:"statusCode,omitempty"`
	Error          string    `json:"error,omitempty"`
	Duration       float64   `json:"durationMs"`
}

// envelope is the wire form of a dispatched event.
type envelope struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	BotID     string         `json:"botId"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Config configures the dispatcher.
type Config struct {
	Workers    int           // event consumers (default: 4)
	QueueSize  int           // buffered event channel size (default: 1024)
	Timeout    time.Duration // per-delivery HTTP timeout (default: 5s)
	Logger     *log.Logger   // optional
	Metrics    *metrics.Collector
	HTTPClient *http.Client // overrides Timeout when set, used by tests
}

// Dispatcher fans events out to matching subscriptions. Delivery is
// fire-and-forget with a single attempt per subscription: any HTTP response,
// whatever the status code, counts as delivered. Only transport errors
// (connect failure, timeout) count as failures.
type Dispatcher struct {
	store   Store
	secrets SecretSource
	client  *http.Client
	queue   chan Event
	stop    chan struct{}
	wg      sync.WaitGroup
	logger  *log.Logger
	metrics *metrics.Collector
}

// NewDispatcher builds and starts a dispatcher.
func NewDispatcher(store Store, secrets SecretSource, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	d := &Dispatcher{
		store:   store,
		secrets: secrets,
		client:  client,
		queue:   make(chan Event, cfg.QueueSize),
		stop:    make(chan struct{}),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue queues an event for asynchronous fan-out (non-blocking). A full
// queue drops the event; the triggering request is never held up.
func (d *Dispatcher) Enqueue(ev Event) {
	select {
	case d.queue <- ev:
	default:
		d.logger.Printf("[WARN] webhook queue full, dropping event id=%s type=%s bot=%s",
			ev.ID, ev.Type, ev.BotID)
		d.metrics.WebhookDropped()
	}
}

// Close drains the queue and stops the workers. Pending events are delivered
// before shutdown completes.
func (d *Dispatcher) Close() {
	close(d.stop)
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.queue:
			d.fanOut(ev)
		case <-d.stop:
			for {
				select {
				case ev := <-d.queue:
					d.fanOut(ev)
				default:
					return
				}
			}
		}
	}
}

// fanOut delivers one event to every matching subscription in parallel.
func (d *Dispatcher) fanOut(ev Event) {
	ctx := context.Background()
	subs, err := d.store.Matching(ctx, ev.BotID, ev.Type)
	if err != nil {
		d.logger.Printf("[ERROR] webhook lookup failed bot=%s type=%s err=%v", ev.BotID, ev.Type, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	secret, err := d.secrets.SigningSecret(ctx, ev.BotID)
	if err != nil {
		d.logger.Printf("[ERROR] webhook secret lookup failed bot=%s err=%v", ev.BotID, err)
		return
	}

	var wg sync.WaitGroup
	for i := range subs {
		sub := subs[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := d.deliver(ctx, &sub, ev, secret)
			d.record(ctx, &sub, res)
		}()
	}
	wg.Wait()
}

// deliver performs one signed POST. Any HTTP response counts as delivered.
func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, ev Event, secret string) Result {
	res := Result{SubscriptionID: sub.ID, URL: sub.URL}

	body, err := json.Marshal(envelope{
		ID:        ev.ID.String(),
		Event:     string(ev.Type),
		BotID:     ev.BotID.String(),
		Timestamp: ev.At.Unix(),
		Data:      ev.Data,
	})
	if err != nil {
		res.Error = fmt.Sprintf("encode envelope: %v", err)
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		res.Error = fmt.Sprintf("build request: %v", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bot-API-Signature", Sign(secret, ev.At.Unix(), body))
	req.Header.Set("X-Bot-API-Event-ID", ev.ID.String())
	req.Header.Set("X-Bot-API-Event-Type", string(ev.Type))

	start := time.Now()
	resp, err := d.client.Do(req)
	res.Duration = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()

	res.Delivered = true
	res.StatusCode = resp.StatusCode
	return res
}

// record folds a delivery outcome back into the subscription row.
func (d *Dispatcher) record(ctx context.Context, sub *Subscription, res Result) {
	now := time.Now().UTC()
	if res.Delivered {
		d.metrics.WebhookDelivered()
		if err := d.store.MarkSuccess(ctx, sub.ID, now); err != nil {
			d.logger.Printf("[ERROR] webhook bookkeeping failed sub=%s err=%v", sub.ID, err)
		}
		return
	}
	d.metrics.WebhookFailed()
	d.logger.Printf("[WARN] webhook delivery failed sub=%s url=%s err=%s", sub.ID, sub.URL, res.Error)
	if err := d.store.MarkFailure(ctx, sub.ID, now, res.Error); err != nil {
		d.logger.Printf("[ERROR] webhook bookkeeping failed sub=%s err=%v", sub.ID, err)
	}
}

// Test delivers a synthetic event to one subscription synchronously and
// returns the raw transport outcome to the caller. The attempt updates the
// subscription's delivery stats like any other.
func (d *Dispatcher) Test(ctx context.Context, botID, subID uuid.UUID) (*Result, error) {
	sub, err := d.store.Get(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.BotID != botID {
		return nil, ErrNotFound
	}
	secret, err := d.secrets.SigningSecret(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("load signing secret: %w", err)
	}

	ev := NewEvent(EventTest, botID, map[string]any{
		"message": "test delivery",
	})
	res := d.deliver(ctx, sub, ev, secret)
	d.record(ctx, sub, res)
	return &res, nil
}
