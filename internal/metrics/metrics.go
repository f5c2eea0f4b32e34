package metrics

import (
	"sync"
	"time"
)

// Collector tracks service counters for the /metrics endpoint.
// This implementation uses manual metric tracking without external dependencies.
// For production, consider integrating prometheus/client_golang.
//
// All methods are safe on a nil *Collector so components can treat metrics
// as optional.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests    map[string]int64 // by endpoint
	totalRequestsDur map[string]int64 // total duration in ms
	requestErrors    map[string]int64 // by endpoint

	// Admission metrics
	chargesApplied int64
	creditsSpent   int64
	rejections     map[string]int64 // by rejection code
	rateLimitHits  int64

	// Webhook metrics
	webhooksDelivered int64
	webhooksFailed    int64
	webhooksDropped   int64
	usageDropped      int64

	// System metrics
	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:    make(map[string]int64),
		totalRequestsDur: make(map[string]int64),
		requestErrors:    make(map[string]int64),
		rejections:       make(map[string]int64),
		startTime:        time.Now(),
	}
}

// RecordRequest records a request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordError records an error for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestErrors[endpoint]++
}

// ChargeApplied records a successful admission and its credit cost.
func (c *Collector) ChargeApplied(cost int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.chargesApplied++
	c.creditsSpent += cost
}

// ChargeRejected records a denied admission by rejection code.
func (c *Collector) ChargeRejected(code string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rejections[code]++
}

// RateLimitHit records a burst-limiter rejection.
func (c *Collector) RateLimitHit() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rateLimitHits++
}

// WebhookDelivered records a completed webhook delivery.
func (c *Collector) WebhookDelivered() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.webhooksDelivered++
}

// WebhookFailed records a webhook transport failure.
func (c *Collector) WebhookFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.webhooksFailed++
}

// WebhookDropped records an event dropped on a full dispatch queue.
func (c *Collector) WebhookDropped() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.webhooksDropped++
}

// UsageDropped records a usage sample dropped on a full recorder buffer.
func (c *Collector) UsageDropped() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.usageDropped++
}

// Snapshot is a point-in-time view of all counters.
type Snapshot struct {
	Uptime            int64            `json:"uptimeSeconds"`
	TotalRequests     map[string]int64 `json:"requests"`
	TotalRequestsDur  map[string]int64 `json:"requestDurationMs"`
	RequestErrors     map[string]int64 `json:"requestErrors"`
	ChargesApplied    int64            `json:"chargesApplied"`
	CreditsSpent      int64            `json:"creditsSpent"`
	Rejections        map[string]int64 `json:"rejections"`
	RateLimitHits     int64            `json:"rateLimitHits"`
	WebhooksDelivered int64            `json:"webhooksDelivered"`
	WebhooksFailed    int64            `json:"webhooksFailed"`
	WebhooksDropped   int64            `json:"webhooksDropped"`
	UsageDropped      int64            `json:"usageDropped"`
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:            int64(time.Since(c.startTime).Seconds()),
		TotalRequests:     copyMap(c.totalRequests),
		TotalRequestsDur:  copyMap(c.totalRequestsDur),
		RequestErrors:     copyMap(c.requestErrors),
		ChargesApplied:    c.chargesApplied,
		CreditsSpent:      c.creditsSpent,
		Rejections:        copyMap(c.rejections),
		RateLimitHits:     c.rateLimitHits,
		WebhooksDelivered: c.webhooksDelivered,
		WebhooksFailed:    c.webhooksFailed,
		WebhooksDropped:   c.webhooksDropped,
		UsageDropped:      c.usageDropped,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
