// Package health aggregates liveness checks for the service's backing
// stores. Checks run in parallel and fold into a single overall status.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunc probes one component. A nil error means the component answered.
type CheckFunc func(ctx context.Context) error

// Component is the outcome of one probe.
type Component struct {
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMs float64   `json:"latencyMs"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// HealthStatus is the folded view over all components.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

type probe struct {
	name string
	typ  string
	fn   CheckFunc
}

// Checker runs registered probes against the backing stores.
type Checker struct {
	mu     sync.RWMutex
	probes []probe
	last   []Component

	timeout    time.Duration
	maxLatency time.Duration
}

// Config tunes probe behavior.
type Config struct {
	Timeout time.Duration // per-probe deadline (default: 2s)
	// MaxLatency marks a responding component degraded above this
	// round-trip time (default: 100ms).
	MaxLatency time.Duration
}

// New creates a Checker with no probes registered.
func New(cfg Config) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = 100 * time.Millisecond
	}
	return &Checker{timeout: cfg.Timeout, maxLatency: cfg.MaxLatency}
}

// Register adds a named probe. Type is a coarse class such as "database" or
// "queue"; database failures make the overall status unhealthy, anything
// else only degrades it.
func (c *Checker) Register(name, typ string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, probe{name: name, typ: typ, fn: fn})
}

// Check runs every probe in parallel and returns the folded status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	c.mu.RLock()
	probes := make([]probe, len(c.probes))
	copy(probes, c.probes)
	c.mu.RUnlock()

	results := make([]Component, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p probe) {
			defer wg.Done()
			results[i] = c.run(ctx, p)
		}(i, p)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	c.mu.Lock()
	c.last = results
	c.mu.Unlock()

	return fold(results)
}

// LastStatus returns the folded view from the most recent Check without
// probing again.
func (c *Checker) LastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.last) == 0 {
		return HealthStatus{Status: StatusHealthy, Timestamp: time.Now().UTC()}
	}
	return fold(c.last)
}

func (c *Checker) run(ctx context.Context, p probe) Component {
	comp := Component{Name: p.name, Type: p.typ, Timestamp: time.Now().UTC()}

	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := p.fn(probeCtx)
	latency := time.Since(start)
	comp.LatencyMs = float64(latency.Microseconds()) / 1000

	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "unreachable"
	case latency > c.maxLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("high latency: %v", latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "ok"
	}
	return comp
}

func fold(components []Component) HealthStatus {
	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Type == "database" {
				overall = StatusUnhealthy
			} else if overall == StatusHealthy {
				overall = StatusDegraded
			}
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return HealthStatus{
		Status:     overall,
		Timestamp:  time.Now().UTC(),
		Components: components,
	}
}
