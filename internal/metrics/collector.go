// Package metrics records per-request outcome counters for the gateway's
// operational status endpoint.
//
// Counters are incremented with atomic adds on the hot path; the only lock
// guards creation of a new (route, service, outcome) series. Snapshot reads
// are lock-free per counter and tolerate slight staleness.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Outcome classifies how a forwarded request ended. Throttling and routing
// misses are separated from genuine backend failures so operators can tell
// a bad instance from a bad client.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeNoRoute       Outcome = "no_route"
	OutcomeUnavailable   Outcome = "unavailable"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeAmbiguous     Outcome = "ambiguous"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeClientClosed  Outcome = "client_closed"
)

// Sink receives each recorded request for external export, e.g. the
// InfluxDB client. Implementations must not block.
type Sink interface {
	WriteRequestMetric(route, service, instance string, outcome string, latency time.Duration)
}

type seriesKey struct {
	route   string
	service string
	outcome Outcome
}

// series holds the counters for one (route, service, outcome) triple.
type series struct {
	count         atomic.Uint64
	latencyMicros atomic.Uint64
}

// Collector aggregates request outcomes.
//
// All methods are safe for concurrent use.
type Collector struct {
	mu     sync.RWMutex
	series map[seriesKey]*series

	sink Sink
}

// NewCollector creates a collector. sink may be nil.
func NewCollector(sink Sink) *Collector {
	return &Collector{
		series: make(map[seriesKey]*series),
		sink:   sink,
	}
}

// Record adds one request outcome. route is the matched path prefix so
// that several prefixes mapping to one service stay distinguishable;
// route, service, and instance may be empty for failures that never
// resolved a route or an instance.
func (c *Collector) Record(route, service, instance string, outcome Outcome, latency time.Duration) {
	key := seriesKey{route: route, service: service, outcome: outcome}

	c.mu.RLock()
	s, ok := c.series[key]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		s, ok = c.series[key]
		if !ok {
			s = &series{}
			c.series[key] = s
		}
		c.mu.Unlock()
	}

	s.count.Add(1)
	s.latencyMicros.Add(uint64(latency.Microseconds()))

	if c.sink != nil {
		c.sink.WriteRequestMetric(route, service, instance, string(outcome), latency)
	}
}

// ServiceStats is the aggregated view of one service's outcomes.
type ServiceStats struct {
	Requests     uint64            `json:"requests"`
	Errors       uint64            `json:"errors"`
	ByOutcome    map[string]uint64 `json:"by_outcome"`
	ByRoute      map[string]uint64 `json:"by_route,omitempty"`
	AvgLatencyMS float64           `json:"avg_latency_ms"`
}

// Snapshot returns per-service aggregates. The result is a copy and may be
// marginally stale with respect to concurrent Record calls.
func (c *Collector) Snapshot() map[string]ServiceStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]ServiceStats)
	totalMicros := make(map[string]uint64)

	for key, s := range c.series {
		name := key.service
		if name == "" {
			name = "_unrouted"
		}

		stats := out[name]
		if stats.ByOutcome == nil {
			stats.ByOutcome = make(map[string]uint64)
		}

		count := s.count.Load()
		stats.Requests += count
		stats.ByOutcome[string(key.outcome)] += count
		if key.route != "" {
			if stats.ByRoute == nil {
				stats.ByRoute = make(map[string]uint64)
			}
			stats.ByRoute[key.route] += count
		}
		if key.outcome != OutcomeSuccess {
			stats.Errors += count
		}
		totalMicros[name] += s.latencyMicros.Load()
		out[name] = stats
	}

	for name, stats := range out {
		if stats.Requests > 0 {
			stats.AvgLatencyMS = float64(totalMicros[name]) / float64(stats.Requests) / 1000
			out[name] = stats
		}
	}
	return out
}
