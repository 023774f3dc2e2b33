package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/skygrid/gateway-core/internal/metrics"
)

// StatusResponse is the operational status snapshot.
type StatusResponse struct {
	Timestamp     string                          `json:"timestamp"`
	Version       string                          `json:"version"`
	UptimeSeconds int64                           `json:"uptime_seconds"`
	Runtime       RuntimeStatus                   `json:"runtime"`
	Services      map[string]ServiceStatus        `json:"services"`
	Metrics       map[string]metrics.ServiceStats `json:"metrics"`
	RateLimit     RateLimitStatus                 `json:"rate_limit"`
}

// RuntimeStatus contains Go runtime statistics.
type RuntimeStatus struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// ServiceStatus summarises one logical service's fleet.
type ServiceStatus struct {
	Instances int            `json:"instances"`
	ByHealth  map[string]int `json:"by_health"`
}

// RateLimitStatus summarises admission control state.
type RateLimitStatus struct {
	Enabled     bool `json:"enabled"`
	TrackedKeys int  `json:"tracked_keys"`
}

// handleStatus returns per-service instance and health counts plus
// aggregate request metrics. Reads are snapshots and may trail concurrent
// updates slightly.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	services := make(map[string]ServiceStatus)
	for _, name := range s.registry.Services() {
		services[name] = ServiceStatus{
			Instances: len(s.registry.Instances(name)),
			ByHealth:  s.tracker.Counts(name),
		}
	}

	status := StatusResponse{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeStatus{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Services: services,
		Metrics:  s.metrics.Snapshot(),
	}

	if s.limiter != nil {
		status.RateLimit = RateLimitStatus{
			Enabled:     true,
			TrackedKeys: s.limiter.Size(),
		}
	}

	writeJSON(w, http.StatusOK, status)
}
