package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// defaultProbePath is probed when an instance does not declare a health
// check URL of its own.
const defaultProbePath = "/healthz"

// Target is one instance the prober should check.
type Target struct {
	Service string
	ID      string
	Addr    string
	// URL overrides the default probe endpoint when set.
	URL string
}

// Prober runs active liveness checks on a fixed interval.
//
// Probes run on a background cadence, concurrent across instances, and
// feed results into the Tracker; they never run inline with request
// handling. Draining instances are skipped.
type Prober struct {
	tracker  *Tracker
	targets  func() []Target
	interval time.Duration
	client   *http.Client

	logger Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// ProberOptions configures a Prober.
type ProberOptions struct {
	// Tracker receives probe outcomes. Required.
	Tracker *Tracker

	// Targets returns the current probe targets, typically a snapshot of
	// the registry's instances. Required.
	Targets func() []Target

	// Interval is the probe cadence. Default: 10 seconds.
	Interval time.Duration

	// Timeout bounds each individual probe. Default: 2 seconds.
	Timeout time.Duration
}

// NewProber creates a prober.
func NewProber(opts ProberOptions) (*Prober, error) {
	if opts.Tracker == nil {
		return nil, fmt.Errorf("health: tracker is required")
	}
	if opts.Targets == nil {
		return nil, fmt.Errorf("health: target source is required")
	}

	interval := opts.Interval
	if interval == 0 {
		interval = 10 * time.Second
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}

	return &Prober{
		tracker:  opts.Tracker,
		targets:  opts.Targets,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		logger:   noopLogger{},
		done:     make(chan struct{}),
	}, nil
}

// SetLogger sets the logger for the prober.
func (p *Prober) SetLogger(logger Logger) {
	p.logger = logger
}

// Start launches the probe loop. An immediate round runs before the first
// tick so fresh instances are classified quickly. Call Stop to shut down.
func (p *Prober) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		p.probeAll(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.probeAll(ctx)
			case <-ctx.Done():
				return
			case <-p.done:
				return
			}
		}
	}()
}

// Stop terminates the probe loop and waits for in-flight probes.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

// probeAll checks every target concurrently and waits for the round to
// finish before returning.
func (p *Prober) probeAll(ctx context.Context) {
	var round sync.WaitGroup
	for _, target := range p.targets() {
		if p.tracker.State(target.Service, target.ID) == StateDraining {
			continue
		}

		round.Add(1)
		go func(t Target) {
			defer round.Done()
			ok := p.probe(ctx, t)
			p.tracker.ReportOutcome(t.Service, t.ID, ok)
		}(target)
	}
	round.Wait()
}

// probe performs a single liveness check. Any 2xx or 3xx response counts
// as healthy; connection errors, timeouts, and 4xx/5xx count as failures.
func (p *Prober) probe(ctx context.Context, t Target) bool {
	url := t.URL
	if url == "" {
		url = "http://" + t.Addr + defaultProbePath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.logger.Error("building probe request", "service", t.Service, "instance", t.ID, "error", err)
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "service", t.Service, "instance", t.ID, "error", err)
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < 400
}
