package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/skygrid/gateway-core/internal/balancer"
	"github.com/skygrid/gateway-core/internal/metrics"
	"github.com/skygrid/gateway-core/internal/registry"
)

// Logger defines the logging interface used by the Router.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// RouteResolver maps request paths to logical services, implemented by
// the registry's route table. The matched route prefix is returned so
// outcomes can be attributed to the rule that routed them.
type RouteResolver interface {
	Resolve(path string) (route string, service string, upstreamPath string, err error)
}

// Picker selects backend instances, implemented by the balancer.
type Picker interface {
	PickExcluding(service string, exclude map[string]struct{}) (registry.Instance, error)
}

// HealthReporter receives per-attempt outcomes, implemented by the health
// tracker.
type HealthReporter interface {
	ReportOutcome(service, id string, success bool)
}

// InflightTracker counts requests in flight per instance so draining
// instances can finish their work, implemented by the registry.
type InflightTracker interface {
	Acquire(service, id string) bool
	Release(service, id string)
}

// Recorder aggregates request outcomes, implemented by the metrics
// collector.
type Recorder interface {
	Record(route, service, instance string, outcome metrics.Outcome, latency time.Duration)
}

// Router is the forwarding engine behind the gateway's catch-all handler.
//
// It is an http.Handler; the API server mounts it after the middleware
// chain. All methods are safe for concurrent use.
type Router struct {
	routes   RouteResolver
	picker   Picker
	health   HealthReporter
	inflight InflightTracker
	metrics  Recorder

	transport        http.RoundTripper
	maxRetries       int
	upstreamTimeout  time.Duration
	retryBufferLimit int64
	flushInterval    time.Duration

	logger Logger
}

// RouterOptions configures a Router.
type RouterOptions struct {
	Routes   RouteResolver
	Picker   Picker
	Health   HealthReporter
	Inflight InflightTracker
	Metrics  Recorder

	// MaxRetries bounds additional attempts after the first. Default: 2.
	MaxRetries int

	// UpstreamTimeout is the per-request deadline covering all attempts.
	// Default: 15 seconds.
	UpstreamTimeout time.Duration

	// RetryBufferLimit caps how large an idempotent request body may be
	// and still be buffered for replay. Default: 1 MiB.
	RetryBufferLimit int64

	// FlushInterval bounds how long streamed response bytes may sit in
	// the server's write buffer before being flushed to the client.
	// Default: 100 milliseconds.
	FlushInterval time.Duration

	// Transport overrides the upstream transport, used in tests.
	Transport http.RoundTripper
}

// NewRouter creates a proxy router.
func NewRouter(opts RouterOptions) (*Router, error) {
	if opts.Routes == nil {
		return nil, fmt.Errorf("proxy: route resolver is required")
	}
	if opts.Picker == nil {
		return nil, fmt.Errorf("proxy: picker is required")
	}
	if opts.Health == nil {
		return nil, fmt.Errorf("proxy: health reporter is required")
	}
	if opts.Inflight == nil {
		return nil, fmt.Errorf("proxy: inflight tracker is required")
	}
	if opts.Metrics == nil {
		return nil, fmt.Errorf("proxy: metrics recorder is required")
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	upstreamTimeout := opts.UpstreamTimeout
	if upstreamTimeout == 0 {
		upstreamTimeout = 15 * time.Second
	}
	retryBufferLimit := opts.RetryBufferLimit
	if retryBufferLimit == 0 {
		retryBufferLimit = 1 << 20
	}
	flushInterval := opts.FlushInterval
	if flushInterval == 0 {
		flushInterval = defaultFlushInterval
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}

	return &Router{
		routes:           opts.Routes,
		picker:           opts.Picker,
		health:           opts.Health,
		inflight:         opts.Inflight,
		metrics:          opts.Metrics,
		transport:        transport,
		maxRetries:       maxRetries,
		upstreamTimeout:  upstreamTimeout,
		retryBufferLimit: retryBufferLimit,
		flushInterval:    flushInterval,
		logger:           noopLogger{},
	}, nil
}

// SetLogger sets the logger for the router.
func (rt *Router) SetLogger(logger Logger) {
	rt.logger = logger
}

// attemptResult reports how one forward attempt ended.
type attemptResult struct {
	// committed means response bytes already reached the client; no retry
	// or error page is possible past this point.
	committed bool

	// status is the upstream status relayed to the client, when committed.
	status int

	// err classifies the failure; nil means the attempt succeeded.
	err error
}

// ServeHTTP implements the request state machine: resolve, select,
// forward, and retry-or-fail.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	route, service, upstreamPath, err := rt.routes.Resolve(r.URL.Path)
	if err != nil {
		rt.metrics.Record("", "", "", metrics.OutcomeNoRoute, time.Since(start))
		writeError(w, http.StatusNotFound, errCodeNoRoute, "no route matches path")
		return
	}

	body, err := newRequestBody(r, rt.retryBufferLimit)
	if err != nil {
		rt.metrics.Record(route, service, "", metrics.OutcomeUpstreamError, time.Since(start))
		writeError(w, http.StatusBadRequest, "bad_request", "reading request body")
		return
	}
	if body.stream != nil {
		defer body.stream.Close()
	}

	// One deadline covers every attempt; internal retries are invisible to
	// the caller except as latency.
	ctx, cancel := context.WithTimeout(r.Context(), rt.upstreamTimeout)
	defer cancel()

	tried := make(map[string]struct{})
	var lastErr error

	for attempt := 0; ; attempt++ {
		inst, pickErr := rt.picker.PickExcluding(service, tried)
		if pickErr != nil {
			if errors.Is(pickErr, balancer.ErrNoInstances) && attempt == 0 {
				rt.metrics.Record(route, service, "", metrics.OutcomeUnavailable, time.Since(start))
				writeError(w, http.StatusServiceUnavailable, errCodeUnavailable,
					"no healthy instance available for service "+service)
				return
			}
			// Retry budget remained but every other instance is ineligible;
			// surface the last attempt's failure.
			rt.finishFailed(w, r, route, service, lastErr, start)
			return
		}

		if !rt.inflight.Acquire(service, inst.ID) {
			// Instance drained between pick and acquire; treat as tried.
			tried[inst.ID] = struct{}{}
			continue
		}

		result := rt.forward(ctx, w, r, inst, upstreamPath, body)
		rt.inflight.Release(service, inst.ID)

		if result.err == nil {
			rt.health.ReportOutcome(service, inst.ID, true)
			rt.metrics.Record(route, service, inst.ID, metrics.OutcomeSuccess, time.Since(start))
			return
		}

		rt.health.ReportOutcome(service, inst.ID, false)
		lastErr = result.err

		if result.committed {
			// Upstream died mid-response; the status line is already gone
			// to the client, so only record and log.
			rt.logger.Warn("upstream failed mid-response",
				"service", service,
				"instance", inst.ID,
				"error", result.err,
			)
			rt.metrics.Record(route, service, inst.ID, metrics.OutcomeUpstreamError, time.Since(start))
			return
		}

		if errors.Is(result.err, context.Canceled) {
			// Client went away; the upstream forward was cancelled with it.
			rt.metrics.Record(route, service, inst.ID, metrics.OutcomeClientClosed, time.Since(start))
			return
		}

		tried[inst.ID] = struct{}{}

		retryable := attempt < rt.maxRetries &&
			body.retriable() &&
			!errors.Is(result.err, ErrAmbiguousFailure) &&
			ctx.Err() == nil
		if !retryable {
			rt.finishFailed(w, r, route, service, result.err, start)
			return
		}

		rt.logger.Debug("retrying against a different instance",
			"service", service,
			"instance", inst.ID,
			"attempt", attempt+1,
			"error", result.err,
		)
	}
}

// forward performs one attempt against one instance.
func (rt *Router) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, inst registry.Instance, upstreamPath string, body *requestBody) attemptResult {
	upstreamURL := "http://" + inst.Addr() + upstreamPath
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	upReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, body.reader())
	if err != nil {
		return attemptResult{err: fmt.Errorf("%w: %v", ErrUpstreamConnection, err)}
	}
	upReq.ContentLength = body.contentLength

	copyEndToEndHeaders(upReq.Header, r.Header)
	setForwardingHeaders(upReq.Header, r)

	resp, err := rt.transport.RoundTrip(upReq)
	if err != nil {
		return attemptResult{err: rt.classify(ctx, r, err, body)}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		// Drain a little so the connection can be reused, then treat the
		// attempt as failed.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10)) //nolint:errcheck
		resp.Body.Close()
		if body.ambiguous() {
			return attemptResult{err: fmt.Errorf("%w: upstream status %d", ErrAmbiguousFailure, resp.StatusCode)}
		}
		return attemptResult{err: fmt.Errorf("%w: upstream status %d", ErrUpstreamConnection, resp.StatusCode)}
	}

	defer resp.Body.Close()

	copyEndToEndHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	// Stream the response as it arrives; no full buffering. Writes are
	// flushed on an interval so trickle responses are not held in the
	// server's write buffer until it fills.
	var dst io.Writer = w
	if f, ok := w.(http.Flusher); ok {
		fw := newFlushingWriter(w, f, rt.flushInterval)
		defer fw.stop()
		dst = fw
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return attemptResult{
			committed: true,
			status:    resp.StatusCode,
			err:       fmt.Errorf("%w: streaming response: %v", ErrUpstreamConnection, err),
		}
	}

	return attemptResult{committed: true, status: resp.StatusCode}
}

// classify turns a transport error into the failure taxonomy.
func (rt *Router) classify(ctx context.Context, r *http.Request, err error, body *requestBody) error {
	switch {
	case r.Context().Err() != nil && errors.Is(r.Context().Err(), context.Canceled):
		return fmt.Errorf("client closed request: %w", context.Canceled)
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		if body.ambiguous() {
			return fmt.Errorf("%w: timeout after partial send: %v", ErrAmbiguousFailure, err)
		}
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	default:
		if body.ambiguous() {
			return fmt.Errorf("%w: %v", ErrAmbiguousFailure, err)
		}
		return fmt.Errorf("%w: %v", ErrUpstreamConnection, err)
	}
}

// finishFailed writes the terminal error response and records the outcome.
func (rt *Router) finishFailed(w http.ResponseWriter, r *http.Request, route, service string, err error, start time.Time) {
	elapsed := time.Since(start)

	switch {
	case err == nil:
		// No attempt ever ran and no alternative instance existed.
		rt.metrics.Record(route, service, "", metrics.OutcomeUnavailable, elapsed)
		writeError(w, http.StatusServiceUnavailable, errCodeUnavailable,
			"no healthy instance available for service "+service)
	case errors.Is(err, ErrAmbiguousFailure):
		rt.metrics.Record(route, service, "", metrics.OutcomeAmbiguous, elapsed)
		writeError(w, http.StatusBadGateway, errCodeAmbiguousFailure,
			"upstream failed after the request was partially sent; it was not retried")
	case errors.Is(err, ErrUpstreamTimeout):
		rt.metrics.Record(route, service, "", metrics.OutcomeTimeout, elapsed)
		writeError(w, http.StatusGatewayTimeout, errCodeUpstreamTimeout,
			"upstream did not respond within the deadline")
	default:
		rt.metrics.Record(route, service, "", metrics.OutcomeUpstreamError, elapsed)
		writeError(w, http.StatusBadGateway, errCodeUpstreamError,
			"upstream request failed")
	}

	rt.logger.Warn("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"service", service,
		"error", err,
	)
}
