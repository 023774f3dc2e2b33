// Package ratelimit bounds request throughput per client to protect the
// backends behind the gateway.
//
// Each client key (authenticated subject or client IP) gets its own token
// bucket from golang.org/x/time/rate. Buckets are created lazily on a
// key's first request and refill lazily at check time, so there is no
// timer per key. A janitor loop evicts buckets idle longer than the
// configured TTL to bound memory under many distinct clients.
//
// Route classes override the default capacity and refill for requests
// under a path prefix, so an expensive endpoint can be throttled harder
// than the rest of the gateway. A client gets one bucket per class it
// touches.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Logger defines the logging interface used by the limiter.
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

// Class overrides the default rate for requests under a path prefix.
type Class struct {
	// Prefix is the path prefix the class covers, starting with "/".
	Prefix string

	// RatePerSecond is the steady-state refill rate per key in this class.
	RatePerSecond float64

	// Burst is the bucket capacity per key in this class.
	Burst int
}

// bucket pairs a token bucket with its last-use timestamp for eviction.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter admits or rejects requests per client key.
//
// All methods are safe for concurrent use. The map lock is held only for
// bucket lookup/creation; admission itself runs on the bucket's own
// internal lock so distinct keys do not contend.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	ratePerSecond rate.Limit
	burst         int
	classes       []Class
	idleTTL       time.Duration

	logger Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Options configures a Limiter.
type Options struct {
	// RatePerSecond is the steady-state refill rate per key.
	RatePerSecond float64

	// Burst is the bucket capacity per key.
	Burst int

	// Classes override the default rate and burst for paths under their
	// prefixes. Longest prefix wins; unmatched paths use the defaults.
	Classes []Class

	// IdleTTL is how long an unused bucket survives before eviction.
	// Default: 5 minutes.
	IdleTTL time.Duration
}

// New creates a limiter.
func New(opts Options) *Limiter {
	idleTTL := opts.IdleTTL
	if idleTTL == 0 {
		idleTTL = 5 * time.Minute
	}

	return &Limiter{
		buckets:       make(map[string]*bucket),
		ratePerSecond: rate.Limit(opts.RatePerSecond),
		burst:         opts.Burst,
		classes:       append([]Class(nil), opts.Classes...),
		idleTTL:       idleTTL,
		logger:        noopLogger{},
		done:          make(chan struct{}),
	}
}

// SetLogger sets the logger for the limiter.
func (l *Limiter) SetLogger(logger Logger) {
	l.logger = logger
}

// Allow reports whether the request for path identified by key may proceed
// now. The bucket is created on first use with the rate and burst of the
// route class covering path, or the defaults when no class matches.
func (l *Limiter) Allow(path, key string) bool {
	class := l.classFor(path)
	now := time.Now()

	l.mu.Lock()
	bucketKey := class.Prefix + "|" + key
	b, ok := l.buckets[bucketKey]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(class.RatePerSecond), class.Burst)}
		l.buckets[bucketKey] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.Allow()
}

// classFor returns the longest-prefix class covering path, falling back to
// the default rate and burst with an empty prefix.
func (l *Limiter) classFor(path string) Class {
	best := Class{RatePerSecond: float64(l.ratePerSecond), Burst: l.burst}
	bestLen := -1
	for _, c := range l.classes {
		if classPrefixMatches(path, c.Prefix) && len(c.Prefix) > bestLen {
			best = c
			bestLen = len(c.Prefix)
		}
	}
	return best
}

// classPrefixMatches reports whether path falls under prefix on a path
// segment boundary.
func classPrefixMatches(path, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// Start launches the idle-bucket janitor. Call Stop to shut down.
func (l *Limiter) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(l.idleTTL)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				l.evictIdle(time.Now())
			case <-ctx.Done():
				return
			case <-l.done:
				return
			}
		}
	}()
}

// Stop terminates the janitor and waits for it to finish.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
}

// evictIdle removes buckets unused for longer than the idle TTL.
func (l *Limiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		l.logger.Debug("evicted idle rate-limit buckets", "count", evicted)
	}
}

// Size returns the current number of tracked keys, for the status endpoint.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
