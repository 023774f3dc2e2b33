package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// HealthSink receives instance lifecycle events so health state is created
// and destroyed together with registry entries.
type HealthSink interface {
	// InstanceAdded is called when an instance enters the registry or a
	// draining instance is revived.
	InstanceAdded(service, id string)

	// InstanceDraining is called when an instance is scheduled for removal.
	InstanceDraining(service, id string)

	// InstanceRemoved is called when an instance leaves the registry.
	InstanceRemoved(service, id string)
}

// noopHealthSink is used until a tracker is attached.
type noopHealthSink struct{}

func (noopHealthSink) InstanceAdded(string, string)    {}
func (noopHealthSink) InstanceDraining(string, string) {}
func (noopHealthSink) InstanceRemoved(string, string)  {}

// entry is the registry's internal record for one instance.
type entry struct {
	inst       Instance
	origin     origin
	draining   bool
	drainStart time.Time
	inflight   int
}

// Registry maintains the current set of known backend instances per
// logical service.
//
// All mutation goes through Register, Deregister, and the discovery sync
// loop; reads return copied snapshots so concurrent registration changes
// are never observed mid-iteration.
type Registry struct {
	mu       sync.RWMutex
	services map[string]map[string]*entry

	sources      []Source
	pollInterval time.Duration
	drainGrace   time.Duration

	health HealthSink
	logger Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Options configures a Registry.
type Options struct {
	// Sources are polled for instance records. May be empty when all
	// registration is explicit.
	Sources []Source

	// PollInterval is the discovery poll cadence. Default: 10 seconds.
	PollInterval time.Duration

	// DrainGrace bounds how long a draining instance waits for in-flight
	// requests before forced removal. Default: 30 seconds.
	DrainGrace time.Duration
}

// New creates a registry. Call Start to begin discovery polling and the
// drain sweep; attach a health tracker with SetHealthSink before Start.
func New(opts Options) *Registry {
	pollInterval := opts.PollInterval
	if pollInterval == 0 {
		pollInterval = 10 * time.Second
	}
	drainGrace := opts.DrainGrace
	if drainGrace == 0 {
		drainGrace = 30 * time.Second
	}

	return &Registry{
		services:     make(map[string]map[string]*entry),
		sources:      opts.Sources,
		pollInterval: pollInterval,
		drainGrace:   drainGrace,
		health:       noopHealthSink{},
		logger:       noopLogger{},
		done:         make(chan struct{}),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetHealthSink attaches the health tracker notified of lifecycle events.
// Must be called before Start.
func (r *Registry) SetHealthSink(sink HealthSink) {
	r.health = sink
}

// Register upserts an instance keyed by (service, id). Registering an
// instance that is already present is a no-op apart from refreshing its
// record; registering a draining instance revives it.
func (r *Registry) Register(inst Instance) error {
	if inst.Service == "" || inst.ID == "" || inst.Address == "" {
		return fmt.Errorf("%w: service, id and address are required", ErrInvalidInstance)
	}
	r.register(inst, originManual)
	return nil
}

func (r *Registry) register(inst Instance, from origin) {
	r.mu.Lock()

	byID, ok := r.services[inst.Service]
	if !ok {
		byID = make(map[string]*entry)
		r.services[inst.Service] = byID
	}

	existing, exists := byID[inst.ID]
	if exists {
		revived := existing.draining
		if inst.RegisteredAt.IsZero() {
			inst.RegisteredAt = existing.inst.RegisteredAt
		}
		existing.inst = inst.copy()
		existing.origin = from
		existing.draining = false
		existing.drainStart = time.Time{}
		r.mu.Unlock()

		if revived {
			r.logger.Info("instance revived", "service", inst.Service, "instance", inst.ID)
			r.health.InstanceAdded(inst.Service, inst.ID)
		}
		return
	}

	if inst.RegisteredAt.IsZero() {
		inst.RegisteredAt = time.Now()
	}
	byID[inst.ID] = &entry{inst: inst.copy(), origin: from}
	r.mu.Unlock()

	r.logger.Info("instance registered",
		"service", inst.Service,
		"instance", inst.ID,
		"address", inst.Addr(),
	)
	r.health.InstanceAdded(inst.Service, inst.ID)
}

// Deregister marks an instance draining. It immediately stops receiving
// new traffic; the entry is removed once in-flight requests finish or the
// drain grace period elapses. Unknown instances are ignored.
func (r *Registry) Deregister(service, id string) {
	r.mu.Lock()
	e, ok := r.lookup(service, id)
	if !ok || e.draining {
		r.mu.Unlock()
		return
	}

	e.draining = true
	e.drainStart = time.Now()
	removeNow := e.inflight == 0
	if removeNow {
		r.removeLocked(service, id)
	}
	r.mu.Unlock()

	r.logger.Info("instance draining", "service", service, "instance", id, "inflight", !removeNow)
	r.health.InstanceDraining(service, id)
	if removeNow {
		r.health.InstanceRemoved(service, id)
	}
}

// Instances returns a snapshot of the instances for a service, including
// draining entries. Callers own the returned slice.
func (r *Registry) Instances(service string) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byID := r.services[service]
	out := make([]Instance, 0, len(byID))
	for _, e := range byID {
		out = append(out, e.inst.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllInstances returns a snapshot of every registered instance across all
// services, sorted by service then instance ID.
func (r *Registry) AllInstances() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Instance
	for _, byID := range r.services {
		for _, e := range byID {
			out = append(out, e.inst.copy())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Services returns the sorted list of known logical service names.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.services))
	for name := range r.services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsDraining reports whether an instance is scheduled for removal.
// Unknown instances report false.
func (r *Registry) IsDraining(service, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.lookup(service, id)
	return ok && e.draining
}

// Acquire records the start of a forwarded request against an instance.
// It returns false when the instance is gone or draining, in which case
// the caller must pick a different instance.
func (r *Registry) Acquire(service, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.lookup(service, id)
	if !ok || e.draining {
		return false
	}
	e.inflight++
	return true
}

// Release records the completion of a forwarded request. A draining
// instance whose last in-flight request completes is removed.
func (r *Registry) Release(service, id string) {
	r.mu.Lock()
	e, ok := r.lookup(service, id)
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.inflight > 0 {
		e.inflight--
	}
	removed := e.draining && e.inflight == 0
	if removed {
		r.removeLocked(service, id)
	}
	r.mu.Unlock()

	if removed {
		r.logger.Info("drained instance removed", "service", service, "instance", id)
		r.health.InstanceRemoved(service, id)
	}
}

// Start launches the discovery poll and drain sweep loop.
// An immediate sync runs before the first tick so routing is not starved
// at startup. Call Stop to shut down.
func (r *Registry) Start(ctx context.Context) {
	r.sync(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.sync(ctx)
				r.sweepDrains(time.Now())
			case <-ctx.Done():
				return
			case <-r.done:
				return
			}
		}
	}()
}

// Stop terminates background polling and waits for it to finish.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

// sync polls every discovery source and reconciles the instance table.
//
// Upserts are applied from every source that answered. Instances owned by
// discovery that vanished from the catalog are drained, but only when all
// sources answered, so a discovery outage degrades to the last-known
// snapshot instead of mass-draining the fleet.
func (r *Registry) sync(ctx context.Context) {
	if len(r.sources) == 0 {
		return
	}

	fetched := make(map[string]map[string]struct{})
	allOK := true

	for _, src := range r.sources {
		instances, err := src.Fetch(ctx)
		if err != nil {
			allOK = false
			r.logger.Warn("discovery source unreachable, serving last-known snapshot",
				"source", src.Name(),
				"error", err,
			)
			continue
		}

		for _, inst := range instances {
			if inst.Service == "" || inst.ID == "" || inst.Address == "" {
				continue
			}
			r.register(inst, originDiscovery)
			byID, ok := fetched[inst.Service]
			if !ok {
				byID = make(map[string]struct{})
				fetched[inst.Service] = byID
			}
			byID[inst.ID] = struct{}{}
		}
	}

	if !allOK {
		return
	}

	// Drain discovery-owned entries no longer present in the catalog.
	var gone [][2]string
	r.mu.RLock()
	for service, byID := range r.services {
		for id, e := range byID {
			if e.origin != originDiscovery || e.draining {
				continue
			}
			if _, ok := fetched[service][id]; !ok {
				gone = append(gone, [2]string{service, id})
			}
		}
	}
	r.mu.RUnlock()

	for _, key := range gone {
		r.Deregister(key[0], key[1])
	}
}

// sweepDrains force-removes draining entries whose grace period elapsed.
func (r *Registry) sweepDrains(now time.Time) {
	var expired [][2]string

	r.mu.Lock()
	for service, byID := range r.services {
		for id, e := range byID {
			if e.draining && now.Sub(e.drainStart) > r.drainGrace {
				expired = append(expired, [2]string{service, id})
				r.removeLocked(service, id)
			}
		}
	}
	r.mu.Unlock()

	for _, key := range expired {
		r.logger.Warn("drain grace elapsed, instance removed",
			"service", key[0],
			"instance", key[1],
		)
		r.health.InstanceRemoved(key[0], key[1])
	}
}

// lookup finds an entry. Caller must hold r.mu.
func (r *Registry) lookup(service, id string) (*entry, bool) {
	byID, ok := r.services[service]
	if !ok {
		return nil, false
	}
	e, ok := byID[id]
	return e, ok
}

// removeLocked deletes an entry. Caller must hold r.mu for writing.
func (r *Registry) removeLocked(service, id string) {
	byID := r.services[service]
	delete(byID, id)
	if len(byID) == 0 {
		delete(r.services, service)
	}
}
