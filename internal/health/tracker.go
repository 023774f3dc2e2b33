package health

import (
	"sync"
)

// State is the health classification of one backend instance.
type State int

const (
	// StateUnknown means the instance has not been probed yet. Unknown
	// instances are tentatively eligible for traffic so routing is not
	// starved while probes warm up.
	StateUnknown State = iota

	// StateHealthy means the instance is passing probes.
	StateHealthy

	// StateUnhealthy means the instance crossed the failure threshold and
	// receives no traffic until it recovers.
	StateUnhealthy

	// StateDraining means the instance is scheduled for removal and
	// receives no new traffic.
	StateDraining
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Logger defines the logging interface used by the tracker and prober.
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

type instanceKey struct {
	service string
	id      string
}

// record holds the health bookkeeping for one instance.
type record struct {
	state        State
	consecFails  int
	consecPasses int
}

// Tracker maintains health state per registered instance.
//
// State exists only for instances the registry knows about: the registry
// notifies the tracker when instances are added, drained, and removed, so
// health records are garbage-collected together with registry entries.
//
// All methods are safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	records map[instanceKey]*record

	failureThreshold int
	successThreshold int

	logger Logger
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	// FailureThreshold is the number of consecutive failures that flip a
	// healthy instance to unhealthy. Default: 3.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes that restore
	// an unhealthy instance. Default: 2.
	SuccessThreshold int
}

// NewTracker creates a health tracker.
func NewTracker(opts TrackerOptions) *Tracker {
	failureThreshold := opts.FailureThreshold
	if failureThreshold < 1 {
		failureThreshold = 3
	}
	successThreshold := opts.SuccessThreshold
	if successThreshold < 1 {
		successThreshold = 2
	}

	return &Tracker{
		records:          make(map[instanceKey]*record),
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		logger:           noopLogger{},
	}
}

// SetLogger sets the logger for the tracker.
func (t *Tracker) SetLogger(logger Logger) {
	t.logger = logger
}

// InstanceAdded creates (or resets) the record for a new or revived
// instance. Implements the registry's health sink.
func (t *Tracker) InstanceAdded(service, id string) {
	key := instanceKey{service, id}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		t.records[key] = &record{state: StateUnknown}
		return
	}
	// A revived instance keeps its probe history only if it was not
	// draining; a drained-and-revived instance starts over as unknown.
	if rec.state == StateDraining {
		rec.state = StateUnknown
		rec.consecFails = 0
		rec.consecPasses = 0
	}
}

// InstanceDraining marks an instance draining. Implements the registry's
// health sink.
func (t *Tracker) InstanceDraining(service, id string) {
	key := instanceKey{service, id}

	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[key]; ok {
		rec.state = StateDraining
	}
}

// InstanceRemoved discards the record for a removed instance. Implements
// the registry's health sink.
func (t *Tracker) InstanceRemoved(service, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.records, instanceKey{service, id})
}

// State returns the current health state of an instance. Instances the
// tracker has never seen report StateUnknown.
func (t *Tracker) State(service, id string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if rec, ok := t.records[instanceKey{service, id}]; ok {
		return rec.state
	}
	return StateUnknown
}

// IsHealthy reports whether an instance is currently passing probes.
// It is an O(1) map read and never blocks on network I/O.
func (t *Tracker) IsHealthy(service, id string) bool {
	return t.State(service, id) == StateHealthy
}

// ReportOutcome feeds one probe result or forward outcome into the state
// machine. The proxy calls this after every forward attempt so the tracker
// reacts to real traffic failures faster than the probe interval.
func (t *Tracker) ReportOutcome(service, id string, success bool) {
	key := instanceKey{service, id}

	t.mu.Lock()
	rec, ok := t.records[key]
	if !ok || rec.state == StateDraining {
		t.mu.Unlock()
		return
	}

	var transition State = -1
	if success {
		rec.consecFails = 0
		rec.consecPasses++
		// First-ever probe result classifies an unknown instance at once.
		if rec.state == StateUnknown ||
			(rec.state == StateUnhealthy && rec.consecPasses >= t.successThreshold) {
			rec.state = StateHealthy
			rec.consecPasses = 0
			transition = StateHealthy
		}
	} else {
		rec.consecPasses = 0
		rec.consecFails++
		if rec.state == StateUnknown ||
			(rec.state == StateHealthy && rec.consecFails >= t.failureThreshold) {
			rec.state = StateUnhealthy
			rec.consecFails = 0
			transition = StateUnhealthy
		}
	}
	t.mu.Unlock()

	switch transition {
	case StateHealthy:
		t.logger.Info("instance recovered", "service", service, "instance", id)
	case StateUnhealthy:
		t.logger.Warn("instance marked unhealthy", "service", service, "instance", id)
	}
}

// Counts returns the number of instances per state for one service, for
// the operational status endpoint.
func (t *Tracker) Counts(service string) map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[string]int)
	for key, rec := range t.records {
		if key.service == service {
			counts[rec.state.String()]++
		}
	}
	return counts
}
