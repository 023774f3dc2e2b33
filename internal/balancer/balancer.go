// Package balancer selects which backend instance receives each forwarded
// request.
//
// The policy is round-robin with health-aware skip: a per-service cursor
// walks the instance list in stable order, bypassing instances the health
// tracker marks unhealthy or draining. When no healthy instance exists the
// balancer falls back to instances whose health is still unknown, so
// routing is not starved while probes warm up. Backends are assumed
// stateless per request; concurrent picks may return the same instance.
package balancer

import (
	"errors"
	"sync"

	"github.com/skygrid/gateway-core/internal/health"
	"github.com/skygrid/gateway-core/internal/registry"
)

// ErrNoInstances is returned when a service has no eligible instance.
// It is a routable failure, not a crash: callers answer 503.
var ErrNoInstances = errors.New("balancer: no eligible instances")

// InstanceLister supplies instance snapshots, implemented by the registry.
type InstanceLister interface {
	Instances(service string) []registry.Instance
}

// StateViewer supplies health lookups, implemented by the health tracker.
type StateViewer interface {
	State(service, id string) health.State
}

// Picker implements round-robin selection with health-aware skip.
//
// All methods are safe for concurrent use.
type Picker struct {
	instances InstanceLister
	states    StateViewer

	mu      sync.Mutex
	cursors map[string]int
}

// NewPicker creates a balancer over the given registry and tracker views.
func NewPicker(instances InstanceLister, states StateViewer) *Picker {
	return &Picker{
		instances: instances,
		states:    states,
		cursors:   make(map[string]int),
	}
}

// Pick selects one eligible instance for the service.
func (p *Picker) Pick(service string) (registry.Instance, error) {
	return p.PickExcluding(service, nil)
}

// PickExcluding selects one eligible instance whose ID is not in exclude.
// Retries use it to route around instances that just failed.
//
// Healthy instances are preferred in rotation order; unknown instances are
// the fallback when no healthy one remains. Unhealthy and draining
// instances are never returned.
func (p *Picker) PickExcluding(service string, exclude map[string]struct{}) (registry.Instance, error) {
	candidates := p.instances.Instances(service)
	if len(candidates) == 0 {
		return registry.Instance{}, ErrNoInstances
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.cursors[service] % len(candidates)
	fallback := -1

	for i := 0; i < len(candidates); i++ {
		idx := (start + i) % len(candidates)
		inst := candidates[idx]
		if _, skip := exclude[inst.ID]; skip {
			continue
		}

		switch p.states.State(service, inst.ID) {
		case health.StateHealthy:
			p.cursors[service] = idx + 1
			return inst, nil
		case health.StateUnknown:
			if fallback < 0 {
				fallback = idx
			}
		}
	}

	if fallback >= 0 {
		p.cursors[service] = fallback + 1
		return candidates[fallback], nil
	}
	return registry.Instance{}, ErrNoInstances
}
