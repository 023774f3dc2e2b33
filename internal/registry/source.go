package registry

import "context"

// Source supplies instance records from a discovery backend.
//
// Implementations exist for an etcd catalog and for static configuration;
// the interface keeps the backend swappable (catalog service, static file,
// DNS-SD) without touching routing or balancing.
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// Fetch returns the current set of instances known to the source.
	Fetch(ctx context.Context) ([]Instance, error)
}

// StaticSource serves a fixed instance list from configuration.
type StaticSource struct {
	instances []Instance
}

// NewStaticSource creates a source over the given instances.
func NewStaticSource(instances []Instance) *StaticSource {
	copied := make([]Instance, len(instances))
	for i, inst := range instances {
		copied[i] = inst.copy()
	}
	return &StaticSource{instances: copied}
}

// Name implements Source.
func (s *StaticSource) Name() string { return "static" }

// Fetch implements Source. It never fails.
func (s *StaticSource) Fetch(_ context.Context) ([]Instance, error) {
	out := make([]Instance, len(s.instances))
	for i, inst := range s.instances {
		out[i] = inst.copy()
	}
	return out, nil
}
