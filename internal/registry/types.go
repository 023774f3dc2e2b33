package registry

import (
	"fmt"
	"time"
)

// Instance is one running process of a logical backend service.
//
// Instances are identified by (Service, ID). The registry owns instance
// records; other components hold copies or (service, id) references only.
type Instance struct {
	// Service is the logical service name this instance belongs to
	// (e.g. "rbac", "drone").
	Service string `json:"service"`

	// ID uniquely identifies the instance within its service.
	ID string `json:"id"`

	// Address is the host or IP the instance listens on.
	Address string `json:"address"`

	// Port is the instance's listening port.
	Port int `json:"port"`

	// Tags carries free-form instance metadata from the catalog.
	Tags []string `json:"tags,omitempty"`

	// HealthCheckURL is the instance's liveness endpoint. When empty, a
	// default path on the instance address is probed.
	HealthCheckURL string `json:"health_check_url,omitempty"`

	// RegisteredAt records when the instance first entered the registry.
	RegisteredAt time.Time `json:"registered_at"`
}

// Addr returns the host:port dial address for the instance.
func (i Instance) Addr() string {
	return fmt.Sprintf("%s:%d", i.Address, i.Port)
}

// copy returns a deep copy so callers cannot mutate registry state.
func (i Instance) copy() Instance {
	out := i
	if i.Tags != nil {
		out.Tags = make([]string, len(i.Tags))
		copy(out.Tags, i.Tags)
	}
	return out
}

// origin records where an instance entry came from. Entries owned by a
// discovery source are reconciled against each poll; manually registered
// entries are left alone until explicitly deregistered.
type origin int

const (
	originManual origin = iota
	originDiscovery
)
