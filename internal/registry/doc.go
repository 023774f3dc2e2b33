// Package registry tracks the fleet of backend service instances the
// gateway can route to, and maps inbound request paths onto logical
// services.
//
// The registry is the single owner of instance records. Instances arrive
// from discovery sources (etcd catalog, static configuration) polled on an
// interval, or from explicit Register calls. Deregistration marks an
// instance draining: it receives no new traffic, finishes in-flight
// requests, and is removed once drained or after a grace period.
//
// Discovery failures never fail requests: when a source is unreachable the
// registry keeps serving its last-known snapshot and logs a degraded-mode
// warning.
//
// Thread Safety: all public methods are safe for concurrent use. Reads
// return copied snapshots, never live references into the instance table.
package registry
