// Package health tracks per-instance health for the gateway's routing
// decisions.
//
// Health state comes from two signals: active probes (a background loop
// hitting each instance's liveness endpoint on a fixed interval) and
// passive outcomes reported by the proxy after real forwards. Passive
// signals let the tracker react to a failing instance faster than the
// probe cadence.
//
// An instance flips Healthy to Unhealthy after a configured number of
// consecutive failures, and back after a configured number of consecutive
// successes, so a single transient blip never evicts an instance but a
// sustained outage does within a few cycles.
//
// The hot-path lookup (State / IsHealthy) is an O(1) map read under a
// read lock and never performs I/O.
package health
