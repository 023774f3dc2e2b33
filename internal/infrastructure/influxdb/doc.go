// Package influxdb provides optional export of request metrics to an
// InfluxDB v2 time-series database.
//
// The client wraps the official influxdb-client-go library with
// connection management and a non-blocking write path. Each proxied
// request becomes one point tagged by service, instance, and outcome.
//
// Export is strictly best-effort. When InfluxDB is disabled or
// unreachable the gateway runs unchanged; the in-memory metrics
// collector remains the source of truth for /gateway/status.
package influxdb
