package influxdb

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
)

// requestMeasurement is the measurement name for per-request latency points.
const requestMeasurement = "gateway_requests"

// WriteRequestMetric records one proxied request as a point.
//
// The write is non-blocking; points are batched and flushed in the
// background. Failures surface through the SetOnError callback.
//
// Empty tag values are replaced with "none" because InfluxDB drops
// empty tags, which would make unrouted requests unqueryable.
func (c *Client) WriteRequestMetric(route, service, instance, outcome string, latency time.Duration) {
	if !c.IsConnected() {
		return
	}

	p := influxdb2.NewPoint(
		requestMeasurement,
		map[string]string{
			"route":    orNone(route),
			"service":  orNone(service),
			"instance": orNone(instance),
			"outcome":  outcome,
		},
		map[string]interface{}{
			"latency_ms": float64(latency.Microseconds()) / 1000.0,
			"count":      1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(p)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
