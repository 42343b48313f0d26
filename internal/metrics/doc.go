// Package metrics exports scheduler process counters and gauges for
// Prometheus, fed from the event bus.
package metrics
