// Package metrics provides the single prometheus registry a node
// wires every subsystem's private collectors into, following the
// teacher's top-level metrics.Metrics wrapper (metrics/metrics.go).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics owns the registry a node hands to every subsystem
// constructor (store.Open, statistics.New, ...) so their collectors
// share one /metrics endpoint.
type Metrics struct {
	Registry *prometheus.Registry
}

// New creates an empty registry.
func New() *Metrics {
	return &Metrics{Registry: prometheus.NewRegistry()}
}

// Register registers collector, surfacing AlreadyRegisteredError the
// same way every subsystem's own newMetrics does.
func (m *Metrics) Register(collector prometheus.Collector) error {
	return m.Registry.Register(collector)
}

// Gatherer exposes the registry for wiring into an HTTP handler
// (promhttp.HandlerFor), kept as a narrow interface so cmd/ doesn't
// need to import this package just to serve /metrics.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.Registry
}
