// Package metrics defines the metric interfaces recorded by DittoMTP
// components, their no-op implementations, and the registry and HTTP
// server that expose the Prometheus-backed ones.
//
// Collection is off until InitRegistry is called. Components built before
// that, or built with nil metrics, record into no-ops.
//
//	metrics.InitRegistry()
//	mgr := manager.New(transport, manager.Options{
//	    Metrics: prometheus.NewTransportMetrics(),
//	})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// registry is written once by InitRegistry and read afterwards.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the registry every DittoMTP collector registers
// with. The Go runtime and process collectors are added to it so that the
// metrics endpoint also reports memory, goroutines and file descriptors.
//
// Calls after the first are ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry = reg
	})
}

// GetRegistry returns the registry, or nil while metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
