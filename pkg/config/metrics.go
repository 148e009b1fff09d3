package config

import (
	"github.com/marmos91/dittomtp/pkg/metrics"
	promMetrics "github.com/marmos91/dittomtp/pkg/metrics/prometheus"
)

// MetricsResult holds the collectors handed to the transport manager, the
// pipe and the provider, plus the server exposing them.
type MetricsResult struct {
	// Server serves /metrics. Nil when metrics are disabled.
	Server *metrics.Server

	// TransportMetrics records device round trips and throttling.
	TransportMetrics metrics.TransportMetrics

	// PipeMetrics records content transfers and the worker queue.
	PipeMetrics metrics.PipeMetrics

	// ProviderMetrics records document queries, open devices and
	// notifications.
	ProviderMetrics metrics.ProviderMetrics
}

// InitializeMetrics builds the collectors selected by cfg.Server.Metrics.
//
// With metrics disabled every collector is a no-op and Server is nil. With
// metrics enabled the global registry is initialized, the collectors are
// registered on it, and a server is created on the configured port (it is
// started by the server lifecycle, not here).
//
// The Prometheus collectors register globally, so enabling metrics twice
// in one process panics.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			TransportMetrics: metrics.NewNoopTransportMetrics(),
			PipeMetrics:      metrics.NewNoopPipeMetrics(),
			ProviderMetrics:  metrics.NewNoopProviderMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port:            cfg.Server.Metrics.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	return &MetricsResult{
		Server:           server,
		TransportMetrics: promMetrics.NewTransportMetrics(),
		PipeMetrics:      promMetrics.NewPipeMetrics(),
		ProviderMetrics:  promMetrics.NewProviderMetrics(),
	}
}
