package prometheus

import (
	"time"

	"github.com/marmos91/dittomtp/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// providerMetrics is the Prometheus implementation of metrics.ProviderMetrics.
type providerMetrics struct {
	queriesTotal   *prometheus.CounterVec
	queryDuration  *prometheus.HistogramVec
	openDevices    prometheus.Gauge
	notifications  *prometheus.CounterVec
	skippedDevices prometheus.Counter
}

// NewProviderMetrics creates a new Prometheus-backed ProviderMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled.
func NewProviderMetrics() metrics.ProviderMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopProviderMetrics()
	}

	reg := metrics.GetRegistry()

	return &providerMetrics{
		queriesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittomtp_provider_queries_total",
				Help: "Total number of document API calls by operation and status",
			},
			[]string{"operation", "status"},
		),
		queryDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittomtp_provider_query_duration_milliseconds",
				Help: "Duration of document API calls in milliseconds",
				Buckets: []float64{
					1,     // 1ms
					10,    // 10ms
					100,   // 100ms
					1000,  // 1s
					10000, // 10s
				},
			},
			[]string{"operation"},
		),
		openDevices: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittomtp_open_devices",
				Help: "Number of devices with an open session",
			},
		),
		notifications: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittomtp_notifications_total",
				Help: "Total number of change notifications emitted by kind",
			},
			[]string{"kind"},
		),
		skippedDevices: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittomtp_roots_skipped_devices_total",
				Help: "Devices left out of roots queries because they failed",
			},
		),
	}
}

func (m *providerMetrics) RecordQuery(op string, duration time.Duration, err error) {
	m.queriesTotal.WithLabelValues(op, metrics.Status(err)).Inc()
	m.queryDuration.WithLabelValues(op).Observe(float64(duration.Microseconds()) / 1000)
}

func (m *providerMetrics) SetOpenDevices(n int) {
	m.openDevices.Set(float64(n))
}

func (m *providerMetrics) RecordNotification(kind string) {
	m.notifications.WithLabelValues(kind).Inc()
}

func (m *providerMetrics) RecordSkippedDevice() {
	m.skippedDevices.Inc()
}
