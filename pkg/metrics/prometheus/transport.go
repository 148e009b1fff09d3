// Package prometheus provides the Prometheus-backed implementations of the
// metrics interfaces in pkg/metrics.
package prometheus

import (
	"time"

	"github.com/marmos91/dittomtp/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// transportMetrics is the Prometheus implementation of metrics.TransportMetrics.
type transportMetrics struct {
	callsTotal    *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	callsInFlight *prometheus.GaugeVec
	throttleWait  prometheus.Histogram
}

// NewTransportMetrics creates a new Prometheus-backed TransportMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewTransportMetrics() metrics.TransportMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopTransportMetrics()
	}

	reg := metrics.GetRegistry()

	return &transportMetrics{
		callsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittomtp_transport_calls_total",
				Help: "Total number of device transport calls by operation and status",
			},
			[]string{"operation", "status"},
		),
		callDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittomtp_transport_call_duration_milliseconds",
				Help: "Duration of device transport calls in milliseconds",
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
		callsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittomtp_transport_calls_in_flight",
				Help: "Current number of device transport calls being executed",
			},
			[]string{"operation"},
		),
		throttleWait: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dittomtp_transport_throttle_wait_milliseconds",
				Help:    "Time spent waiting on the per-device rate limiter",
				Buckets: []float64{1, 10, 100, 1000},
			},
		),
	}
}

func (m *transportMetrics) RecordCall(op string, duration time.Duration, err error) {
	m.callsTotal.WithLabelValues(op, metrics.Status(err)).Inc()
	m.callDuration.WithLabelValues(op).Observe(float64(duration.Microseconds()) / 1000)
}

func (m *transportMetrics) RecordCallStart(op string) {
	m.callsInFlight.WithLabelValues(op).Inc()
}

func (m *transportMetrics) RecordCallEnd(op string) {
	m.callsInFlight.WithLabelValues(op).Dec()
}

func (m *transportMetrics) RecordThrottle(duration time.Duration) {
	m.throttleWait.Observe(float64(duration.Microseconds()) / 1000)
}
