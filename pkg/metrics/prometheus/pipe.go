package prometheus

import (
	"time"

	"github.com/marmos91/dittomtp/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// pipeMetrics is the Prometheus implementation of metrics.PipeMetrics.
type pipeMetrics struct {
	transfersTotal   *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
	bytesTotal       *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	activeTransfers  prometheus.Gauge
}

// NewPipeMetrics creates a new Prometheus-backed PipeMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled.
func NewPipeMetrics() metrics.PipeMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopPipeMetrics()
	}

	reg := metrics.GetRegistry()

	return &pipeMetrics{
		transfersTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittomtp_pipe_transfers_total",
				Help: "Total number of background content transfers by kind and status",
			},
			[]string{"kind", "status"},
		),
		transferDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittomtp_pipe_transfer_duration_seconds",
				Help: "Duration of background content transfers in seconds",
				Buckets: []float64{
					0.01, // 10ms
					0.1,  // 100ms
					1,    // 1s
					10,   // 10s
					60,   // 1m
				},
			},
			[]string{"kind"},
		),
		bytesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittomtp_pipe_bytes_total",
				Help: "Total bytes moved through content pipes",
			},
			[]string{"kind"},
		),
		queueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittomtp_pipe_queue_depth",
				Help: "Number of transfers waiting for a worker",
			},
		),
		activeTransfers: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittomtp_pipe_active_transfers",
				Help: "Number of transfers being executed",
			},
		),
	}
}

func (m *pipeMetrics) RecordTransfer(kind string, bytes int64, duration time.Duration, err error) {
	m.transfersTotal.WithLabelValues(kind, metrics.Status(err)).Inc()
	m.transferDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if bytes > 0 {
		m.bytesTotal.WithLabelValues(kind).Add(float64(bytes))
	}
}

func (m *pipeMetrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *pipeMetrics) SetActiveTransfers(n int) {
	m.activeTransfers.Set(float64(n))
}
