package prometheus

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marmos91/dittomtp/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Metrics register on the global registry, so each constructor may only run
// once per test binary.
func TestPrometheusMetrics(t *testing.T) {
	metrics.InitRegistry()
	require.True(t, metrics.IsEnabled())

	tm, ok := NewTransportMetrics().(*transportMetrics)
	require.True(t, ok, "enabled registry must yield the Prometheus implementation")
	pm := NewPipeMetrics().(*pipeMetrics)
	prov := NewProviderMetrics().(*providerMetrics)

	t.Run("Transport", func(t *testing.T) {
		tm.RecordCallStart("roots")
		assert.Equal(t, 1.0, testutil.ToFloat64(tm.callsInFlight.WithLabelValues("roots")))
		tm.RecordCall("roots", 5*time.Millisecond, nil)
		tm.RecordCall("roots", time.Millisecond, errors.New("stall"))
		tm.RecordCallEnd("roots")

		assert.Equal(t, 0.0, testutil.ToFloat64(tm.callsInFlight.WithLabelValues("roots")))
		assert.Equal(t, 1.0, testutil.ToFloat64(tm.callsTotal.WithLabelValues("roots", "success")))
		assert.Equal(t, 1.0, testutil.ToFloat64(tm.callsTotal.WithLabelValues("roots", "error")))
	})

	t.Run("Pipe", func(t *testing.T) {
		pm.RecordTransfer("read", 1024, time.Second, nil)
		pm.RecordTransfer("read", 0, time.Second, errors.New("gone"))
		pm.SetQueueDepth(4)
		pm.SetActiveTransfers(2)

		assert.Equal(t, 1024.0, testutil.ToFloat64(pm.bytesTotal.WithLabelValues("read")))
		assert.Equal(t, 1.0, testutil.ToFloat64(pm.transfersTotal.WithLabelValues("read", "error")))
		assert.Equal(t, 4.0, testutil.ToFloat64(pm.queueDepth))
		assert.Equal(t, 2.0, testutil.ToFloat64(pm.activeTransfers))
	})

	t.Run("Provider", func(t *testing.T) {
		prov.RecordQuery("query_roots", time.Millisecond, nil)
		prov.SetOpenDevices(3)
		prov.RecordNotification("roots")
		prov.RecordNotification("roots")
		prov.RecordSkippedDevice()

		assert.Equal(t, 3.0, testutil.ToFloat64(prov.openDevices))
		assert.Equal(t, 2.0, testutil.ToFloat64(prov.notifications.WithLabelValues("roots")))
		assert.Equal(t, 1.0, testutil.ToFloat64(prov.skippedDevices))
	})

	t.Run("Exposition", func(t *testing.T) {
		rec := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "dittomtp_transport_calls_total")
		assert.Contains(t, rec.Body.String(), "dittomtp_open_devices 3")
		assert.Contains(t, rec.Body.String(), "go_goroutines")
	})
}
