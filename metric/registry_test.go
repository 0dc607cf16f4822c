package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry_CoreCollectors(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry.CoreMetrics())

	m := registry.CoreMetrics()
	m.Sessions.WithLabelValues("connected").Set(2)
	m.Reconnects.WithLabelValues("backoff").Inc()
	m.StageDuration.WithLabelValues("extraction", "success").Observe(0.2)

	names := gatheredNames(t, registry)
	assert.True(t, names["docrelay_connection_sessions"])
	assert.True(t, names["docrelay_connection_reconnects_total"])
	assert.True(t, names["docrelay_pipeline_stage_duration_seconds"])
	assert.True(t, names["docrelay_nats_connected"])
	assert.True(t, names["go_goroutines"])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects.WithLabelValues("backoff")))
}

func TestMetricsRegistry_RegisterAndUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "A test counter"})
	require.NoError(t, registry.RegisterCounter("queue", "test_counter", counter))
	counter.Inc()
	assert.True(t, gatheredNames(t, registry)["test_counter"])

	assert.True(t, registry.Unregister("queue", "test_counter"))
	assert.False(t, gatheredNames(t, registry)["test_counter"])
	assert.False(t, registry.Unregister("queue", "test_counter"))
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	g1 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "first"})
	g2 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "first"})

	require.NoError(t, registry.RegisterGauge("svc", "dup_gauge", g1))

	err := registry.RegisterGauge("svc", "dup_gauge", g2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = registry.RegisterGauge("other", "dup_gauge", g2)
	require.Error(t, err, "prometheus rejects the same fully qualified name")
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_VecRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cv_total", Help: "cv"}, []string{"k"})
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "gv", Help: "gv"}, []string{"k"})
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "hv", Help: "hv"}, []string{"k"})
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "h", Help: "h"})

	require.NoError(t, registry.RegisterCounterVec("svc", "cv_total", cv))
	require.NoError(t, registry.RegisterGaugeVec("svc", "gv", gv))
	require.NoError(t, registry.RegisterHistogramVec("svc", "hv", hv))
	require.NoError(t, registry.RegisterHistogram("svc", "h", h))
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().NATSConnected.Set(1)

	srv := NewServer(0, "", registry)
	srv.HandleFunc("/api/queue/stats", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"waiting":0}`))
	})

	h, err := srv.Handler()
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	defer ts.Close()

	body := get(t, ts.URL+"/metrics")
	assert.Contains(t, body, "docrelay_nats_connected 1")

	assert.Equal(t, "OK", get(t, ts.URL+"/health"))
	assert.Equal(t, `{"waiting":0}`, get(t, ts.URL+"/api/queue/stats"))
	assert.Equal(t, "http://localhost:9090/metrics", srv.Address())
}

func TestServer_NilRegistry(t *testing.T) {
	srv := NewServer(9999, "/metrics", nil)
	_, err := srv.Handler()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
