package metric

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/health"
)

func gatherFamily(t *testing.T, r *MetricsRegistry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestNewMetricsRegistry_CoreMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry.CoreMetrics())

	registry.Metrics.FramesProcessed.WithLabelValues("analyzer").Add(3)
	registry.Metrics.ForcedKills.Inc()

	mf := gatherFamily(t, registry, "vidpipe_stage_frames_total")
	require.NotNil(t, mf)
	require.Len(t, mf.GetMetric(), 1)
	assert.Equal(t, 3.0, mf.GetMetric()[0].GetCounter().GetValue())

	assert.Equal(t, 1.0, testutil.ToFloat64(registry.Metrics.ForcedKills))
	assert.NotNil(t, gatherFamily(t, registry, "go_goroutines"))
}

func TestMetricsRegistry_RegisterAndUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "test"})
	require.NoError(t, registry.Register("analyzer", "test_counter", counter))
	counter.Inc()
	assert.NotNil(t, gatherFamily(t, registry, "test_counter"))

	err := registry.Register("analyzer", "test_counter", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	assert.True(t, registry.Unregister("analyzer", "test_counter"))
	assert.False(t, registry.Unregister("analyzer", "test_counter"))
	assert.Nil(t, gatherFamily(t, registry, "test_counter"))
}

func TestMetricsRegistry_PrometheusConflict(t *testing.T) {
	registry := NewMetricsRegistry()

	a := prometheus.NewGauge(prometheus.GaugeOpts{Name: "same_name", Help: "a"})
	b := prometheus.NewGauge(prometheus.GaugeOpts{Name: "same_name", Help: "a"})

	require.NoError(t, registry.Register("source", "depth", a))
	err := registry.Register("renderer", "depth", b)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_AnyCollector(t *testing.T) {
	registry := NewMetricsRegistry()

	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "h_seconds", Help: "h"})
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cv_total", Help: "cv"}, []string{"x"})
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "gv", Help: "gv"}, []string{"x"})
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "hv_seconds", Help: "hv"}, []string{"x"})

	assert.NoError(t, registry.Register("svc", "h", h))
	assert.NoError(t, registry.Register("svc", "cv", cv))
	assert.NoError(t, registry.Register("svc", "gv", gv))
	assert.NoError(t, registry.Register("svc", "hv", hv))
}

func TestServer_Endpoints(t *testing.T) {
	registry := NewMetricsRegistry()
	monitor := health.NewMonitor()
	monitor.Healthy("source", "running")

	registry.Metrics.FramesProcessed.WithLabelValues("source").Add(7)

	srv := NewServer("", "", registry, monitor)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, families, "vidpipe_pipeline_state")
	frames := families["vidpipe_stage_frames_total"]
	require.NotNil(t, frames)
	require.Len(t, frames.GetMetric(), 1)
	assert.Equal(t, 7.0, frames.GetMetric()[0].GetCounter().GetValue())

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var status health.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, status.Healthy())

	monitor.Unhealthy("analyzer", "stage-crash")
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "/metrics", NewMetricsRegistry(), nil)
	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start())

	resp, err := http.Get(srv.Address())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(time.Second))
	require.NoError(t, srv.Stop(time.Second))
}
