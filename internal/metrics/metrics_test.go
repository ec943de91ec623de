package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TicksTotal.Inc()
	m.CandlesOpened.WithLabelValues("M1").Add(3)
	m.StoreOverwrites.WithLabelValues("M1", "full").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TicksTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CandlesOpened.WithLabelValues("M1")))

	n, err := testutil.GatherAndCount(reg, "candled_store_overwrites_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A second engine in the same process gets its own registry.
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestHealthStatus_Report(t *testing.T) {
	h := NewHealthStatus()

	r, code := h.Report()
	assert.Equal(t, "healthy", r.Status)
	assert.Equal(t, http.StatusOK, code)

	h.Require(true, true, false)
	h.SetFeedConnected(true)
	r, code = h.Report()
	assert.Equal(t, "degraded", r.Status)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	h.SetRedisConnected(true)
	h.SetLastTickTime(time.Now())
	r, _ = h.Report()
	assert.Equal(t, "healthy", r.Status)
	assert.NotEmpty(t, r.TickAge)

	h.SetFeedConnected(false)
	h.SetRedisConnected(false)
	r, _ = h.Report()
	assert.Equal(t, "unhealthy", r.Status)
}

func TestHealthStatus_ServeHTTP(t *testing.T) {
	h := NewHealthStatus()
	h.Require(false, false, true)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
