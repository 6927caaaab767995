package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := NewHTTPMetrics(mp.Meter(httpInstrumentationName), zap.NewNop())

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/v1/protocols/:kind/:session", func(c echo.Context) error {
		return c.String(http.StatusOK, "state")
	})
	e.POST("/v1/protocols/:kind/:session/advance", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "wrong phase")
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/v1/protocols/plain/s1"},
		{http.MethodGet, "/v1/protocols/plain/s2"},
		{http.MethodPost, "/v1/protocols/plain/s1/advance"},
	} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(r.method, r.path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
			switch m.Name {
			case "protocold.http.requests_total":
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				byStatus := map[int64]int64{}
				for _, dp := range sum.DataPoints {
					endpoint, _ := dp.Attributes.Value("endpoint")
					assert.NotContains(t, endpoint.AsString(), "s1", "path parameters are not labels")
					status, _ := dp.Attributes.Value("status")
					byStatus[status.AsInt64()] += dp.Value
				}
				assert.Equal(t, int64(2), byStatus[http.StatusOK])
				assert.Equal(t, int64(1), byStatus[http.StatusConflict], "errors are recorded with their rendered status")
			case "protocold.http.request_duration_seconds":
				hist, ok := m.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				var total uint64
				for _, dp := range hist.DataPoints {
					total += dp.Count
				}
				assert.Equal(t, uint64(3), total)
			}
		}
	}
	assert.True(t, found["protocold.http.requests_total"])
	assert.True(t, found["protocold.http.request_duration_seconds"])
	assert.True(t, found["protocold.http.response_size_bytes"])
	assert.True(t, found["protocold.http.active_requests"])
}

func TestRouteOfUnmatched(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/nowhere", nil), httptest.NewRecorder())
	assert.Equal(t, "unmatched", routeOf(c))
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "2xx", statusLabel(http.StatusCreated))
	assert.Equal(t, "3xx", statusLabel(http.StatusNotModified))
	assert.Equal(t, "4xx", statusLabel(http.StatusPreconditionFailed))
	assert.Equal(t, "5xx", statusLabel(http.StatusInternalServerError))
}
