package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

// newMeteredEcho returns an echo instance with only the metrics middleware,
// backed by a manual reader.
func newMeteredEcho(t *testing.T) (*echo.Echo, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	e := echo.New()
	e.Use(newRequestMetrics(mp.Meter(httpInstrumentationName), zap.NewNop()).middleware())
	return e, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

// sumBy totals an int64 sum by the value of attribute key.
func sumBy(t *testing.T, data metricdata.Aggregation, key attribute.Key) map[string]int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "not an int64 sum: %T", data)
	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(key)
		out[v.Emit()] += dp.Value
	}
	return out
}

func TestRequestMetrics_RoutesAndStatusClasses(t *testing.T) {
	e, reader := newMeteredEcho(t)
	e.GET("/v1/report", func(c echo.Context) error {
		return c.String(http.StatusOK, "{}")
	})
	e.POST("/v1/operations/:id/end", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "system closed")
	})

	for _, r := range []struct{ method, target string }{
		{http.MethodGet, "/v1/report"},
		{http.MethodGet, "/v1/report"},
		{http.MethodPost, "/v1/operations/op-1/end"},
		{http.MethodPost, "/v1/operations/op-2/end"},
		{http.MethodGet, "/nope/123"},
	} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(r.method, r.target, nil))
	}

	data := collect(t, reader)
	byRoute := sumBy(t, data["forgeloop.http.requests_total"], "route")
	assert.Equal(t, int64(2), byRoute["/v1/report"])
	assert.Equal(t, int64(2), byRoute["/v1/operations/:id/end"])
	assert.NotContains(t, byRoute, "/v1/operations/op-1/end")
	assert.Equal(t, map[string]int64{"2xx": 2, "5xx": 2, "4xx": 1},
		sumBy(t, data["forgeloop.http.requests_total"], "status_class"))

	latency, ok := data["forgeloop.http.request_duration_seconds"].(metricdata.Histogram[float64])
	require.True(t, ok, "latency histogram missing")
	var count uint64
	for _, dp := range latency.DataPoints {
		count += dp.Count
		assert.Equal(t, latencyBuckets, dp.Bounds)
	}
	assert.Equal(t, uint64(5), count)

	for _, v := range sumBy(t, data["forgeloop.http.in_flight_requests"], "route") {
		assert.Zero(t, v)
	}
	assert.NotContains(t, data, "forgeloop.http.error_search_resolutions")
}

func TestRequestMetrics_SearchResolutions(t *testing.T) {
	e, reader := newMeteredEcho(t)
	e.POST("/v1/errors/search", func(c echo.Context) error {
		c.Set(resolutionKey, c.QueryParam("r"))
		return c.NoContent(http.StatusOK)
	})

	for _, r := range []string{"local", "local", "external"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/errors/search?r="+r, nil))
	}

	assert.Equal(t, map[string]int64{"local": 2, "external": 1},
		sumBy(t, collect(t, reader)["forgeloop.http.error_search_resolutions"], "resolution"))
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		200: "2xx",
		204: "2xx",
		404: "4xx",
		409: "4xx",
		503: "5xx",
		0:   "unknown",
		700: "unknown",
	}
	for code, want := range tests {
		assert.Equal(t, want, statusClass(code), code)
	}
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/v1/insights", routeLabel("/v1/insights"))
}
