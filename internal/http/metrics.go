package http

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/forgeloop/internal/http"

// resolutionKey is the echo context key the search handler uses to report
// where an answer came from.
const resolutionKey = "forgeloop.resolution"

// Searches can wait on external collaborators and the LLM, and a reflection
// pass on a full report, so the buckets reach two minutes.
var latencyBuckets = []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// requestMetrics records API traffic per route.
type requestMetrics struct {
	requests    metric.Int64Counter
	latency     metric.Float64Histogram
	inFlight    metric.Int64UpDownCounter
	resolutions metric.Int64Counter
}

func newRequestMetrics(meter metric.Meter, logger *zap.Logger) *requestMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &requestMetrics{}
	var err error

	if m.requests, err = meter.Int64Counter("forgeloop.http.requests_total",
		metric.WithDescription("API requests by route, method and status class"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("failed to create requests counter", zap.Error(err))
	}
	if m.latency, err = meter.Float64Histogram("forgeloop.http.request_duration_seconds",
		metric.WithDescription("API request latency by route, method and status class"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		logger.Warn("failed to create latency histogram", zap.Error(err))
	}
	if m.inFlight, err = meter.Int64UpDownCounter("forgeloop.http.in_flight_requests",
		metric.WithDescription("API requests being served"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("failed to create in-flight counter", zap.Error(err))
	}
	if m.resolutions, err = meter.Int64Counter("forgeloop.http.error_search_resolutions",
		metric.WithDescription("Answered error searches by resolution (local or external)"),
		metric.WithUnit("{search}"),
	); err != nil {
		logger.Warn("failed to create resolutions counter", zap.Error(err))
	}
	return m
}

// middleware renders handler errors before recording, so the status class
// matches what the client received.
func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			attrs := metric.WithAttributes(
				attribute.String("route", routeLabel(c.Path())),
				attribute.String("method", c.Request().Method),
				attribute.String("status_class", statusClass(c.Response().Status)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if res, ok := c.Get(resolutionKey).(string); ok && m.resolutions != nil {
				m.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("resolution", res)))
			}
			return err
		}
	}
}

// routeLabel is the registered pattern, e.g. /v1/operations/:id/end, so
// operation ids never become label values.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
