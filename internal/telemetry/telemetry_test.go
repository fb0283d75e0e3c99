package telemetry

import (
	"context"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/forgeloop/internal/config"
	"github.com/fyrsmithlabs/forgeloop/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_Disabled(t *testing.T) {
	tel := New(context.Background(), config.Default().Telemetry, "test")
	require.NotNil(t, tel)

	assert.False(t, tel.Enabled())
	degraded, err := tel.Degraded()
	assert.False(t, degraded)
	assert.NoError(t, err)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

type recordingLogExporter struct {
	mu     sync.Mutex
	bodies []string
}

func (e *recordingLogExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.bodies = append(e.bodies, r.Body().AsString())
	}
	return nil
}

func (e *recordingLogExporter) Shutdown(context.Context) error { return nil }

func (e *recordingLogExporter) ForceFlush(context.Context) error { return nil }

func (e *recordingLogExporter) Bodies() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.bodies...)
}

func enabledTelemetry(t *testing.T, opts ...Option) *Telemetry {
	t.Helper()
	prevTP, prevMP, prevLP := otel.GetTracerProvider(), otel.GetMeterProvider(), global.GetLoggerProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
		global.SetLoggerProvider(prevLP)
	})

	cfg := config.Default().Telemetry
	cfg.Enabled = true
	tel := New(context.Background(), cfg, "test", opts...)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel
}

func TestNew_EnabledWithInjectedExporters(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	logs := &recordingLogExporter{}
	tel := enabledTelemetry(t, WithSpanExporter(exporter), WithMetricReader(reader), WithLogExporter(logs))

	assert.True(t, tel.Enabled())
	degraded, err := tel.Degraded()
	assert.False(t, degraded)
	assert.NoError(t, err)
	require.NotNil(t, tel.LoggerProvider())

	_, span := otel.Tracer("forgeloop/test").Start(context.Background(), "reflection.run_pass")
	span.End()

	// The in-memory exporter forgets its spans on shutdown, so read them after a flush.
	require.NoError(t, tel.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "reflection.run_pass", spans[0].Name)

	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_LogsReachExporterThroughZapBridge(t *testing.T) {
	logs := &recordingLogExporter{}
	tel := enabledTelemetry(t,
		WithSpanExporter(tracetest.NewInMemoryExporter()),
		WithMetricReader(sdkmetric.NewManualReader()),
		WithLogExporter(logs),
	)

	logCfg, err := logging.FromAppConfig(config.Default().Logging, tel.Enabled())
	require.NoError(t, err)
	logCfg.Output.Stderr = false
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	require.NoError(t, err)

	logger.Info(context.Background(), "reflection pass finished")
	require.NoError(t, tel.ForceFlush(context.Background()))

	assert.Contains(t, logs.Bodies(), "reflection pass finished")
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotPanics(t, func() {
		_ = tel.LoggerProvider()
		_ = tel.Enabled()
		_ = tel.ForceFlush(context.Background())
		_ = tel.Shutdown(context.Background())
	})
	degraded, err := tel.Degraded()
	assert.True(t, degraded)
	assert.Error(t, err)
}

func TestTestTelemetry_RecordsSpansAndCounters(t *testing.T) {
	tt := NewTestTelemetry(t)

	_, span := otel.Tracer("forgeloop/test").Start(context.Background(), "recorded")
	span.End()

	counter, err := otel.Meter("forgeloop/test").Int64Counter("forgeloop.test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	assert.Equal(t, []string{"recorded"}, tt.SpanNames())
	assert.NotNil(t, tt.SpanByName("recorded"))
	assert.Equal(t, int64(3), tt.CounterValue(t, "forgeloop.test.count"))
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel.example.com:4318", stripScheme("https://otel.example.com:4318"))
	assert.Equal(t, "localhost:4318", stripScheme("http://localhost:4318"))
	assert.Equal(t, "localhost:4317", stripScheme("localhost:4317"))
}
