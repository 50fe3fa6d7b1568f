package runtime

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/loqalabs/loqa-interview/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTraceExporterSelection(t *testing.T) {
	ctx := context.Background()

	exp, err := newTraceExporter(ctx, config.TelemetryConfig{TraceExporter: "none"})
	require.NoError(t, err)
	assert.Nil(t, exp)

	_, err = newTraceExporter(ctx, config.TelemetryConfig{TraceExporter: "zipkin"})
	assert.Error(t, err)
}

func TestStdoutSpansStayOffTheLogStream(t *testing.T) {
	var spans bytes.Buffer
	prev := traceWriter
	traceWriter = &spans
	t.Cleanup(func() { traceWriter = prev })

	exp, err := newTraceExporter(context.Background(), config.TelemetryConfig{TraceExporter: "stdout"})
	require.NoError(t, err)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	_, span := tp.Tracer("test").Start(context.Background(), "pipeline.ingestion")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, spans.String(), "pipeline.ingestion")
	assert.NotContains(t, spans.String(), "\n  ", "spans are written compact, one per line")
}

func TestMetricsHandlerServesInstruments(t *testing.T) {
	cfg := config.Default()
	shutdown, handler, err := setupTelemetry(cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	require.NotNil(t, handler)

	counter, err := otel.Meter("github.com/loqalabs/loqa-interview/runtime").Int64Counter("interview.test.events")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "interview_test_events")
	assert.Contains(t, body, "go_goroutines")
}
