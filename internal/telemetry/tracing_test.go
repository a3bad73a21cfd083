package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), Config{SampleRatio: 1}, recorder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "work")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "work", ended[0].Name())
}

func TestInitTracerProviderRejectsBadRatio(t *testing.T) {
	_, err := InitTracerProvider(context.Background(), Config{SampleRatio: 2})
	require.Error(t, err)
}
