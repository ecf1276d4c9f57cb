package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
	assert.IsType(t, propagation.TraceContext{}, otel.GetTextMapPropagator())
}

func TestInitInstallsProviders(t *testing.T) {
	ctx := context.Background()
	shutdown, err := Init(ctx, Config{OTLPEndpoint: "127.0.0.1:4317", ServiceName: "readingroom-test"})
	require.NoError(t, err)

	tracer := otel.Tracer("telemetry-test")
	_, span := tracer.Start(ctx, "sample")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_ = shutdown(cancelled)
}
