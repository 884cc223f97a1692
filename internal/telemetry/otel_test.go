package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/modelbridge/config"
)

func TestInitTracer_None(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := InitTracer("modelbridge-test", config.TelemetryConfig{Exporter: "none"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestInitTracer_Stdout(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	shutdown, err := InitTracer("modelbridge-test", config.TelemetryConfig{Exporter: "stdout"})
	require.NoError(t, err)
	assert.NotEqual(t, before, otel.GetTracerProvider())
	assert.NoError(t, shutdown(context.Background()))
}
