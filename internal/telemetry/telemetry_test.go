package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/floweave/floweave/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"
)

// restoreGlobals resets the process-wide OTel providers after a test so
// enabled-path tests do not leak into each other.
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	mp := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func enabledConfig(service string) config.TelemetryConfig {
	return config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  service,
		SampleRate:   0.5,
	}
}

func TestInit(t *testing.T) {
	t.Run("disabled leaves providers empty", func(t *testing.T) {
		restoreGlobals(t)

		p, err := Init(config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Nil(t, p.traces)
		assert.Nil(t, p.metrics)
		assert.NoError(t, p.Shutdown(context.Background()))
	})

	t.Run("enabled installs SDK providers globally", func(t *testing.T) {
		restoreGlobals(t)

		p, err := Init(enabledConfig("floweave-test"), zaptest.NewLogger(t))
		require.NoError(t, err)
		require.NotNil(t, p.traces)
		require.NotNil(t, p.metrics)
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			p.Shutdown(ctx)
		})

		assert.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())
		assert.IsType(t, &sdkmetric.MeterProvider{}, otel.GetMeterProvider())
	})
}

func TestProvidersShutdown(t *testing.T) {
	t.Run("nil receiver", func(t *testing.T) {
		var p *Providers
		assert.NoError(t, p.Shutdown(context.Background()))
	})

	t.Run("real providers finish within deadline", func(t *testing.T) {
		restoreGlobals(t)

		p, err := Init(enabledConfig("floweave-shutdown"), zaptest.NewLogger(t))
		require.NoError(t, err)

		// No collector is listening, so the exporter may report a
		// connection error. Shutdown still has to return by the deadline.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NotPanics(t, func() { p.Shutdown(ctx) })
	})
}

func TestModuleVersion(t *testing.T) {
	// Test binaries report "(devel)" in build info, which maps to "dev".
	assert.Equal(t, "dev", moduleVersion())
}
