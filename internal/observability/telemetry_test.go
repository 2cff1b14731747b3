package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, ExporterNone, cfg.Exporter)
	assert.Equal(t, "chatrelay", cfg.ServiceName)
	assert.Equal(t, 0.1, cfg.SampleRate)
	assert.Equal(t, 15*time.Second, cfg.MetricInterval)
	assert.False(t, cfg.ShouldEnable())
	assert.NoError(t, cfg.Validate())
}

func TestShouldEnableNeedsASignal(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = ExporterStdout
	assert.False(t, cfg.ShouldEnable())

	cfg.TracesEnabled = true
	assert.True(t, cfg.ShouldEnable())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown exporter", func(c *Config) { c.Exporter = "jaeger" }},
		{"negative sample rate", func(c *Config) { c.SampleRate = -0.5 }},
		{"sample rate above one", func(c *Config) { c.SampleRate = 2 }},
		{"otlp without endpoint", func(c *Config) { c.Exporter = ExporterOTLP; c.Endpoint = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())

			_, _, err := Init(context.Background(), cfg)
			assert.Error(t, err)
		})
	}
}

func TestTelemetryInitDisabled(t *testing.T) {
	tel, cleanup, err := Init(context.Background(), NewConfig())
	require.NoError(t, err)
	require.NotNil(t, cleanup)
	defer cleanup()

	assert.Nil(t, tel.Metrics())
	assert.NotNil(t, tel.TracerProvider())
	assert.NotNil(t, tel.MeterProvider())

	// Recording against disabled telemetry is a no-op.
	tel.ConnOpened(context.Background())
}

func TestTelemetryInitStdout(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = ExporterStdout
	cfg.MetricsEnabled = true
	cfg.TracesEnabled = true

	tel, cleanup, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tel)
	defer cleanup()

	assert.NotNil(t, tel.TracerProvider())
	assert.NotNil(t, tel.MeterProvider())
	assert.NotNil(t, tel.Metrics())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, tel.Shutdown(ctx))
	// A second shutdown returns the first result.
	assert.NoError(t, tel.Shutdown(ctx))
}
