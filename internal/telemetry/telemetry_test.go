package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"disabled skips checks", func(c *Config) { c.Enabled = false; c.Endpoint = "" }, ""},
		{"local insecure", func(c *Config) {}, ""},
		{"loopback ipv6", func(c *Config) { c.Endpoint = "[::1]:4317" }, ""},
		{"http scheme", func(c *Config) { c.Protocol = ProtocolHTTP; c.Endpoint = "http://127.0.0.1:4318" }, ""},
		{"remote insecure", func(c *Config) { c.Endpoint = "collector.example.com:4317" }, "insecure"},
		{"remote tls", func(c *Config) { c.Endpoint = "collector.example.com:4317"; c.Insecure = false }, ""},
		{"lookalike host", func(c *Config) { c.Endpoint = "localhost.evil.com:4317" }, "insecure"},
		{"protocol", func(c *Config) { c.Protocol = "udp" }, "protocol"},
		{"sample rate", func(c *Config) { c.SampleRate = 1.5 }, "sample_rate"},
		{"export interval", func(c *Config) { c.Metrics.ExportInterval = 0 }, "export_interval"},
		{"service name", func(c *Config) { c.ServiceName = "" }, "service_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewDisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	health := tel.Health()
	assert.False(t, health.Enabled)
	assert.True(t, health.Healthy)
	assert.False(t, health.Degraded)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NotNil(t, tel.LoggerProvider())
	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.SampleRate = -1
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.True(t, tel.Health().Degraded)
}

func TestTestTelemetryRecords(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("test").Start(ctx, "engine.advance")
	span.End()
	tt.AssertSpanExists(t, "engine.advance")
	assert.Nil(t, tt.SpanByName("missing"))

	counter, err := tt.Meter("test").Int64Counter("protocold.test.total")
	require.NoError(t, err)
	counter.Add(ctx, 2, metric.WithAttributes(attribute.String("kind", "a")))
	counter.Add(ctx, 3, metric.WithAttributes(attribute.String("kind", "b")))

	assert.Equal(t, int64(5), tt.CounterValue(t, "protocold.test.total"))
	assert.Equal(t, int64(3), tt.CounterValue(t, "protocold.test.total", attribute.String("kind", "b")))
	assert.Zero(t, tt.CounterValue(t, "protocold.absent.total"))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
