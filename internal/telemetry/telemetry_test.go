package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	require.NoError(t, tel.ForceFlush(context.Background()))
	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""
	tel, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Degraded)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled skips checks", func(c *Config) { c.Endpoint = "" }, false},
		{"local insecure", func(c *Config) { c.Enabled = true }, false},
		{"loopback ip", func(c *Config) { c.Enabled = true; c.Endpoint = "127.0.0.1:4317" }, false},
		{"ipv6 loopback", func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, false},
		{"remote insecure", func(c *Config) { c.Enabled = true; c.Endpoint = "collector.example.com:4317" }, true},
		{"remote tls", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "collector.example.com:4317"
			c.Insecure = false
		}, false},
		{"missing service", func(c *Config) { c.Enabled = true; c.ServiceName = "" }, true},
		{"bad rate", func(c *Config) { c.Enabled = true; c.Sampling.Rate = 1.5 }, true},
		{"zero interval", func(c *Config) { c.Enabled = true; c.Metrics.ExportInterval = 0 }, true},
		{"zero shutdown", func(c *Config) { c.Enabled = true; c.Shutdown.Timeout = 0 }, true},
		{"unknown protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, true},
		{"local http url", func(c *Config) {
			c.Enabled = true
			c.Protocol = ProtocolHTTP
			c.Endpoint = "http://localhost:4318/v1/traces"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_HostPort(t *testing.T) {
	tests := map[string]string{
		"localhost:4317":                  "localhost:4317",
		"http://localhost:4318":           "localhost:4318",
		"https://otel.example.com/v1/x":   "otel.example.com",
		"https://otel.example.com:443/v1": "otel.example.com:443",
	}
	for in, want := range tests {
		cfg := &Config{Endpoint: in}
		assert.Equal(t, want, cfg.hostPort(), in)
	}
}

func TestHTTPExporters(t *testing.T) {
	ctx := context.Background()
	cfg := NewDefaultConfig()
	cfg.Protocol = ProtocolHTTP
	cfg.Endpoint = "http://localhost:4318"

	te, err := newTraceExporter(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, te)
	require.NoError(t, te.Shutdown(ctx))

	me, err := newMetricExporter(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, me)
	require.NoError(t, me.Shutdown(ctx))
}

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()
	res := newResource(cfg)
	var found bool
	for _, attr := range res.Attributes() {
		if string(attr.Key) == "service.name" {
			assert.Equal(t, "retourd", attr.Value.AsString())
			found = true
		}
	}
	assert.True(t, found)
}

func TestTestTelemetry_RecordsSpansAndCounters(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("test").Start(ctx, "op")
	span.End()
	assert.Equal(t, []string{"op"}, tt.SpanNames())

	c, err := tt.Meter("test").Int64Counter("ops.total", metric.WithUnit("{op}"))
	require.NoError(t, err)
	c.Add(ctx, 2)
	c.Add(ctx, 3)
	assert.EqualValues(t, 5, tt.CounterValue(t, "ops.total"))
	assert.Zero(t, tt.CounterValue(t, "missing.total"))

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, tt.Shutdown(shutdownCtx))
}
