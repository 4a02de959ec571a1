package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetConfigDefaults(t *testing.T) {
	t.Setenv("PROJECT_ID", "my-project")

	cfg, err := GetConfig()
	require.NoError(t, err)

	assert.Equal(t, "my-project", cfg.ProjectID)
	assert.Equal(t, DefaultGetTraceRateLimit, cfg.GetTraceRateLimit)
	assert.Equal(t, DefaultListTracesRateLimit, cfg.ListTracesRateLimit)
	assert.Equal(t, DefaultPatchTracesRateLimit, cfg.PatchTracesRateLimit)
	assert.Equal(t, int32(DefaultTracePageSize), cfg.TracePageSize)
	assert.Equal(t, DefaultListWindow, cfg.ListWindow)
	assert.Equal(t, ExporterCloudTrace, cfg.Exporter)
	assert.Equal(t, DefaultOTLPEndpoint, cfg.OTLPEndpoint)
	assert.Equal(t, "always_on", cfg.Sampler.Type)
	assert.Equal(t, 1.0, cfg.Sampler.Rate)
	assert.Equal(t, DefaultListenAddr, cfg.Server.ListenAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)
}

func TestGetConfigOverrides(t *testing.T) {
	t.Setenv("PROJECT_ID", "other")
	t.Setenv("PATCH_TRACES_RATE_LIMIT", "25")
	t.Setenv("LIST_TRACES_WINDOW", "30s")
	t.Setenv("TRACE_EXPORTER", "otlp")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:443")
	t.Setenv("TRACE_SAMPLER", "probability")
	t.Setenv("TRACE_SAMPLER_RATE", "0.25")
	t.Setenv("LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_DEV", "true")

	cfg, err := GetConfig()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.PatchTracesRateLimit)
	assert.Equal(t, 30*time.Second, cfg.ListWindow)
	assert.Equal(t, ExporterOTLP, cfg.Exporter)
	assert.Equal(t, "collector:443", cfg.OTLPEndpoint)
	assert.Equal(t, "probability", cfg.Sampler.Type)
	assert.Equal(t, 0.25, cfg.Sampler.Rate)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
}

func TestGetConfigProjectIDRequirement(t *testing.T) {
	tests := []struct {
		exporter string
		wantErr  bool
	}{
		{exporter: ExporterCloudTrace, wantErr: true},
		{exporter: ExporterBoth, wantErr: true},
		{exporter: ExporterOTLP, wantErr: false},
		{exporter: ExporterNone, wantErr: false},
	}
	for _, tt := range tests {
		t.Run(tt.exporter, func(t *testing.T) {
			t.Setenv("PROJECT_ID", "")
			t.Setenv("TRACE_EXPORTER", tt.exporter)

			cfg, err := GetConfig()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMissingProjectID)
				return
			}
			require.NoError(t, err)
			assert.Empty(t, cfg.ProjectID)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ProjectID:            "p",
			GetTraceRateLimit:    1,
			ListTracesRateLimit:  1,
			PatchTracesRateLimit: 1,
			TracePageSize:        1,
			Exporter:             ExporterNone,
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown exporter", mutate: func(c *Config) { c.Exporter = "zipkin" }},
		{name: "zero rate limit", mutate: func(c *Config) { c.PatchTracesRateLimit = 0 }},
		{name: "zero page size", mutate: func(c *Config) { c.TracePageSize = 0 }},
		{name: "negative sampler rate", mutate: func(c *Config) { c.Sampler.Rate = -1 }},
		{name: "empty project with cloudtrace", mutate: func(c *Config) {
			c.ProjectID = ""
			c.Exporter = ExporterCloudTrace
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
