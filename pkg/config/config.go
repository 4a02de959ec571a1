package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	DefaultGetTraceRateLimit    = 1  // 50 https://cloud.google.com/trace/docs/quotas
	DefaultListTracesRateLimit  = 1  // 12 https://cloud.google.com/trace/docs/quotas
	DefaultPatchTracesRateLimit = 10 // 4800 https://cloud.google.com/trace/docs/quotas
	DefaultTracePageSize        = 1
	DefaultListWindow           = time.Minute
	DefaultOTLPEndpoint         = "localhost:4317"
	DefaultListenAddr           = ":8080"
)

const (
	ExporterCloudTrace = "cloudtrace"
	ExporterOTLP       = "otlp"
	ExporterBoth       = "both"
	ExporterNone       = "none"
)

// ErrMissingProjectID is returned when Cloud Trace is used without PROJECT_ID.
var ErrMissingProjectID = errors.New("variable PROJECT_ID is not set. It is mandatory when Cloud Trace is used")

type Config struct {
	ProjectID            string        `envconfig:"PROJECT_ID"`
	GetTraceRateLimit    int           `envconfig:"GET_TRACE_RATE_LIMIT" default:"1"`
	ListTracesRateLimit  int           `envconfig:"LIST_TRACES_RATE_LIMIT" default:"1"`
	PatchTracesRateLimit int           `envconfig:"PATCH_TRACES_RATE_LIMIT" default:"10"`
	TracePageSize        int32         `envconfig:"TRACE_PAGE_SIZE" default:"1"`
	ListWindow           time.Duration `envconfig:"LIST_TRACES_WINDOW" default:"1m"`

	Exporter     string `envconfig:"TRACE_EXPORTER" default:"cloudtrace"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`

	Sampler SamplerConfig
	Server  ServerConfig
	Logging LogConfig
}

// SamplerConfig selects the sampling policy. Rate is a probability for
// "probability" and traces per second for "rate_limited".
type SamplerConfig struct {
	Type string  `envconfig:"TRACE_SAMPLER" default:"always_on"`
	Rate float64 `envconfig:"TRACE_SAMPLER_RATE" default:"1"`
}

type ServerConfig struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
}

type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// GetConfig loads the configuration from the environment.
func GetConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ExportsToCloudTrace reports whether TRACE_EXPORTER sends traces to Cloud Trace.
func (c *Config) ExportsToCloudTrace() bool {
	return c.Exporter == ExporterCloudTrace || c.Exporter == ExporterBoth
}

// Validate checks values envconfig cannot. PROJECT_ID is only required when
// traces are exported to Cloud Trace.
func (c *Config) Validate() error {
	if c.ExportsToCloudTrace() && c.ProjectID == "" {
		return ErrMissingProjectID
	}
	switch c.Exporter {
	case ExporterCloudTrace, ExporterOTLP, ExporterBoth, ExporterNone:
	default:
		return fmt.Errorf("invalid TRACE_EXPORTER %q", c.Exporter)
	}
	for name, v := range map[string]int{
		"GET_TRACE_RATE_LIMIT":    c.GetTraceRateLimit,
		"LIST_TRACES_RATE_LIMIT":  c.ListTracesRateLimit,
		"PATCH_TRACES_RATE_LIMIT": c.PatchTracesRateLimit,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.TracePageSize <= 0 {
		return fmt.Errorf("TRACE_PAGE_SIZE must be positive, got %d", c.TracePageSize)
	}
	if c.Sampler.Rate < 0 {
		return fmt.Errorf("TRACE_SAMPLER_RATE must not be negative, got %v", c.Sampler.Rate)
	}
	return nil
}
