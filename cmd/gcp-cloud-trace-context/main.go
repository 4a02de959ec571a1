package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/krzko/gcp-cloud-trace-context/internal/logging"
	"github.com/krzko/gcp-cloud-trace-context/internal/metrics"
	"github.com/krzko/gcp-cloud-trace-context/pkg/cloudtrace"
	"github.com/krzko/gcp-cloud-trace-context/pkg/config"
	"github.com/krzko/gcp-cloud-trace-context/pkg/otel"
	"github.com/krzko/gcp-cloud-trace-context/pkg/tracer"
)

var rootCmd = &cobra.Command{
	Use:   "gcp-cloud-trace-context",
	Short: "Trace HTTP and gRPC requests into Google Cloud Trace",
	Long: `gcp-cloud-trace-context propagates the X-Cloud-Trace-Context header,
records the spans of each request and exports finished traces to Cloud Trace
and/or an OTLP collector.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(newServeCmd(), newInspectCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// environment is the state shared by the subcommands.
type environment struct {
	cfg    *config.Config
	logger *zap.Logger
}

func loadEnvironment() (*environment, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &environment{cfg: cfg, logger: logger}, nil
}

// buildExporter wires the exporters selected by TRACE_EXPORTER. The returned
// shutdown func releases them.
func buildExporter(ctx context.Context, env *environment, m *metrics.Metrics) (tracer.Exporter, func(context.Context) error, error) {
	var (
		exporters []tracer.Exporter
		closers   []func(context.Context) error
	)
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c(ctx))
		}
		return errors.Join(errs...)
	}

	mode := env.cfg.Exporter
	if mode == config.ExporterCloudTrace || mode == config.ExporterBoth {
		ct, err := cloudtrace.NewClient(ctx, env.cfg, env.logger)
		if err != nil {
			return nil, nil, err
		}
		exporters = append(exporters, m.InstrumentExporter(config.ExporterCloudTrace, ct))
		closers = append(closers, func(context.Context) error { return ct.Close() })
	}
	if mode == config.ExporterOTLP || mode == config.ExporterBoth {
		oe, err := otel.NewExporter(ctx, env.cfg.OTLPEndpoint, env.logger)
		if err != nil {
			_ = shutdown(ctx)
			return nil, nil, err
		}
		exporters = append(exporters, m.InstrumentExporter(config.ExporterOTLP, oe))
		closers = append(closers, oe.Shutdown)
	}

	if len(exporters) == 0 {
		return nil, shutdown, nil
	}
	return tracer.MultiExporter(exporters...), shutdown, nil
}

func newMetrics() *metrics.Metrics {
	return metrics.New(prometheus.DefaultRegisterer)
}
