// Package metrics exposes Prometheus counters for the tracing pipeline.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/krzko/gcp-cloud-trace-context/internal/types"
	"github.com/krzko/gcp-cloud-trace-context/pkg/tracer"
)

// Metrics holds the tracing pipeline metrics.
type Metrics struct {
	HeadersParsed    *prometheus.CounterVec
	SamplingDecision *prometheus.CounterVec
	SpanErrors       prometheus.Counter
	TracesExported   *prometheus.CounterVec
	SpansExported    *prometheus.CounterVec
	ExportDuration   *prometheus.HistogramVec
}

// New registers the metrics with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HeadersParsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudtrace_context_headers_total",
				Help: "Inbound trace context headers by parse result",
			},
			[]string{"result"},
		),
		SamplingDecision: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudtrace_context_sampling_decisions_total",
				Help: "Requests by tracing decision",
			},
			[]string{"decision"},
		),
		SpanErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloudtrace_context_span_stack_errors_total",
				Help: "EndSpan calls that found an empty span stack",
			},
		),
		TracesExported: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudtrace_context_traces_exported_total",
				Help: "Traces handed to an exporter by exporter and status",
			},
			[]string{"exporter", "status"},
		),
		SpansExported: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudtrace_context_spans_exported_total",
				Help: "Spans successfully exported by exporter",
			},
			[]string{"exporter"},
		),
		ExportDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cloudtrace_context_export_duration_seconds",
				Help:    "Trace export latency",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"exporter"},
		),
	}
}

// RecordHeader counts a header parse outcome: "ok", "missing", "malformed" or "invalid_span_id".
func (m *Metrics) RecordHeader(result string) {
	m.HeadersParsed.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDecision(enabled bool) {
	decision := "sampled"
	if !enabled {
		decision = "dropped"
	}
	m.SamplingDecision.WithLabelValues(decision).Inc()
}

// InstrumentExporter wraps exp so every export is counted and timed under name.
func (m *Metrics) InstrumentExporter(name string, exp tracer.Exporter) tracer.Exporter {
	return tracer.ExporterFunc(func(ctx context.Context, trace *types.Trace) error {
		start := time.Now()
		err := exp.Export(ctx, trace)
		m.ExportDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		switch {
		case errors.Is(err, tracer.ErrExportDropped):
			m.TracesExported.WithLabelValues(name, "dropped").Inc()
			return err
		case err != nil:
			m.TracesExported.WithLabelValues(name, "error").Inc()
			return err
		}
		m.TracesExported.WithLabelValues(name, "ok").Inc()
		m.SpansExported.WithLabelValues(name).Add(float64(len(trace.Spans)))
		return nil
	})
}
