package otel

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/krzko/gcp-cloud-trace-context/internal/types"
	"github.com/krzko/gcp-cloud-trace-context/pkg/tracer"
)

const (
	agentName           = "gcp-cloud-trace-context"
	instrumentationName = "gcp-cloud-trace-context/bridge"
)

// Exporter replays finished Cloud Trace traces as OpenTelemetry spans, keeping
// the original trace and span ids.
type Exporter struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
	logger   *zap.Logger
}

var _ tracer.Exporter = (*Exporter)(nil)

// NewExporter sends spans over OTLP/gRPC to collectorAddress. Addresses on port
// 443 use TLS.
func NewExporter(ctx context.Context, collectorAddress string, logger *zap.Logger) (*Exporter, error) {
	var opts []grpc.DialOption
	if strings.HasSuffix(collectorAddress, ":443") {
		creds := credentials.NewClientTLSFromCert(nil, "")
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	driver := otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(collectorAddress), otlptracegrpc.WithDialOption(opts...))
	exporter, err := otlptrace.New(ctx, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	logger.Info("Initialised OTLP exporter", zap.String("endpoint", collectorAddress))
	return newExporter(logger, sdktrace.WithBatcher(exporter)), nil
}

func newExporter(logger *zap.Logger, processor sdktrace.TracerProviderOption) *Exporter {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		attribute.String("agent.name", agentName),
	)

	tp := sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithIDGenerator(fixedIDs{}),
	)
	return &Exporter{
		provider: tp,
		tracer:   tp.Tracer(instrumentationName),
		logger:   logger,
	}
}

// Shutdown flushes buffered spans and stops the provider.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}

// Export replays t. Spans must be in creation order so that every parent is
// replayed before its children; a parent outside the trace becomes a remote parent.
func (e *Exporter) Export(ctx context.Context, t *types.Trace) error {
	traceID, err := oteltrace.TraceIDFromHex(t.TraceID)
	if err != nil {
		return fmt.Errorf("error converting TraceID %q: %w", t.TraceID, err)
	}

	// Drop any span already active in ctx so it cannot become a parent.
	base := oteltrace.ContextWithSpanContext(ctx, oteltrace.SpanContext{})
	replayed := make(map[uint64]context.Context, len(t.Spans))

	for i := range t.Spans {
		gctSpan := &t.Spans[i]

		parentCtx := base
		if gctSpan.ParentSpanID != nil {
			if pc, ok := replayed[*gctSpan.ParentSpanID]; ok {
				parentCtx = pc
			} else {
				sc := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
					TraceID:    traceID,
					SpanID:     spanID(*gctSpan.ParentSpanID),
					TraceFlags: oteltrace.FlagsSampled,
					Remote:     true,
				})
				parentCtx = oteltrace.ContextWithRemoteSpanContext(base, sc)
			}
		}
		parentCtx = context.WithValue(parentCtx, idsKey{}, ids{traceID: traceID, spanID: spanID(gctSpan.SpanID)})

		startOpts := []oteltrace.SpanStartOption{
			oteltrace.WithSpanKind(spanKind(gctSpan.Kind)),
			oteltrace.WithAttributes(spanAttributes(gctSpan)...),
		}
		if !gctSpan.StartTime.IsZero() {
			startOpts = append(startOpts, oteltrace.WithTimestamp(gctSpan.StartTime.Time()))
		}
		spanCtx, span := e.tracer.Start(parentCtx, gctSpan.Name, startOpts...)

		var endOpts []oteltrace.SpanEndOption
		if !gctSpan.EndTime.IsZero() {
			endOpts = append(endOpts, oteltrace.WithTimestamp(gctSpan.EndTime.Time()))
		}
		span.End(endOpts...)

		replayed[gctSpan.SpanID] = spanCtx
	}

	e.logger.Debug("Converted trace to OTLP",
		zap.String("trace_id", t.TraceID),
		zap.Int("spans", len(t.Spans)),
	)
	return nil
}

func spanID(id uint64) oteltrace.SpanID {
	var sid oteltrace.SpanID
	binary.BigEndian.PutUint64(sid[:], id)
	return sid
}

func spanKind(k types.SpanKind) oteltrace.SpanKind {
	switch k {
	case types.SpanKindRPCServer:
		return oteltrace.SpanKindServer
	case types.SpanKindRPCClient:
		return oteltrace.SpanKindClient
	default:
		return oteltrace.SpanKindInternal
	}
}

func spanAttributes(s *types.Span) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(s.Labels)+2)
	attrs = append(attrs, attribute.String("gct.spanId", strconv.FormatUint(s.SpanID, 10)))
	if s.ParentSpanID != nil {
		attrs = append(attrs, attribute.String("gct.parentSpanId", strconv.FormatUint(*s.ParentSpanID, 10)))
	}
	for k, v := range s.Labels {
		attrs = append(attrs, attribute.String(k, v))
	}

	if serviceName, exists := s.Labels["service.name"]; exists {
		attrs = append(attrs, semconv.ServiceNameKey.String(serviceName))
	} else if serviceName, exists := s.Labels["g.co/gae/app/module"]; exists {
		attrs = append(attrs, semconv.ServiceNameKey.String(serviceName))
	} else if serviceName, exists := s.Labels["g.co/r/generic_task/job"]; exists {
		attrs = append(attrs, semconv.ServiceNameKey.String(serviceName))
	}
	return attrs
}

type idsKey struct{}

type ids struct {
	traceID oteltrace.TraceID
	spanID  oteltrace.SpanID
}

// fixedIDs hands the SDK the ids stored in the start context so replayed spans
// keep their Cloud Trace identity. Without them it falls back to random ids.
type fixedIDs struct{}

func (fixedIDs) NewIDs(ctx context.Context) (oteltrace.TraceID, oteltrace.SpanID) {
	if v, ok := ctx.Value(idsKey{}).(ids); ok {
		return v.traceID, v.spanID
	}
	var tid oteltrace.TraceID
	_, _ = rand.Read(tid[:])
	return tid, randomSpanID()
}

func (fixedIDs) NewSpanID(ctx context.Context, _ oteltrace.TraceID) oteltrace.SpanID {
	if v, ok := ctx.Value(idsKey{}).(ids); ok {
		return v.spanID
	}
	return randomSpanID()
}

func randomSpanID() oteltrace.SpanID {
	var sid oteltrace.SpanID
	_, _ = rand.Read(sid[:])
	return sid
}
