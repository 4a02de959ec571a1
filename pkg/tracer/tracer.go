// Package tracer records the spans of a single request.
//
// A Tracer is request scoped: it owns the request's Trace and the stack of
// in-flight spans, and it keeps the TraceContext's SpanID pointing at the top
// of that stack. Whether a request is traced is decided once, in New:
//
//   - an inbound context with Enabled == EnabledFalse disables tracing;
//   - otherwise the sampler decides.
//
// An inbound EnabledTrue does not force tracing on; it falls through to the
// sampler like EnabledUnset.
//
// When tracing is disabled every operation is a no-op and Span returns a
// placeholder SpanHandle. A Tracer is not safe for concurrent use.
package tracer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jacobsa/timeutil"
	"go.uber.org/zap"

	"github.com/krzko/gcp-cloud-trace-context/pkg/sampler"
	"github.com/krzko/gcp-cloud-trace-context/pkg/tracecontext"
)

// ErrStackUnderflow is returned by EndSpan when no span is active. It means a
// StartSpan/EndSpan mismatch in the caller.
var ErrStackUnderflow = errors.New("span stack underflow")

// Tracer tracks the trace and span stack for one request.
type Tracer struct {
	exporter     Exporter
	traceContext *tracecontext.TraceContext
	sampler      sampler.Sampler
	logger       *zap.Logger
	clock        timeutil.Clock
	enabled      bool
	rec          recorder
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithTraceContext sets the inbound trace context. Defaults to tracecontext.New().
func WithTraceContext(tc *tracecontext.TraceContext) Option {
	return func(t *Tracer) { t.traceContext = tc }
}

// WithSampler sets the sampling policy. Defaults to sampler.AlwaysOn().
func WithSampler(s sampler.Sampler) Option {
	return func(t *Tracer) { t.sampler = s }
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracer) { t.logger = logger }
}

func WithClock(clock timeutil.Clock) Option {
	return func(t *Tracer) { t.clock = clock }
}

// New creates a Tracer. exporter may be nil, in which case EndTrace only
// finishes the trace.
func New(exporter Exporter, opts ...Option) *Tracer {
	t := &Tracer{exporter: exporter}
	for _, opt := range opts {
		opt(t)
	}
	if t.traceContext == nil {
		t.traceContext = tracecontext.New()
	}
	if t.sampler == nil {
		t.sampler = sampler.AlwaysOn()
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	if t.clock == nil {
		t.clock = timeutil.RealClock()
	}

	t.enabled = t.decideEnabled()
	if t.enabled {
		t.rec = &activeRecorder{
			tracer: t,
			cur:    newTrace(t.traceContext.TraceID, t.clock),
		}
	} else {
		t.rec = noopRecorder{}
	}

	t.logger.Debug("tracer created",
		zap.String("trace_id", t.traceContext.TraceID),
		zap.Stringer("context_enabled", t.traceContext.Enabled),
		zap.Bool("enabled", t.enabled),
	)
	return t
}

func (t *Tracer) decideEnabled() bool {
	if t.traceContext.Enabled == tracecontext.EnabledFalse {
		return false
	}
	return t.sampler.ShouldSample()
}

// Enabled reports the decision made in New.
func (t *Tracer) Enabled() bool { return t.enabled }

// TraceContext returns the live context; its SpanID follows the span stack.
func (t *Tracer) TraceContext() *tracecontext.TraceContext { return t.traceContext }

// CurrentTrace returns the request's trace, or nil when tracing is disabled.
func (t *Tracer) CurrentTrace() *Trace { return t.rec.trace() }

// CurrentSpan returns the span on top of the stack, or nil.
func (t *Tracer) CurrentSpan() *Span { return t.rec.top() }

// Depth is the number of in-flight spans.
func (t *Tracer) Depth() int { return t.rec.depth() }

// StartTrace records the start of the trace.
func (t *Tracer) StartTrace() { t.rec.startTrace() }

// EndTrace records the end of the trace and exports it. The span stack is left
// as is.
func (t *Tracer) EndTrace(ctx context.Context) error { return t.rec.endTrace(ctx) }

// Span creates a child of the current span, pushes it and makes it current.
// The span is not started.
func (t *Tracer) Span(name string) SpanHandle { return t.rec.span(name) }

// StartSpan is Span followed by Start.
func (t *Tracer) StartSpan(name string) SpanHandle { return t.rec.startSpan(name) }

// EndSpan pops and finishes the current span, making its parent current.
func (t *Tracer) EndSpan() error { return t.rec.endSpan() }

type recorder interface {
	startTrace()
	endTrace(ctx context.Context) error
	span(name string) SpanHandle
	startSpan(name string) SpanHandle
	endSpan() error
	trace() *Trace
	top() *Span
	depth() int
}

type noopRecorder struct{}

func (noopRecorder) startTrace()                    {}
func (noopRecorder) endTrace(context.Context) error { return nil }
func (noopRecorder) span(string) SpanHandle         { return noopSpan{} }
func (noopRecorder) startSpan(string) SpanHandle    { return noopSpan{} }
func (noopRecorder) endSpan() error                 { return nil }
func (noopRecorder) trace() *Trace                  { return nil }
func (noopRecorder) top() *Span                     { return nil }
func (noopRecorder) depth() int                     { return 0 }

type activeRecorder struct {
	tracer *Tracer
	cur    *Trace
	stack  []*Span
}

func (r *activeRecorder) startTrace() {
	r.cur.Start()
}

func (r *activeRecorder) endTrace(ctx context.Context) error {
	r.cur.Finish()

	t := r.tracer
	if t.exporter == nil {
		return nil
	}
	if err := t.exporter.Export(ctx, r.cur.Snapshot()); err != nil {
		return fmt.Errorf("failed to export trace %s: %w", r.cur.TraceID(), err)
	}
	t.logger.Debug("trace exported",
		zap.String("trace_id", r.cur.TraceID()),
		zap.Int("spans", len(r.cur.spans)),
	)
	return nil
}

func (r *activeRecorder) span(name string) SpanHandle {
	return r.push(name)
}

func (r *activeRecorder) push(name string) *Span {
	tc := r.tracer.traceContext
	s := newSpan(name, tc.SpanID, r.tracer.clock)
	r.cur.append(s)
	r.stack = append(r.stack, s)
	tc.SpanID = s.SpanID()

	r.tracer.logger.Debug("span pushed",
		zap.String("trace_id", tc.TraceID),
		zap.String("span", s.Name()),
		zap.Uint64("span_id", s.SpanID()),
		zap.Uint64("parent_span_id", s.ParentSpanID()),
		zap.Int("depth", len(r.stack)),
	)
	return s
}

func (r *activeRecorder) startSpan(name string) SpanHandle {
	s := r.push(name)
	s.Start()
	return s
}

func (r *activeRecorder) endSpan() error {
	tc := r.tracer.traceContext
	if len(r.stack) == 0 {
		r.tracer.logger.Warn("end span called with no active span",
			zap.String("trace_id", tc.TraceID),
		)
		return fmt.Errorf("end span in trace %s: %w", tc.TraceID, ErrStackUnderflow)
	}

	last := len(r.stack) - 1
	s := r.stack[last]
	r.stack[last] = nil
	r.stack = r.stack[:last]
	s.Finish()

	if top := r.top(); top != nil {
		tc.SpanID = top.SpanID()
	} else {
		tc.SpanID = 0
	}

	r.tracer.logger.Debug("span popped",
		zap.String("trace_id", tc.TraceID),
		zap.String("span", s.Name()),
		zap.Uint64("span_id", s.SpanID()),
		zap.Int("depth", len(r.stack)),
	)
	return nil
}

func (r *activeRecorder) trace() *Trace { return r.cur }

func (r *activeRecorder) top() *Span {
	if len(r.stack) == 0 {
		return nil
	}
	return r.stack[len(r.stack)-1]
}

func (r *activeRecorder) depth() int { return len(r.stack) }
