package propagation

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jacobsa/timeutil"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/krzko/gcp-cloud-trace-context/internal/metrics"
	"github.com/krzko/gcp-cloud-trace-context/internal/types"
	"github.com/krzko/gcp-cloud-trace-context/pkg/sampler"
	"github.com/krzko/gcp-cloud-trace-context/pkg/tracecontext"
	"github.com/krzko/gcp-cloud-trace-context/pkg/tracer"
)

// Cloud Trace well-known labels.
const (
	LabelHTTPMethod     = "/http/method"
	LabelHTTPURL        = "/http/url"
	LabelHTTPHost       = "/http/host"
	LabelHTTPStatusCode = "/http/status_code"
	LabelGRPCMethod     = "/grpc/method"
	LabelGRPCStatusCode = "/grpc/status_code"
)

// DefaultExportTimeout bounds how long a finished request waits on its export.
const DefaultExportTimeout = 2 * time.Second

// Middleware creates one tracer.Tracer per request, wraps the request in a root
// span and exports the trace when the request completes.
type Middleware struct {
	exporter tracer.Exporter
	sampler  sampler.Sampler
	logger   *zap.Logger
	metrics  *metrics.Metrics
	clock    timeutil.Clock

	exportTimeout time.Duration
}

type Option func(*Middleware)

func WithSampler(s sampler.Sampler) Option {
	return func(m *Middleware) { m.sampler = s }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Middleware) { m.logger = logger }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Middleware) { m.metrics = mt }
}

func WithClock(clock timeutil.Clock) Option {
	return func(m *Middleware) { m.clock = clock }
}

// WithExportTimeout bounds each export. Defaults to DefaultExportTimeout.
func WithExportTimeout(d time.Duration) Option {
	return func(m *Middleware) { m.exportTimeout = d }
}

// NewMiddleware returns a Middleware exporting through exporter, which may be nil.
func NewMiddleware(exporter tracer.Exporter, opts ...Option) *Middleware {
	m := &Middleware{exporter: exporter}
	for _, opt := range opts {
		opt(m)
	}
	if m.sampler == nil {
		m.sampler = sampler.AlwaysOn()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.clock == nil {
		m.clock = timeutil.RealClock()
	}
	if m.exportTimeout <= 0 {
		m.exportTimeout = DefaultExportTimeout
	}
	return m
}

// Begin creates the request tracer from an inbound context, starts the trace
// and opens a root server span.
func (m *Middleware) Begin(tc *tracecontext.TraceContext, result, name string) *tracer.Tracer {
	if result != ResultOK && result != ResultMissing {
		m.logger.Debug("ignoring bad trace context header",
			zap.String("result", result),
			zap.String("trace_id", tc.TraceID),
		)
	}

	tr := tracer.New(m.exporter,
		tracer.WithTraceContext(tc),
		tracer.WithSampler(m.sampler),
		tracer.WithLogger(m.logger),
		tracer.WithClock(m.clock),
	)
	if m.metrics != nil {
		m.metrics.RecordHeader(result)
		m.metrics.RecordDecision(tr.Enabled())
	}

	tr.StartTrace()
	tr.StartSpan(name).SetKind(types.SpanKindRPCServer)
	return tr
}

// End closes any span the handler left open, closes the root span and exports
// the trace. Errors are logged, never returned: they must not fail the request.
// The export is detached from the request's cancellation and bounded by the
// export timeout.
func (m *Middleware) End(ctx context.Context, tr *tracer.Tracer) {
	if depth := tr.Depth(); depth > 1 {
		m.logger.Warn("request finished with unclosed spans",
			zap.String("trace_id", tr.TraceContext().TraceID),
			zap.Int("unclosed", depth-1),
		)
		for tr.Depth() > 1 {
			_ = tr.EndSpan()
		}
	}

	if err := tr.EndSpan(); err != nil {
		if m.metrics != nil {
			m.metrics.SpanErrors.Inc()
		}
		m.logger.Error("failed to end root span", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.exportTimeout)
	defer cancel()
	err := tr.EndTrace(ctx)
	switch {
	case errors.Is(err, tracer.ErrExportDropped):
		m.logger.Debug("trace dropped by exporter",
			zap.String("trace_id", tr.TraceContext().TraceID),
			zap.Error(err),
		)
	case err != nil:
		m.logger.Error("failed to export trace",
			zap.String("trace_id", tr.TraceContext().TraceID),
			zap.Error(err),
		)
	}
}

// HTTP wraps a net/http handler.
func (m *Middleware) HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, result := Extract[*http.Request](HTTPAdapter{}, r)
		tr := m.Begin(tc, result, r.URL.Path)
		root := tr.CurrentSpan()
		setLabel(root, LabelHTTPMethod, r.Method)
		setLabel(root, LabelHTTPURL, r.URL.String())
		setLabel(root, LabelHTTPHost, r.Host)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			p := recover()
			code := rec.status
			if p != nil {
				code = http.StatusInternalServerError
			}
			setLabel(root, LabelHTTPStatusCode, strconv.Itoa(code))
			m.End(r.Context(), tr)
			if p != nil {
				panic(p)
			}
		}()
		next.ServeHTTP(rec, r.WithContext(NewContext(r.Context(), tr)))
	})
}

// Gin returns gin middleware. The tracer is reachable from handlers through
// FromContext(c.Request.Context()).
func (m *Middleware) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		tc, result := Extract[*gin.Context](GinAdapter{}, c)
		name := c.FullPath()
		if name == "" {
			name = c.Request.URL.Path
		}
		tr := m.Begin(tc, result, name)
		root := tr.CurrentSpan()
		setLabel(root, LabelHTTPMethod, c.Request.Method)
		setLabel(root, LabelHTTPURL, c.Request.URL.String())
		setLabel(root, LabelHTTPHost, c.Request.Host)

		c.Request = c.Request.WithContext(NewContext(c.Request.Context(), tr))
		defer func() {
			p := recover()
			code := c.Writer.Status()
			if p != nil {
				code = http.StatusInternalServerError
			}
			setLabel(root, LabelHTTPStatusCode, strconv.Itoa(code))
			m.End(c.Request.Context(), tr)
			if p != nil {
				panic(p)
			}
		}()
		c.Next()
	}
}

// UnaryServerInterceptor traces unary gRPC calls.
func (m *Middleware) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		tc, result := Extract[context.Context](GRPCAdapter{}, ctx)
		tr := m.Begin(tc, result, info.FullMethod)
		root := tr.CurrentSpan()
		setLabel(root, LabelGRPCMethod, info.FullMethod)

		defer func() {
			p := recover()
			code := status.Code(err)
			if p != nil {
				code = codes.Internal
			}
			setLabel(root, LabelGRPCStatusCode, code.String())
			m.End(ctx, tr)
			if p != nil {
				panic(p)
			}
		}()
		return handler(NewContext(ctx, tr), req)
	}
}

// UnaryClientInterceptor opens a client span around outgoing calls made with
// a traced context and forwards the trace context in metadata.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		tr := FromContext(ctx)
		if tr == nil {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		span := tr.StartSpan(method)
		span.SetKind(types.SpanKindRPCClient)
		span.SetLabel(LabelGRPCMethod, method)

		err := invoker(InjectGRPC(ctx, tr), method, req, reply, cc, opts...)

		span.SetLabel(LabelGRPCStatusCode, status.Code(err).String())
		if endErr := tr.EndSpan(); endErr != nil && err == nil {
			err = endErr
		}
		return err
	}
}

func setLabel(s *tracer.Span, key, value string) {
	if s != nil {
		s.SetLabel(key, value)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
