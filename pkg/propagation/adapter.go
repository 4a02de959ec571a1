// Package propagation moves the Cloud Trace context in and out of requests
// and wires a request-scoped tracer.Tracer into net/http, gin and gRPC.
package propagation

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/metadata"

	"github.com/krzko/gcp-cloud-trace-context/pkg/tracecontext"
	"github.com/krzko/gcp-cloud-trace-context/pkg/tracer"
)

// HeaderAdapter pulls the propagation header out of one kind of inbound request.
// It returns false when the request is nil or carries no header.
type HeaderAdapter[R any] interface {
	ExtractHeader(req R) (string, bool)
}

// HTTPAdapter reads the header from a net/http request.
type HTTPAdapter struct{}

func (HTTPAdapter) ExtractHeader(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	return nonEmpty(r.Header.Get(tracecontext.Header))
}

// GinAdapter reads the header from a gin request.
type GinAdapter struct{}

func (GinAdapter) ExtractHeader(c *gin.Context) (string, bool) {
	if c == nil || c.Request == nil {
		return "", false
	}
	return nonEmpty(c.GetHeader(tracecontext.Header))
}

// GRPCAdapter reads the header from incoming gRPC metadata.
type GRPCAdapter struct{}

func (GRPCAdapter) ExtractHeader(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	vals := md.Get(tracecontext.GRPCMetadataKey)
	if len(vals) == 0 {
		return "", false
	}
	return nonEmpty(vals[0])
}

func nonEmpty(s string) (string, bool) {
	return s, s != ""
}

// Parse results reported to metrics.
const (
	ResultOK            = "ok"
	ResultMissing       = "missing"
	ResultMalformed     = "malformed"
	ResultInvalidSpanID = "invalid_span_id"
)

// Extract builds the inbound trace context for req. It never fails: a missing
// or malformed header gives an empty context. The second value classifies the
// header for logging and metrics.
func Extract[R any](a HeaderAdapter[R], req R) (*tracecontext.TraceContext, string) {
	header, ok := a.ExtractHeader(req)
	if !ok {
		return tracecontext.New(), ResultMissing
	}
	tc, err := tracecontext.ParseHeader(header)
	switch {
	case err == nil:
		return tc, ResultOK
	case errors.Is(err, tracecontext.ErrInvalidSpanID):
		return tc, ResultInvalidSpanID
	default:
		return tc, ResultMalformed
	}
}

// HeaderValue formats the header to forward downstream from tr. The options
// bit carries tr's sampling decision.
func HeaderValue(tr *tracer.Tracer) string {
	tc := *tr.TraceContext()
	tc.Enabled = tracecontext.EnabledFalse
	if tr.Enabled() {
		tc.Enabled = tracecontext.EnabledTrue
	}
	return tc.String()
}

// Inject writes tr's trace context into outgoing HTTP headers.
func Inject(h http.Header, tr *tracer.Tracer) {
	h.Set(tracecontext.Header, HeaderValue(tr))
}

// InjectGRPC appends tr's trace context to the outgoing gRPC metadata of ctx.
func InjectGRPC(ctx context.Context, tr *tracer.Tracer) context.Context {
	return metadata.AppendToOutgoingContext(ctx, tracecontext.GRPCMetadataKey, HeaderValue(tr))
}

type tracerKey struct{}

// NewContext returns a copy of ctx carrying tr.
func NewContext(ctx context.Context, tr *tracer.Tracer) context.Context {
	return context.WithValue(ctx, tracerKey{}, tr)
}

// FromContext returns the request's tracer, or nil.
func FromContext(ctx context.Context) *tracer.Tracer {
	tr, _ := ctx.Value(tracerKey{}).(*tracer.Tracer)
	return tr
}
