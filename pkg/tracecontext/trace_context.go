// Package tracecontext parses and formats the X-Cloud-Trace-Context propagation header.
package tracecontext

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Header is the HTTP header carrying the trace context between services.
const Header = "X-Cloud-Trace-Context"

// GRPCMetadataKey is Header as it appears in gRPC metadata.
const GRPCMetadataKey = "x-cloud-trace-context"

var headerPattern = regexp.MustCompile(`([0-9a-f]{32})(/(\d+))?(;o=(\d+))?`)

var (
	ErrMalformedHeader = errors.New("malformed trace context header")
	ErrInvalidSpanID   = errors.New("invalid span id in trace context header")
)

// Enabled is the tri-state trace option carried by the header.
type Enabled int8

const (
	EnabledUnset Enabled = iota
	EnabledTrue
	EnabledFalse
)

func (e Enabled) String() string {
	switch e {
	case EnabledTrue:
		return "true"
	case EnabledFalse:
		return "false"
	default:
		return "unset"
	}
}

// TraceContext identifies the trace and the currently active span of a request.
// TraceID is fixed once constructed; SpanID is moved by the tracer as spans are
// pushed and popped. A SpanID of 0 means no span is active.
type TraceContext struct {
	TraceID    string
	SpanID     uint64
	Enabled    Enabled
	FromHeader bool
}

// Option configures a TraceContext built by New.
type Option func(*TraceContext)

func WithTraceID(traceID string) Option {
	return func(tc *TraceContext) { tc.TraceID = traceID }
}

func WithSpanID(spanID uint64) Option {
	return func(tc *TraceContext) { tc.SpanID = spanID }
}

func WithEnabled(enabled Enabled) Option {
	return func(tc *TraceContext) { tc.Enabled = enabled }
}

// New returns an empty context with a freshly generated trace id.
func New(opts ...Option) *TraceContext {
	tc := &TraceContext{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.TraceID == "" {
		tc.TraceID = GenerateTraceID()
	}
	return tc
}

// ParseHeader parses a header of the form "<trace_id>/<span_id>;o=<options>".
// The returned context is always usable: when the header does not match, an
// empty context is returned together with ErrMalformedHeader; when only the
// span id is bad, the trace id is kept and ErrInvalidSpanID is returned.
func ParseHeader(header string) (*TraceContext, error) {
	match := headerPattern.FindStringSubmatch(header)
	if match == nil {
		return New(), fmt.Errorf("%w: %q", ErrMalformedHeader, header)
	}

	tc := &TraceContext{
		TraceID:    match[1],
		Enabled:    EnabledTrue,
		FromHeader: true,
	}

	if opts := match[5]; opts != "" {
		o, err := strconv.ParseUint(opts, 10, 64)
		if err != nil || o&1 == 0 {
			tc.Enabled = EnabledFalse
		}
	}

	if raw := match[3]; raw != "" {
		spanID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return tc, fmt.Errorf("%w: %q: %v", ErrInvalidSpanID, raw, err)
		}
		tc.SpanID = spanID
	}

	return tc, nil
}

// FromHeader is ParseHeader without the error; absent or malformed input yields
// the fallback context.
func FromHeader(header string) *TraceContext {
	tc, _ := ParseHeader(header)
	return tc
}

// String formats the context as a header value to forward downstream.
func (tc *TraceContext) String() string {
	var b strings.Builder
	b.WriteString(tc.TraceID)
	b.WriteByte('/')
	b.WriteString(strconv.FormatUint(tc.SpanID, 10))
	b.WriteString(";o=")
	if tc.Enabled == EnabledFalse {
		b.WriteByte('0')
	} else {
		b.WriteByte('1')
	}
	return b.String()
}

// GenerateTraceID returns a random 32 character lowercase hex trace id.
func GenerateTraceID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

// GenerateSpanID returns a random non-zero span id.
func GenerateSpanID() uint64 {
	for {
		if id := rand.Uint64(); id != 0 {
			return id
		}
	}
}
