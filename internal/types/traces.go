package types

import "time"

// TimeStamp is a protobuf-style instant, as Cloud Trace stores it.
type TimeStamp struct {
	Seconds int64
	Nanos   int64
}

// NewTimeStamp converts t. The zero time maps to the zero TimeStamp.
func NewTimeStamp(t time.Time) TimeStamp {
	if t.IsZero() {
		return TimeStamp{}
	}
	return TimeStamp{Seconds: t.Unix(), Nanos: int64(t.Nanosecond())}
}

// Time returns the instant as a time.Time.
func (ts TimeStamp) Time() time.Time {
	if ts.IsZero() {
		return time.Time{}
	}
	return time.Unix(ts.Seconds, ts.Nanos)
}

func (ts TimeStamp) IsZero() bool {
	return ts.Seconds == 0 && ts.Nanos == 0
}

// SpanKind mirrors the Cloud Trace v1 span kinds.
type SpanKind string

const (
	SpanKindUnspecified SpanKind = "SPAN_KIND_UNSPECIFIED"
	SpanKindRPCServer   SpanKind = "RPC_SERVER"
	SpanKindRPCClient   SpanKind = "RPC_CLIENT"
)

// Span is the export snapshot of a finished (or in-flight) span.
type Span struct {
	SpanID       uint64
	Name         string
	Kind         SpanKind
	StartTime    TimeStamp
	EndTime      TimeStamp
	ParentSpanID *uint64
	Labels       map[string]string
}

// Trace is the export snapshot of one request's trace. Spans are in creation order.
type Trace struct {
	ProjectID string
	TraceID   string
	Spans     []Span
}

// RootSpans returns the spans that have no parent inside this trace.
func (t *Trace) RootSpans() []*Span {
	var roots []*Span
	for i := range t.Spans {
		if t.Spans[i].ParentSpanID == nil {
			roots = append(roots, &t.Spans[i])
		}
	}
	return roots
}
