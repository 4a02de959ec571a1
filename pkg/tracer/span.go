package tracer

import (
	"maps"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/krzko/gcp-cloud-trace-context/internal/types"
	"github.com/krzko/gcp-cloud-trace-context/pkg/tracecontext"
)

// DefaultSpanName is used when a span is created without a name.
const DefaultSpanName = "span"

// SpanHandle is what the tracer hands out for a span. When tracing is disabled
// it is a no-op value that absorbs every call.
type SpanHandle interface {
	Name() string
	SpanID() uint64
	ParentSpanID() uint64
	SetKind(kind types.SpanKind)
	SetLabel(key, value string)
	Start()
	Finish()
}

// Span is a named, timed operation inside a Trace. ParentSpanID is 0 for a
// span with no parent.
type Span struct {
	name         string
	spanID       uint64
	parentSpanID uint64
	kind         types.SpanKind
	labels       map[string]string
	startTime    time.Time
	endTime      time.Time
	clock        timeutil.Clock
}

var _ SpanHandle = (*Span)(nil)

func newSpan(name string, parentSpanID uint64, clock timeutil.Clock) *Span {
	if name == "" {
		name = DefaultSpanName
	}
	return &Span{
		name:         name,
		spanID:       tracecontext.GenerateSpanID(),
		parentSpanID: parentSpanID,
		kind:         types.SpanKindUnspecified,
		clock:        clock,
	}
}

func (s *Span) Name() string         { return s.name }
func (s *Span) SpanID() uint64       { return s.spanID }
func (s *Span) ParentSpanID() uint64 { return s.parentSpanID }
func (s *Span) Kind() types.SpanKind { return s.kind }
func (s *Span) StartTime() time.Time { return s.startTime }
func (s *Span) EndTime() time.Time   { return s.endTime }

func (s *Span) SetKind(kind types.SpanKind) {
	s.kind = kind
}

func (s *Span) SetLabel(key, value string) {
	if s.labels == nil {
		s.labels = make(map[string]string)
	}
	s.labels[key] = value
}

// Labels returns a copy of the span labels.
func (s *Span) Labels() map[string]string {
	return maps.Clone(s.labels)
}

// Start records the start time.
func (s *Span) Start() {
	s.startTime = s.clock.Now()
}

// Finish records the end time.
func (s *Span) Finish() {
	s.endTime = s.clock.Now()
}

// Finished reports whether Finish has been called.
func (s *Span) Finished() bool {
	return !s.endTime.IsZero()
}

func (s *Span) snapshot() types.Span {
	out := types.Span{
		SpanID:    s.spanID,
		Name:      s.name,
		Kind:      s.kind,
		StartTime: types.NewTimeStamp(s.startTime),
		EndTime:   types.NewTimeStamp(s.endTime),
		Labels:    maps.Clone(s.labels),
	}
	if s.parentSpanID != 0 {
		parent := s.parentSpanID
		out.ParentSpanID = &parent
	}
	return out
}

type noopSpan struct{}

func (noopSpan) Name() string               { return "" }
func (noopSpan) SpanID() uint64             { return 0 }
func (noopSpan) ParentSpanID() uint64       { return 0 }
func (noopSpan) SetKind(types.SpanKind)     {}
func (noopSpan) SetLabel(key, value string) {}
func (noopSpan) Start()                     {}
func (noopSpan) Finish()                    {}
