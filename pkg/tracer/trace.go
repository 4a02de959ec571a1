package tracer

import (
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/krzko/gcp-cloud-trace-context/internal/types"
)

// Trace is the ordered, append-only set of spans recorded for one request.
type Trace struct {
	traceID   string
	spans     []*Span
	startTime time.Time
	endTime   time.Time
	clock     timeutil.Clock
}

func newTrace(traceID string, clock timeutil.Clock) *Trace {
	return &Trace{traceID: traceID, clock: clock}
}

func (t *Trace) TraceID() string      { return t.traceID }
func (t *Trace) StartTime() time.Time { return t.startTime }
func (t *Trace) EndTime() time.Time   { return t.endTime }

// Spans returns the spans in creation order. The slice is a copy; the spans are not.
func (t *Trace) Spans() []*Span {
	out := make([]*Span, len(t.spans))
	copy(out, t.spans)
	return out
}

func (t *Trace) Start() {
	t.startTime = t.clock.Now()
}

func (t *Trace) Finish() {
	t.endTime = t.clock.Now()
}

func (t *Trace) Finished() bool {
	return !t.endTime.IsZero()
}

func (t *Trace) append(s *Span) {
	t.spans = append(t.spans, s)
}

// Snapshot converts the trace into its export form. ProjectID is left for the
// exporter to fill in.
func (t *Trace) Snapshot() *types.Trace {
	out := &types.Trace{
		TraceID: t.traceID,
		Spans:   make([]types.Span, 0, len(t.spans)),
	}
	for _, s := range t.spans {
		out.Spans = append(out.Spans, s.snapshot())
	}
	return out
}
