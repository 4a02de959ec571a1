package tracer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krzko/gcp-cloud-trace-context/internal/types"
	"github.com/krzko/gcp-cloud-trace-context/pkg/sampler"
	"github.com/krzko/gcp-cloud-trace-context/pkg/tracecontext"
)

const testTraceID = "6e0c63257de34c92bf9efcd03927272e"

type countingSampler struct {
	decision bool
	calls    int
}

func (s *countingSampler) ShouldSample() bool {
	s.calls++
	return s.decision
}

type recordingExporter struct {
	traces []*types.Trace
	err    error
}

func (e *recordingExporter) Export(_ context.Context, trace *types.Trace) error {
	e.traces = append(e.traces, trace)
	return e.err
}

func newSimulatedClock() *timeutil.SimulatedClock {
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	return clock
}

func newEnabledTracer(opts ...Option) *Tracer {
	tc := tracecontext.New(tracecontext.WithTraceID(testTraceID), tracecontext.WithEnabled(tracecontext.EnabledTrue))
	return New(nil, append([]Option{WithTraceContext(tc)}, opts...)...)
}

func TestNewDefaults(t *testing.T) {
	tr := New(nil)

	assert.True(t, tr.Enabled())
	require.NotNil(t, tr.TraceContext())
	require.NotNil(t, tr.CurrentTrace())
	assert.Equal(t, tr.TraceContext().TraceID, tr.CurrentTrace().TraceID())
	assert.Zero(t, tr.Depth())
	assert.Nil(t, tr.CurrentSpan())
}

func TestEnablementDecision(t *testing.T) {
	tests := []struct {
		name       string
		enabled    tracecontext.Enabled
		sample     bool
		want       bool
		wantPolled bool
	}{
		{name: "explicit false ignores sampler", enabled: tracecontext.EnabledFalse, sample: true, want: false},
		{name: "unset follows sampler yes", enabled: tracecontext.EnabledUnset, sample: true, want: true, wantPolled: true},
		{name: "unset follows sampler no", enabled: tracecontext.EnabledUnset, sample: false, want: false, wantPolled: true},
		{name: "explicit true still asks sampler", enabled: tracecontext.EnabledTrue, sample: false, want: false, wantPolled: true},
		{name: "explicit true with sampler yes", enabled: tracecontext.EnabledTrue, sample: true, want: true, wantPolled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &countingSampler{decision: tt.sample}
			tc := tracecontext.New(tracecontext.WithEnabled(tt.enabled))

			tr := New(nil, WithTraceContext(tc), WithSampler(s))

			assert.Equal(t, tt.want, tr.Enabled())
			if tt.wantPolled {
				assert.Equal(t, 1, s.calls)
			} else {
				assert.Zero(t, s.calls)
			}
		})
	}
}

func TestDecisionMadeOnce(t *testing.T) {
	s := &countingSampler{decision: true}
	tr := New(nil, WithSampler(s))

	tr.StartSpan("a")
	require.NoError(t, tr.EndSpan())
	tr.Span("b")

	assert.Equal(t, 1, s.calls)
}

func TestNestedSpanScenario(t *testing.T) {
	tr := newEnabledTracer()
	tc := tr.TraceContext()

	a := tr.Span("a")
	assert.Zero(t, a.ParentSpanID())
	assert.Equal(t, a.SpanID(), tc.SpanID)

	b := tr.Span("b")
	assert.Equal(t, a.SpanID(), b.ParentSpanID())
	assert.Equal(t, b.SpanID(), tc.SpanID)
	assert.Equal(t, 2, tr.Depth())

	require.NoError(t, tr.EndSpan())
	assert.Equal(t, a.SpanID(), tc.SpanID)
	assert.Same(t, a, tr.CurrentSpan())

	require.NoError(t, tr.EndSpan())
	assert.Zero(t, tc.SpanID)
	assert.Zero(t, tr.Depth())

	err := tr.EndSpan()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStackUnderflow))
}

func TestEndSpanUnderflowOnFreshTracer(t *testing.T) {
	tr := newEnabledTracer()
	assert.ErrorIs(t, tr.EndSpan(), ErrStackUnderflow)
}

func TestSpanParentFromInboundContext(t *testing.T) {
	tc := tracecontext.New(tracecontext.WithTraceID(testTraceID), tracecontext.WithSpanID(1234))
	tr := New(nil, WithTraceContext(tc))

	s := tr.StartSpan("handler")
	assert.Equal(t, uint64(1234), s.ParentSpanID())

	require.NoError(t, tr.EndSpan())
	assert.Zero(t, tc.SpanID)
}

func TestProperNestingRestoresSpanID(t *testing.T) {
	tr := newEnabledTracer()
	tc := tr.TraceContext()

	outer := tr.StartSpan("outer")
	before := tc.SpanID
	require.Equal(t, outer.SpanID(), before)

	// (()(()))
	tr.StartSpan("1")
	tr.StartSpan("1.1")
	require.NoError(t, tr.EndSpan())
	tr.StartSpan("1.2")
	tr.StartSpan("1.2.1")
	require.NoError(t, tr.EndSpan())
	require.NoError(t, tr.EndSpan())
	require.NoError(t, tr.EndSpan())

	assert.Equal(t, before, tc.SpanID)
	assert.Equal(t, 1, tr.Depth())
}

// balanced returns every properly nested sequence of n span pairs.
func balanced(n int) []string {
	var out []string
	var gen func(prefix string, open, closed int)
	gen = func(prefix string, open, closed int) {
		if closed == n {
			out = append(out, prefix)
			return
		}
		if open < n {
			gen(prefix+"(", open+1, closed)
		}
		if closed < open {
			gen(prefix+")", open, closed+1)
		}
	}
	gen("", 0, 0)
	return out
}

func TestNestedSequencesRestoreSpanID(t *testing.T) {
	var sequences []string
	for n := 1; n <= 4; n++ {
		sequences = append(sequences, balanced(n)...)
	}

	starts := []struct {
		name      string
		inbound   uint64
		openOuter bool
	}{
		{name: "fresh"},
		{name: "inbound span", inbound: 1234},
		{name: "inside outer span", openOuter: true},
		{name: "inbound span inside outer span", inbound: 1234, openOuter: true},
	}

	for _, start := range starts {
		for _, seq := range sequences {
			t.Run(start.name+"/"+seq, func(t *testing.T) {
				tc := tracecontext.New(
					tracecontext.WithTraceID(testTraceID),
					tracecontext.WithSpanID(start.inbound),
				)
				tr := New(nil, WithTraceContext(tc))
				if start.openOuter {
					tr.StartSpan("outer")
				}
				baseDepth := tr.Depth()
				initial := tc.SpanID

				var before []uint64
				for i, c := range seq {
					if c == '(' {
						prev := tc.SpanID
						s := tr.StartSpan("span")
						require.Equal(t, prev, s.ParentSpanID(), "step %d", i)
						require.Equal(t, s.SpanID(), tc.SpanID, "step %d", i)
						before = append(before, prev)
						continue
					}

					prev := before[len(before)-1]
					before = before[:len(before)-1]
					require.NoError(t, tr.EndSpan(), "step %d", i)
					if tr.Depth() == 0 {
						// The last pop clears SpanID rather than restoring the inbound one.
						require.Zero(t, tc.SpanID, "step %d", i)
					} else {
						require.Equal(t, prev, tc.SpanID, "step %d", i)
					}
				}

				assert.Equal(t, baseDepth, tr.Depth())
				if start.openOuter {
					assert.Equal(t, initial, tc.SpanID)
				}
			})
		}
	}
}

func TestTraceKeepsSpansInCreationOrder(t *testing.T) {
	tr := newEnabledTracer()

	names := []string{"root", "child", "sibling", "grandchild"}
	tr.StartSpan(names[0])
	tr.StartSpan(names[1])
	require.NoError(t, tr.EndSpan())
	tr.StartSpan(names[2])
	tr.StartSpan(names[3])
	require.NoError(t, tr.EndSpan())
	require.NoError(t, tr.EndSpan())
	require.NoError(t, tr.EndSpan())

	spans := tr.CurrentTrace().Spans()
	require.Len(t, spans, len(names))
	for i, s := range spans {
		assert.Equal(t, names[i], s.Name())
		assert.True(t, s.Finished())
	}
	assert.Equal(t, spans[0].SpanID(), spans[1].ParentSpanID())
	assert.Equal(t, spans[0].SpanID(), spans[2].ParentSpanID())
	assert.Equal(t, spans[2].SpanID(), spans[3].ParentSpanID())
}

func TestSequentialSpans(t *testing.T) {
	tr := newEnabledTracer()

	for i := 0; i < 5; i++ {
		s := tr.StartSpan("step")
		assert.Zero(t, s.ParentSpanID())
		require.NoError(t, tr.EndSpan())
	}

	assert.Len(t, tr.CurrentTrace().Spans(), 5)
}

func TestSpanSharedWithTrace(t *testing.T) {
	tr := newEnabledTracer()

	h := tr.Span("shared")
	s, ok := h.(*Span)
	require.True(t, ok)
	assert.Same(t, s, tr.CurrentTrace().Spans()[0])
	assert.Same(t, s, tr.CurrentSpan())
}

func TestDefaultSpanName(t *testing.T) {
	tr := newEnabledTracer()
	assert.Equal(t, DefaultSpanName, tr.Span("").Name())
}

func TestSpanTiming(t *testing.T) {
	clock := newSimulatedClock()
	tr := newEnabledTracer(WithClock(clock))

	tr.StartTrace()
	start := clock.Now()

	h := tr.StartSpan("timed")
	clock.AdvanceTime(250 * time.Millisecond)
	require.NoError(t, tr.EndSpan())

	clock.AdvanceTime(time.Second)
	require.NoError(t, tr.EndTrace(context.Background()))

	s := h.(*Span)
	assert.Equal(t, start, s.StartTime())
	assert.Equal(t, start.Add(250*time.Millisecond), s.EndTime())

	trace := tr.CurrentTrace()
	assert.Equal(t, start, trace.StartTime())
	assert.Equal(t, start.Add(1250*time.Millisecond), trace.EndTime())
	assert.True(t, trace.Finished())
}

func TestSpanWithoutStart(t *testing.T) {
	tr := newEnabledTracer()

	h := tr.Span("unstarted")
	assert.True(t, h.(*Span).StartTime().IsZero())
}

func TestEndTraceDoesNotClearStack(t *testing.T) {
	tr := newEnabledTracer()

	tr.StartTrace()
	tr.StartSpan("open")
	require.NoError(t, tr.EndTrace(context.Background()))

	assert.Equal(t, 1, tr.Depth())
	assert.NoError(t, tr.EndSpan())
}

func TestEndTraceExports(t *testing.T) {
	exp := &recordingExporter{}
	tc := tracecontext.New(tracecontext.WithTraceID(testTraceID))
	tr := New(exp, WithTraceContext(tc))

	tr.StartTrace()
	root := tr.StartSpan("root")
	root.SetKind(types.SpanKindRPCServer)
	root.SetLabel("/http/method", "GET")
	tr.StartSpan("child")
	require.NoError(t, tr.EndSpan())
	require.NoError(t, tr.EndSpan())
	require.NoError(t, tr.EndTrace(context.Background()))

	require.Len(t, exp.traces, 1)
	got := exp.traces[0]
	assert.Equal(t, testTraceID, got.TraceID)
	require.Len(t, got.Spans, 2)
	assert.Nil(t, got.Spans[0].ParentSpanID)
	assert.Equal(t, types.SpanKindRPCServer, got.Spans[0].Kind)
	assert.Equal(t, "GET", got.Spans[0].Labels["/http/method"])
	require.NotNil(t, got.Spans[1].ParentSpanID)
	assert.Equal(t, root.SpanID(), *got.Spans[1].ParentSpanID)
}

func TestEndTraceExportError(t *testing.T) {
	boom := errors.New("boom")
	tr := New(&recordingExporter{err: boom})

	err := tr.EndTrace(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, tr.CurrentTrace().Finished())
}

func TestDisabledTracerIsNoop(t *testing.T) {
	exp := &recordingExporter{}
	tc := tracecontext.New(tracecontext.WithSpanID(77), tracecontext.WithEnabled(tracecontext.EnabledFalse))
	tr := New(exp, WithTraceContext(tc), WithSampler(sampler.AlwaysOn()))

	require.False(t, tr.Enabled())
	assert.Nil(t, tr.CurrentTrace())

	tr.StartTrace()
	s := tr.Span("ignored")
	s.Start()
	s.SetLabel("k", "v")
	s.Finish()
	assert.Zero(t, s.SpanID())

	tr.StartSpan("also-ignored")
	assert.NoError(t, tr.EndSpan())
	assert.NoError(t, tr.EndSpan())
	assert.NoError(t, tr.EndTrace(context.Background()))

	assert.Equal(t, uint64(77), tc.SpanID)
	assert.Zero(t, tr.Depth())
	assert.Nil(t, tr.CurrentSpan())
	assert.Empty(t, exp.traces)
}

func TestSampledOutTracerIsNoop(t *testing.T) {
	tr := New(nil, WithSampler(sampler.AlwaysOff()))

	assert.False(t, tr.Enabled())
	assert.NoError(t, tr.EndSpan())
	assert.Nil(t, tr.CurrentTrace())
}

func TestSpanLabelsAreCopied(t *testing.T) {
	tr := newEnabledTracer()
	s := tr.Span("labels").(*Span)
	s.SetLabel("a", "1")

	labels := s.Labels()
	labels["a"] = "2"
	assert.Equal(t, "1", s.Labels()["a"])
}
