package cloudtrace

import (
	"context"
	"errors"
	"fmt"
	"time"

	trace "cloud.google.com/go/trace/apiv1"
	"cloud.google.com/go/trace/apiv1/tracepb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/krzko/gcp-cloud-trace-context/internal/types"
	"github.com/krzko/gcp-cloud-trace-context/pkg/config"
	"github.com/krzko/gcp-cloud-trace-context/pkg/tracer"
)

// traceAPI is the part of the Cloud Trace v1 client we use.
type traceAPI interface {
	PatchTraces(ctx context.Context, req *tracepb.PatchTracesRequest, opts ...gax.CallOption) error
	GetTrace(ctx context.Context, req *tracepb.GetTraceRequest, opts ...gax.CallOption) (*tracepb.Trace, error)
	ListTraces(ctx context.Context, req *tracepb.ListTracesRequest, opts ...gax.CallOption) traceIterator
	Close() error
}

type traceIterator interface {
	Next() (*tracepb.Trace, error)
}

type apiClient struct {
	*trace.Client
}

func (c apiClient) ListTraces(ctx context.Context, req *tracepb.ListTracesRequest, opts ...gax.CallOption) traceIterator {
	return c.Client.ListTraces(ctx, req, opts...)
}

// Client exports traces to Cloud Trace and reads them back. It is safe for
// concurrent use.
type Client struct {
	api                traceAPI
	cfg                *config.Config
	logger             *zap.Logger
	patchTracesLimiter *rate.Limiter
	listTracesLimiter  *rate.Limiter
	getTraceLimiter    *rate.Limiter
	now                func() time.Time
}

var _ tracer.Exporter = (*Client)(nil)

// NewClient dials Cloud Trace using application default credentials.
func NewClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Client, error) {
	c, err := trace.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace client: %w", err)
	}
	logger.Info("Initialised Cloud Trace client successfully.", zap.String("project_id", cfg.ProjectID))
	return newClient(apiClient{c}, cfg, logger), nil
}

func newClient(api traceAPI, cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{
		api:                api,
		cfg:                cfg,
		logger:             logger,
		patchTracesLimiter: rate.NewLimiter(rate.Limit(cfg.PatchTracesRateLimit), cfg.PatchTracesRateLimit),
		listTracesLimiter:  rate.NewLimiter(rate.Limit(cfg.ListTracesRateLimit), cfg.ListTracesRateLimit),
		getTraceLimiter:    rate.NewLimiter(rate.Limit(cfg.GetTraceRateLimit), cfg.GetTraceRateLimit),
		now:                time.Now,
	}
}

func (c *Client) Close() error {
	return c.api.Close()
}

// Export sends one trace with PatchTraces. Exports run on the request path, so
// a trace over the PATCH_TRACES_RATE_LIMIT budget is dropped rather than
// waited for.
func (c *Client) Export(ctx context.Context, t *types.Trace) error {
	if !c.patchTracesLimiter.Allow() {
		return fmt.Errorf("trace %s over PatchTraces rate limit: %w", t.TraceID, tracer.ErrExportDropped)
	}

	projectID := t.ProjectID
	if projectID == "" {
		projectID = c.cfg.ProjectID
	}

	req := &tracepb.PatchTracesRequest{
		ProjectId: projectID,
		Traces: &tracepb.Traces{
			Traces: []*tracepb.Trace{toProto(projectID, t)},
		},
	}
	if err := c.api.PatchTraces(ctx, req); err != nil {
		return fmt.Errorf("error patching trace %s for Project ID %s: %w", t.TraceID, projectID, err)
	}

	c.logger.Debug("Exported trace to Cloud Trace",
		zap.String("trace_id", t.TraceID),
		zap.Int("spans", len(t.Spans)),
	)
	return nil
}

// FetchTraces lists the root spans of traces recorded in the last ListWindow.
func (c *Client) FetchTraces(ctx context.Context) ([]*types.Trace, error) {
	if err := c.listTracesLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit error: %w", err)
	}

	c.logger.Info("Fetching traces", zap.String("project_id", c.cfg.ProjectID))
	endTime := c.now()
	startTime := endTime.Add(-c.cfg.ListWindow)

	req := &tracepb.ListTracesRequest{
		ProjectId: c.cfg.ProjectID,
		View:      tracepb.ListTracesRequest_ROOTSPAN,
		PageSize:  c.cfg.TracePageSize,
		StartTime: timestamppb.New(startTime),
		EndTime:   timestamppb.New(endTime),
	}
	it := c.api.ListTraces(ctx, req)

	var fetched []*types.Trace
	for {
		traceProto, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fetched, fmt.Errorf("error listing traces for Project ID %s: %w", c.cfg.ProjectID, err)
		}
		fetched = append(fetched, fromProto(traceProto))
	}

	c.logger.Info("Fetched traces",
		zap.Int("count", len(fetched)),
		zap.String("project_id", c.cfg.ProjectID),
	)
	return fetched, nil
}

// GetTrace reads a complete trace.
func (c *Client) GetTrace(ctx context.Context, traceID string) (*types.Trace, error) {
	if err := c.getTraceLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit error: %w", err)
	}

	resp, err := c.api.GetTrace(ctx, &tracepb.GetTraceRequest{
		ProjectId: c.cfg.ProjectID,
		TraceId:   traceID,
	})
	if err != nil {
		return nil, fmt.Errorf("error getting trace %s: %w", traceID, err)
	}
	return fromProto(resp), nil
}

// GetRootSpans returns the spans of traceID that have no parent.
func (c *Client) GetRootSpans(ctx context.Context, traceID string) ([]*types.Span, error) {
	t, err := c.GetTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	roots := t.RootSpans()
	c.logger.Debug("Fetched root spans", zap.String("trace_id", traceID), zap.Int("count", len(roots)))
	return roots, nil
}

func toProto(projectID string, t *types.Trace) *tracepb.Trace {
	spans := make([]*tracepb.TraceSpan, len(t.Spans))
	for i, s := range t.Spans {
		ps := &tracepb.TraceSpan{
			SpanId: s.SpanID,
			Kind:   toProtoKind(s.Kind),
			Name:   s.Name,
			Labels: s.Labels,
		}
		if !s.StartTime.IsZero() {
			ps.StartTime = timestamppb.New(s.StartTime.Time())
		}
		if !s.EndTime.IsZero() {
			ps.EndTime = timestamppb.New(s.EndTime.Time())
		}
		if s.ParentSpanID != nil {
			ps.ParentSpanId = *s.ParentSpanID
		}
		spans[i] = ps
	}
	return &tracepb.Trace{
		ProjectId: projectID,
		TraceId:   t.TraceID,
		Spans:     spans,
	}
}

func fromProto(t *tracepb.Trace) *types.Trace {
	return &types.Trace{
		ProjectID: t.GetProjectId(),
		TraceID:   t.GetTraceId(),
		Spans:     convertSpans(t.GetSpans()),
	}
}

func convertSpans(spanProtos []*tracepb.TraceSpan) []types.Span {
	spans := make([]types.Span, len(spanProtos))
	for i, spanProto := range spanProtos {
		var parentSpanIDPtr *uint64
		if parentSpanID := spanProto.GetParentSpanId(); parentSpanID != 0 {
			parentSpanIDPtr = &parentSpanID
		}
		spans[i] = types.Span{
			SpanID:       spanProto.GetSpanId(),
			Name:         spanProto.GetName(),
			Kind:         fromProtoKind(spanProto.GetKind()),
			StartTime:    timeStamp(spanProto.GetStartTime()),
			EndTime:      timeStamp(spanProto.GetEndTime()),
			ParentSpanID: parentSpanIDPtr,
			Labels:       spanProto.GetLabels(),
		}
	}
	return spans
}

func timeStamp(ts *timestamppb.Timestamp) types.TimeStamp {
	if ts == nil {
		return types.TimeStamp{}
	}
	return types.TimeStamp{Seconds: ts.GetSeconds(), Nanos: int64(ts.GetNanos())}
}

func toProtoKind(k types.SpanKind) tracepb.TraceSpan_SpanKind {
	switch k {
	case types.SpanKindRPCServer:
		return tracepb.TraceSpan_RPC_SERVER
	case types.SpanKindRPCClient:
		return tracepb.TraceSpan_RPC_CLIENT
	default:
		return tracepb.TraceSpan_SPAN_KIND_UNSPECIFIED
	}
}

func fromProtoKind(k tracepb.TraceSpan_SpanKind) types.SpanKind {
	switch k {
	case tracepb.TraceSpan_RPC_SERVER:
		return types.SpanKindRPCServer
	case tracepb.TraceSpan_RPC_CLIENT:
		return types.SpanKindRPCClient
	default:
		return types.SpanKindUnspecified
	}
}
