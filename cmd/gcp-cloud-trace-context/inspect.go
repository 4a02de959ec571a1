package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/krzko/gcp-cloud-trace-context/internal/types"
	"github.com/krzko/gcp-cloud-trace-context/pkg/cloudtrace"
	"github.com/krzko/gcp-cloud-trace-context/pkg/config"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Read traces back from Cloud Trace",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent traces and their root spans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *cloudtrace.Client) error {
				traces, err := c.FetchTraces(ctx)
				if err != nil {
					return err
				}
				for _, t := range traces {
					printTrace(cmd.OutOrStdout(), t)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get TRACE_ID",
		Short: "Print every span of a trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *cloudtrace.Client) error {
				t, err := c.GetTrace(ctx, args[0])
				if err != nil {
					return err
				}
				printTrace(cmd.OutOrStdout(), t)
				return nil
			})
		},
	})

	return cmd
}

func withClient(ctx context.Context, fn func(context.Context, *cloudtrace.Client) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer func() { _ = env.logger.Sync() }()
	if env.cfg.ProjectID == "" {
		return config.ErrMissingProjectID
	}

	c, err := cloudtrace.NewClient(ctx, env.cfg, env.logger)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

// printTrace writes the spans of t as an indented tree.
func printTrace(w io.Writer, t *types.Trace) {
	fmt.Fprintf(w, "trace %s (%d spans)\n", t.TraceID, len(t.Spans))

	children := make(map[uint64][]*types.Span)
	for i := range t.Spans {
		if p := t.Spans[i].ParentSpanID; p != nil {
			children[*p] = append(children[*p], &t.Spans[i])
		}
	}

	var walk func(s *types.Span, depth int)
	walk = func(s *types.Span, depth int) {
		fmt.Fprintf(w, "%s- %s [%d] %s %s\n",
			strings.Repeat("  ", depth+1), s.Name, s.SpanID, s.Kind, duration(s))
		for _, child := range children[s.SpanID] {
			walk(child, depth+1)
		}
	}

	// A span whose parent is outside the trace is printed as a root.
	inTrace := make(map[uint64]bool, len(t.Spans))
	for _, s := range t.Spans {
		inTrace[s.SpanID] = true
	}
	for i := range t.Spans {
		s := &t.Spans[i]
		if s.ParentSpanID == nil || !inTrace[*s.ParentSpanID] {
			walk(s, 0)
		}
	}
}

func duration(s *types.Span) string {
	if s.StartTime.IsZero() || s.EndTime.IsZero() {
		return "-"
	}
	return s.EndTime.Time().Sub(s.StartTime.Time()).Round(time.Microsecond).String()
}
