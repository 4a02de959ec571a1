package tracer

import (
	"context"
	"errors"

	"github.com/krzko/gcp-cloud-trace-context/internal/types"
)

// ErrExportDropped marks a trace an exporter chose not to send, for example
// because it is over its rate budget.
var ErrExportDropped = errors.New("trace dropped")

// Exporter ships finished traces somewhere. Implementations must be safe for
// concurrent use since one exporter is shared by every request's Tracer.
type Exporter interface {
	Export(ctx context.Context, trace *types.Trace) error
}

// ExporterFunc adapts a function to Exporter.
type ExporterFunc func(ctx context.Context, trace *types.Trace) error

func (f ExporterFunc) Export(ctx context.Context, trace *types.Trace) error {
	return f(ctx, trace)
}

type multiExporter []Exporter

// MultiExporter fans a trace out to every exporter, joining their errors.
func MultiExporter(exporters ...Exporter) Exporter {
	var out multiExporter
	for _, e := range exporters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (m multiExporter) Export(ctx context.Context, trace *types.Trace) error {
	var errs []error
	for _, e := range m {
		if err := e.Export(ctx, trace); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
