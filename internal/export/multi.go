package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/hubenschmidt/voicetrace/internal/trace"
)

// Multi fans every span out to several exporters. A failing exporter does
// not stop the others; their errors are joined.
type Multi []trace.Exporter

func (m Multi) Export(ctx context.Context, s trace.Span) error {
	var errs []error
	for i, e := range m {
		if err := e.Export(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("exporter %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (m Multi) ExportBatch(ctx context.Context, spans []trace.Span) error {
	var errs []error
	for i, e := range m {
		if err := e.ExportBatch(ctx, spans); err != nil {
			errs = append(errs, fmt.Errorf("exporter %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
