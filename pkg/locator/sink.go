package locator

import (
	"context"
	"errors"

	"github.com/starfail/rfloc/pkg/geo"
)

// Sink receives the fused position at the end of each collection cycle.
type Sink interface {
	Report(ctx context.Context, fix geo.Fix) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, fix geo.Fix) error

func (f SinkFunc) Report(ctx context.Context, fix geo.Fix) error { return f(ctx, fix) }

// MultiSink reports to every sink in order. A failing sink does not keep the
// fix from the ones after it; all failures are returned together.
type MultiSink []Sink

func (m MultiSink) Report(ctx context.Context, fix geo.Fix) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Report(ctx, fix); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
