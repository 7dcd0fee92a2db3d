package ingest

import (
	"context"
	"time"

	"kb-health-agent/pkg/metrics"
)

type measureOptions struct {
	labels    metrics.Labels
	component string
}

// MeasureOption customizes MeasureOperation
type MeasureOption func(*measureOptions)

// WithLabels attaches labels to both recorded points
func WithLabels(labels metrics.Labels) MeasureOption {
	return func(o *measureOptions) { o.labels = labels }
}

// WithComponent sets the component used when the metrics are auto-registered
func WithComponent(component string) MeasureOption {
	return func(o *measureOptions) { o.component = component }
}

// MeasureOperation times fn and records <name> (duration in ms) and
// <name>_error (1 on error, 0 on success). fn's error is returned unchanged.
func (b *Buffer) MeasureOperation(ctx context.Context, name string, fn func(ctx context.Context) error, opts ...MeasureOption) error {
	var o measureOptions
	for _, opt := range opts {
		opt(&o)
	}

	b.registry.Ensure(metrics.Definition{
		Name:        name,
		Description: "Duration of " + name,
		Unit:        "ms",
		Kind:        metrics.KindHistogram,
		Component:   o.component,
	})
	b.registry.Ensure(metrics.Definition{
		Name:        name + "_error",
		Description: "Error flag of " + name,
		Kind:        metrics.KindGauge,
	})

	start := b.now()
	err := fn(ctx)
	elapsed := b.now().Sub(start)

	errValue := 0.0
	if err != nil {
		errValue = 1
	}
	b.Record(name, float64(elapsed)/float64(time.Millisecond), o.labels, time.Time{})
	b.Record(name+"_error", errValue, o.labels, time.Time{})
	return err
}
