package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	runs     metric.Int64Counter
	segments metric.Int64Counter
	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	runs, err := meter.Int64Counter("narrator.runs", metric.WithDescription("Completed narration runs by outcome"))
	if err != nil {
		return nil, err
	}
	segments, err := meter.Int64Counter("narrator.segments", metric.WithDescription("Synthesized segments by outcome"))
	if err != nil {
		return nil, err
	}
	attempts, err := meter.Int64Counter("narrator.synthesis.attempts", metric.WithDescription("Synthesis calls including retries"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("narrator.run.duration", metric.WithDescription("Run wall time"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &instruments{runs: runs, segments: segments, attempts: attempts, duration: duration}, nil
}

func (m *instruments) segment(ctx context.Context, ok bool, attempts int) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.segments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.attempts.Add(ctx, int64(attempts))
}

func (m *instruments) run(ctx context.Context, res Result, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", runOutcome(res)))
	m.runs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func runOutcome(res Result) string {
	switch {
	case res.Success && res.Partial:
		return "partial"
	case res.Success:
		return "success"
	default:
		return "failed"
	}
}
