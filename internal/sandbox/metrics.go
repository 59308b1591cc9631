package sandbox

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/healingd/internal/sandbox"

type metrics struct {
	jobs      metric.Int64Counter
	duration  metric.Float64Histogram
	queueWait metric.Float64Histogram
	running   metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *metrics {
	m := &metrics{}
	var err error

	m.jobs, err = meter.Int64Counter(
		"healingd.sandbox.jobs_total",
		metric.WithDescription("Sandbox jobs by outcome"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		logger.Warn("failed to create sandbox jobs counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"healingd.sandbox.duration",
		metric.WithDescription("Wall-clock time of sandbox jobs, excluding queueing"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600),
	)
	if err != nil {
		logger.Warn("failed to create sandbox duration histogram", zap.Error(err))
	}

	m.queueWait, err = meter.Float64Histogram(
		"healingd.sandbox.queue_wait",
		metric.WithDescription("Time jobs waited for a sandbox slot"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 1, 10, 30, 60, 120, 300),
	)
	if err != nil {
		logger.Warn("failed to create sandbox queue wait histogram", zap.Error(err))
	}

	m.running, err = meter.Int64UpDownCounter(
		"healingd.sandbox.running",
		metric.WithDescription("Sandbox jobs currently holding a slot"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		logger.Warn("failed to create sandbox running gauge", zap.Error(err))
	}
	return m
}

func (m *metrics) record(ctx context.Context, outcome string, r Result) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if m.jobs != nil {
		m.jobs.Add(ctx, 1, attrs)
	}
	if m.duration != nil && r.Elapsed > 0 {
		m.duration.Record(ctx, r.Elapsed.Seconds(), attrs)
	}
	if m.queueWait != nil {
		m.queueWait.Record(ctx, r.QueueWait.Seconds())
	}
}

func (m *metrics) slot(ctx context.Context, delta int64) {
	if m.running != nil {
		m.running.Add(ctx, delta)
	}
}

func outcomeOf(r Result) string {
	switch {
	case r.Pass:
		return "pass"
	case r.QueueTimedOut:
		return "queue_timeout"
	case r.TimedOut:
		return "timeout"
	default:
		return "fail"
	}
}
