package healing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fyrsmithlabs/healingd/internal/constraint"
	"github.com/fyrsmithlabs/healingd/internal/incident"
)

type metrics struct {
	sessions    metric.Int64Counter
	duplicates  metric.Int64Counter
	attempts    metric.Int64Counter
	failures    metric.Int64Counter
	transitions metric.Int64Counter
	outcomes    metric.Int64Counter
	verdicts    metric.Int64Counter
	live        metric.Int64UpDownCounter
	duration    metric.Float64Histogram
}

// newMetrics creates the engine instruments on meter. Creation errors go
// to the global otel error handler; a nil instrument is skipped when
// recording.
func newMetrics(meter metric.Meter) *metrics {
	m := &metrics{}
	var err error

	m.sessions, err = meter.Int64Counter("healingd.sessions.created_total",
		metric.WithDescription("Healing sessions opened, by signal kind"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		otel.Handle(err)
	}
	m.duplicates, err = meter.Int64Counter("healingd.signals.duplicates_total",
		metric.WithDescription("Signals correlated into an already live session"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		otel.Handle(err)
	}
	m.attempts, err = meter.Int64Counter("healingd.attempts.started_total",
		metric.WithDescription("Remediation attempts started"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		otel.Handle(err)
	}
	m.failures, err = meter.Int64Counter("healingd.attempts.failed_total",
		metric.WithDescription("Remediation attempts failed, by kind"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		otel.Handle(err)
	}
	m.transitions, err = meter.Int64Counter("healingd.sessions.transitions_total",
		metric.WithDescription("Session state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		otel.Handle(err)
	}
	m.outcomes, err = meter.Int64Counter("healingd.sessions.outcomes_total",
		metric.WithDescription("Archived sessions by outcome"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		otel.Handle(err)
	}
	m.verdicts, err = meter.Int64Counter("healingd.constraints.verdicts_total",
		metric.WithDescription("Constraint gate decisions by stage and verdict"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		otel.Handle(err)
	}
	m.live, err = meter.Int64UpDownCounter("healingd.sessions.live",
		metric.WithDescription("Sessions currently in the live registry"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		otel.Handle(err)
	}
	m.duration, err = meter.Float64Histogram("healingd.sessions.duration",
		metric.WithDescription("Time from first signal to archive"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(60, 300, 600, 1200, 1800, 3600, 7200),
	)
	if err != nil {
		otel.Handle(err)
	}
	return m
}

func (m *metrics) created(ctx context.Context, kind incident.Kind) {
	if m.sessions != nil {
		m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
	if m.live != nil {
		m.live.Add(ctx, 1)
	}
}

func (m *metrics) restored(ctx context.Context) {
	if m.live != nil {
		m.live.Add(ctx, 1)
	}
}

func (m *metrics) duplicate(ctx context.Context) {
	if m.duplicates != nil {
		m.duplicates.Add(ctx, 1)
	}
}

func (m *metrics) attemptStarted(ctx context.Context) {
	if m.attempts != nil {
		m.attempts.Add(ctx, 1)
	}
}

func (m *metrics) attemptFailed(ctx context.Context, kind Kind) {
	if m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}

func (m *metrics) transition(ctx context.Context, from, to State) {
	if m.transitions != nil {
		m.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
	}
}

func (m *metrics) verdict(ctx context.Context, stage constraint.Stage, d constraint.Decision) {
	if m.verdicts != nil {
		m.verdicts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", string(stage)),
			attribute.String("verdict", string(d.Verdict)),
		))
	}
}

func (m *metrics) archived(ctx context.Context, r Report) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", string(r.Outcome)),
		attribute.Bool("provisional", r.Provisional),
	)
	if m.outcomes != nil {
		m.outcomes.Add(ctx, 1, attrs)
	}
	if m.live != nil {
		m.live.Add(ctx, -1)
	}
	if m.duration != nil {
		m.duration.Record(ctx, r.ClosedAt.Sub(r.FirstSeen).Seconds(), attrs)
	}
}

func sessionAttrs(s *Session) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("session.key", s.Key),
		attribute.String("session.state", string(s.State)),
		attribute.Int("session.attempt", s.Attempts),
		attribute.String("origin", s.Origin),
	}
}
