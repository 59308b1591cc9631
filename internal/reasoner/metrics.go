package reasoner

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/healingd/internal/reasoner"

var (
	metricsOnce     sync.Once
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		var err error
		requestsTotal, err = meter.Int64Counter("healingd.reasoner.requests_total",
			metric.WithDescription("Model requests by provider and outcome"),
			metric.WithUnit("{request}"),
		)
		if err != nil {
			otel.Handle(err)
		}
		requestDuration, err = meter.Float64Histogram("healingd.reasoner.request_duration",
			metric.WithDescription("Model request latency"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func recordRequest(ctx context.Context, provider string, elapsed time.Duration, err error) {
	initMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	)
	if requestsTotal != nil {
		requestsTotal.Add(ctx, 1, attrs)
	}
	if requestDuration != nil {
		requestDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}
