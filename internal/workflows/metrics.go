package workflows

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/healingd/internal/workflows"

// Metrics for deployment workflows and their activities.
var (
	deploymentCounter    metric.Int64Counter
	deploymentDuration   metric.Float64Histogram
	verificationCounter  metric.Int64Counter
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
)

// initMetrics initializes OpenTelemetry metrics for workflows.
// Instrument creation errors go to the global otel error handler; the
// returned no-op instruments keep callers working.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	deploymentCounter, err = meter.Int64Counter(
		"healingd.workflows.deployment.executions",
		metric.WithDescription("Total number of deployment workflow executions by outcome"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		otel.Handle(err)
	}

	deploymentDuration, err = meter.Float64Histogram(
		"healingd.workflows.deployment.duration",
		metric.WithDescription("Time from change submission to merge or close"),
		metric.WithUnit("s"),
	)
	if err != nil {
		otel.Handle(err)
	}

	verificationCounter, err = meter.Int64Counter(
		"healingd.workflows.verification.executions",
		metric.WithDescription("Total number of verification workflow executions by status"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		otel.Handle(err)
	}

	activityDuration, err = meter.Float64Histogram(
		"healingd.workflows.activity.duration",
		metric.WithDescription("Duration of workflow activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		otel.Handle(err)
	}

	activityErrorCounter, err = meter.Int64Counter(
		"healingd.workflows.activity.errors",
		metric.WithDescription("Number of activity execution errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		otel.Handle(err)
	}
}

func init() {
	initMetrics()
}
