package workflows

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/healingd/internal/deploy"
)

var monitorActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    5 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumAttempts:    3,
	},
}

// VerificationWorkflow waits until the observation window after the merge
// has passed, then queries the monitor over that window. The problem counts
// as cleared iff no sample exceeds the threshold.
func VerificationWorkflow(ctx workflow.Context, input VerificationInput) (*deploy.Record, error) {
	logger := workflow.GetLogger(ctx)

	if err := input.Validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidInput, err)
	}
	rec := input.Record
	if rec.MergeStatus != deploy.Merged {
		msg := fmt.Sprintf("change %d is not merged", rec.ChangeID)
		return nil, temporal.NewNonRetryableApplicationError(msg, ErrTypeNotMerged, nil)
	}

	end := rec.MergedAt.Add(input.Window)
	if wait := end.Sub(workflow.Now(ctx)); wait > 0 {
		logger.Info("Waiting for observation window", "change_id", rec.ChangeID, "wait", wait.String())
		if err := workflow.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	ctx = workflow.WithActivityOptions(ctx, monitorActivityOptions)
	var a *Activities
	var values []float64
	err := workflow.ExecuteActivity(ctx, a.QueryMonitor, deploy.MetricQuery{
		Expr:  input.Expr,
		Start: rec.MergedAt,
		End:   end,
		Step:  input.Step,
	}).Get(ctx, &values)
	if err != nil {
		return nil, WrapActivityError("failed to query monitor", err)
	}

	rec.Query = input.Expr
	rec.Threshold = input.Threshold
	rec.ObservedValues = values
	rec.VerifiedAt = workflow.Now(ctx).UTC()
	rec.VerificationStatus = deploy.Clearance(values, input.Threshold)

	logger.Info("Verification finished", "change_id", rec.ChangeID, "status", string(rec.VerificationStatus), "samples", len(values))
	if !workflow.IsReplaying(ctx) {
		verificationCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", string(rec.VerificationStatus))))
	}
	return &rec, nil
}
