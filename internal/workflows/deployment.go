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

// codeHostActivityOptions bound every code host call. The GitHub client
// retries transient failures itself; Temporal retries cover worker loss.
var codeHostActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 2 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    2 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    3,
	},
}

// closeTimeout bounds closing a change after the workflow was cancelled.
const closeTimeout = time.Minute

// DeploymentWorkflow submits a validated fix, waits for its pipeline and
// merges it. A failed or timed-out pipeline or a rejected merge closes the
// change and completes with the matching Outcome. Cancelling the workflow
// closes a change that has not merged.
func DeploymentWorkflow(ctx workflow.Context, input DeploymentInput) (*DeploymentResult, error) {
	logger := workflow.GetLogger(ctx)
	started := workflow.Now(ctx)
	result := &DeploymentResult{}

	if err := workflow.SetQueryHandler(ctx, SubmittedQuery, func() (deploy.Record, error) {
		return result.Record, nil
	}); err != nil {
		return nil, err
	}

	if err := input.Validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidInput, err)
	}

	ctx = workflow.WithActivityOptions(ctx, codeHostActivityOptions)
	var a *Activities

	// Step 1: Submit the change
	logger.Info("Submitting change", "session_key", input.SessionKey, "attempt", input.Attempt, "branch", input.Change.Branch)
	var change deploy.Change
	if err := workflow.ExecuteActivity(ctx, a.CreateChange, input.Change).Get(ctx, &change); err != nil {
		result.Errors = append(result.Errors, FormatErrorForResult("failed to submit change", err))
		return result, NewWorkflowError("submit_change", ErrorSeverityCritical, err, "repo "+input.Change.Repo)
	}
	result.Record = deploy.Record{
		Repo:               change.Repo,
		ChangeID:           change.ID,
		ChangeURL:          change.URL,
		Branch:             change.Branch,
		HeadSHA:            change.HeadSHA,
		PipelineStatus:     deploy.PipelinePending,
		MergeStatus:        deploy.NotMerged,
		VerificationStatus: deploy.VerificationPending,
		SubmittedAt:        workflow.Now(ctx).UTC(),
	}

	// Step 2: Wait for the pipeline
	status, err := awaitPipeline(ctx, input, change)
	result.Record.PipelineStatus = status
	if err != nil {
		if temporal.IsCanceledError(err) {
			closeAbandoned(ctx, result, "healing session ran out of time before the pipeline finished")
			return result, err
		}
		result.Errors = append(result.Errors, FormatErrorForResult("failed to observe pipeline", err))
		return result, WrapActivityError("failed to observe pipeline", err)
	}

	switch status {
	case deploy.PipelineFailure:
		closeChange(ctx, result, "pipeline failed; closing automated fix")
		return finishDeployment(ctx, result, OutcomePipelineFailed, started), nil
	case deploy.PipelineTimeout:
		closeChange(ctx, result, fmt.Sprintf("pipeline did not finish within %s; closing automated fix", input.PipelineTimeout))
		return finishDeployment(ctx, result, OutcomePipelineTimeout, started), nil
	}

	// Step 3: Merge
	logger.Info("Pipeline passed, merging change", "change_id", change.ID, "method", input.MergeMethod)
	err = workflow.ExecuteActivity(ctx, a.Merge, MergeInput{Change: change, Method: input.MergeMethod}).Get(ctx, nil)
	switch {
	case err == nil:
	case hasErrorType(err, ErrTypeMergeRejected):
		closeChange(ctx, result, "merge rejected: "+err.Error())
		result.Errors = append(result.Errors, FormatErrorForResult("failed to merge change", err))
		return finishDeployment(ctx, result, OutcomeMergeRejected, started), nil
	case temporal.IsCanceledError(err):
		closeAbandoned(ctx, result, "healing session ran out of time before the merge")
		return result, err
	default:
		result.Errors = append(result.Errors, FormatErrorForResult("failed to merge change", err))
		return result, WrapActivityError("failed to merge change", err)
	}

	result.Record.MergeStatus = deploy.Merged
	result.Record.MergedAt = workflow.Now(ctx).UTC()
	logger.Info("Change merged", "change_id", change.ID)
	return finishDeployment(ctx, result, OutcomeMerged, started), nil
}

// awaitPipeline polls until the pipeline settles or the pipeline timeout
// passes. A failed poll is retried on the next tick; if the last poll before
// the deadline failed, its error is returned instead of a timeout.
func awaitPipeline(ctx workflow.Context, input DeploymentInput, change deploy.Change) (deploy.PipelineStatus, error) {
	logger := workflow.GetLogger(ctx)
	deadline := workflow.Now(ctx).Add(input.PipelineTimeout)
	var a *Activities

	var lastErr error
	for {
		var status deploy.PipelineStatus
		err := workflow.ExecuteActivity(ctx, a.PipelineStatus, change).Get(ctx, &status)
		switch {
		case temporal.IsCanceledError(err):
			return deploy.PipelinePending, err
		case err != nil:
			lastErr = err
			logger.Warn("Pipeline status poll failed", "change_id", change.ID, "error", err)
		case status == deploy.PipelineSuccess || status == deploy.PipelineFailure:
			return status, nil
		default:
			lastErr = nil
		}

		if !workflow.Now(ctx).Before(deadline) {
			if lastErr != nil {
				return deploy.PipelinePending, lastErr
			}
			return deploy.PipelineTimeout, nil
		}
		if err := workflow.Sleep(ctx, input.PollInterval); err != nil {
			return deploy.PipelinePending, err
		}
	}
}

// closeChange abandons the change. A failure is logged and recorded; the
// change stays open for a human.
func closeChange(ctx workflow.Context, result *DeploymentResult, reason string) {
	var a *Activities
	err := workflow.ExecuteActivity(ctx, a.Close, CloseInput{Change: result.Record.Change(), Reason: reason}).Get(ctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Warn("Failed to close change (non-fatal)", "change_id", result.Record.ChangeID, "error", err)
		result.Errors = append(result.Errors, FormatErrorForResult("failed to close change", err))
		return
	}
	result.Record.MergeStatus = deploy.Closed
}

// closeAbandoned closes the change from a cancelled workflow.
func closeAbandoned(ctx workflow.Context, result *DeploymentResult, reason string) {
	dctx, cancel := workflow.NewDisconnectedContext(ctx)
	defer cancel()
	dctx = workflow.WithActivityOptions(dctx, workflow.ActivityOptions{
		StartToCloseTimeout: closeTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	})
	closeChange(dctx, result, reason)
}

func finishDeployment(ctx workflow.Context, result *DeploymentResult, outcome DeploymentOutcome, started time.Time) *DeploymentResult {
	result.Outcome = outcome
	workflow.GetLogger(ctx).Info("Deployment finished",
		"change_id", result.Record.ChangeID,
		"outcome", string(outcome),
		"merge_status", string(result.Record.MergeStatus))
	if !workflow.IsReplaying(ctx) {
		attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
		deploymentCounter.Add(context.Background(), 1, attrs)
		deploymentDuration.Record(context.Background(), workflow.Now(ctx).Sub(started).Seconds(), attrs)
	}
	return result
}
