package workflows

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/healingd/internal/deploy"
)

// Activities performs code host and monitor calls for deployment
// workflows. Register a configured instance with the worker; workflows
// reference its methods through a nil *Activities.
type Activities struct {
	Host    deploy.CodeHost
	Monitor deploy.Monitor
}

// MergeInput selects a change and how to merge it.
type MergeInput struct {
	Change deploy.Change
	Method string
}

// CloseInput selects a change to abandon.
type CloseInput struct {
	Change deploy.Change
	Reason string
}

// CreateChange submits the change request.
func (a *Activities) CreateChange(ctx context.Context, req deploy.ChangeRequest) (deploy.Change, error) {
	defer observe(ctx, "create_change", time.Now())
	change, err := a.Host.CreateChange(ctx, req)
	if err != nil {
		recordActivityError(ctx, "create_change")
		return deploy.Change{}, codeHostError("failed to create change", err)
	}
	activity.GetLogger(ctx).Info("Change submitted", "repo", change.Repo, "change_id", change.ID, "url", change.URL)
	return change, nil
}

// PipelineStatus reports the state of the change's pipeline.
func (a *Activities) PipelineStatus(ctx context.Context, change deploy.Change) (deploy.PipelineStatus, error) {
	defer observe(ctx, "pipeline_status", time.Now())
	status, err := a.Host.PipelineStatus(ctx, change)
	if err != nil {
		recordActivityError(ctx, "pipeline_status")
		return "", codeHostError("failed to read pipeline status", err)
	}
	return status, nil
}

// Merge merges the change. A rejected merge is not retried.
func (a *Activities) Merge(ctx context.Context, input MergeInput) error {
	defer observe(ctx, "merge", time.Now())
	if err := a.Host.Merge(ctx, input.Change, input.Method); err != nil {
		recordActivityError(ctx, "merge")
		return codeHostError("failed to merge change", err)
	}
	return nil
}

// Close abandons the change with a comment.
func (a *Activities) Close(ctx context.Context, input CloseInput) error {
	defer observe(ctx, "close", time.Now())
	if err := a.Host.Close(ctx, input.Change, input.Reason); err != nil {
		recordActivityError(ctx, "close")
		return codeHostError("failed to close change", err)
	}
	return nil
}

// QueryMonitor returns the samples of a metric query.
func (a *Activities) QueryMonitor(ctx context.Context, q deploy.MetricQuery) ([]float64, error) {
	defer observe(ctx, "query_monitor", time.Now())
	if a.Monitor == nil {
		return nil, temporal.NewNonRetryableApplicationError("no monitor configured", ErrTypeMonitorUnavailable, nil)
	}
	values, err := a.Monitor.Query(ctx, q)
	if err != nil {
		recordActivityError(ctx, "query_monitor")
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, temporal.NewApplicationErrorWithCause("failed to query monitor", ErrTypeMonitorUnavailable, err)
	}
	return values, nil
}

func observe(ctx context.Context, name string, start time.Time) {
	activityDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("activity", name)))
}

func recordActivityError(ctx context.Context, name string) {
	activityErrorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("activity", name)))
}
