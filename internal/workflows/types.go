// Package workflows provides Temporal workflow definitions for durable
// deployment of healing fixes.
//
// DeploymentWorkflow submits a validated fix as a change request, polls its
// pipeline on workflow timers and merges or closes it. VerificationWorkflow
// sleeps out the observation window after the merge and asks the monitor
// whether the problem cleared. Both survive process restarts; Deployer
// adapts them to the healing engine.
//
// This file contains the inputs and results shared by workflows and
// activities. Secrets never travel through them: activities reach the code
// host through clients configured on the worker.
package workflows

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/healingd/internal/deploy"
)

// SubmittedQuery returns the deployment record as soon as the change exists.
const SubmittedQuery = "submitted"

// DeploymentOutcome is how a deployment workflow finished.
type DeploymentOutcome string

const (
	OutcomeMerged          DeploymentOutcome = "merged"
	OutcomePipelineFailed  DeploymentOutcome = "pipeline_failed"
	OutcomePipelineTimeout DeploymentOutcome = "pipeline_timeout"
	OutcomeMergeRejected   DeploymentOutcome = "merge_rejected"
)

// DeploymentInput configures DeploymentWorkflow.
type DeploymentInput struct {
	SessionKey      string               // Healing session identity
	Attempt         int                  // Attempt number within the session
	Change          deploy.ChangeRequest // Rendered change to submit
	MergeMethod     string               // merge, squash or rebase
	PollInterval    time.Duration        // Time between pipeline status polls
	PipelineTimeout time.Duration        // Give up on the pipeline after this long
}

// Validate checks that all required fields are set.
func (i *DeploymentInput) Validate() error {
	if i.SessionKey == "" {
		return fmt.Errorf("%w: SessionKey", ErrEmptyField)
	}
	if i.Attempt < 1 {
		return fmt.Errorf("%w: Attempt must be positive, got %d", ErrInvalidInput, i.Attempt)
	}
	if err := validateRepository(i.Change.Repo); err != nil {
		return fmt.Errorf("Change.Repo: %w", err)
	}
	if err := validateBranchName(i.Change.Base); err != nil {
		return fmt.Errorf("Change.Base: %w", err)
	}
	if err := validateBranchName(i.Change.Branch); err != nil {
		return fmt.Errorf("Change.Branch: %w", err)
	}
	for path := range i.Change.Files {
		if err := validateFilePath(path); err != nil {
			return fmt.Errorf("Change.Files: %w", err)
		}
	}
	switch i.MergeMethod {
	case "merge", "squash", "rebase":
	default:
		return fmt.Errorf("%w: MergeMethod must be merge, squash or rebase, got %q", ErrInvalidInput, i.MergeMethod)
	}
	if i.PollInterval <= 0 || i.PipelineTimeout <= 0 {
		return fmt.Errorf("%w: PollInterval and PipelineTimeout must be positive", ErrInvalidInput)
	}
	return nil
}

// DeploymentResult contains the deployment record and how it ended.
type DeploymentResult struct {
	Record  deploy.Record     // Change, pipeline and merge state
	Outcome DeploymentOutcome // Set when the workflow completes
	Errors  []string          // Non-fatal problems, e.g. a change that could not be closed
}

// VerificationInput configures VerificationWorkflow.
type VerificationInput struct {
	Record    deploy.Record // Merged deployment to verify
	Expr      string        // Metric expression
	Window    time.Duration // Observation window measured from the merge
	Threshold float64       // Samples above this mean the problem persists
	Step      time.Duration // Query resolution
}

// Validate checks that all required fields are set.
func (i *VerificationInput) Validate() error {
	if i.Record.ChangeID <= 0 {
		return fmt.Errorf("%w: Record.ChangeID must be positive, got %d", ErrInvalidInput, i.Record.ChangeID)
	}
	if i.Record.MergedAt.IsZero() {
		return fmt.Errorf("%w: Record.MergedAt", ErrEmptyField)
	}
	if i.Expr == "" {
		return fmt.Errorf("%w: Expr", ErrEmptyField)
	}
	if i.Window <= 0 {
		return fmt.Errorf("%w: Window must be positive", ErrInvalidInput)
	}
	return nil
}
