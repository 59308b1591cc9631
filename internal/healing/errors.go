package healing

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/healingd/internal/deploy"
	"github.com/fyrsmithlabs/healingd/internal/reasoner"
	"github.com/fyrsmithlabs/healingd/internal/remediation"
	"github.com/fyrsmithlabs/healingd/internal/sandbox"
)

var (
	// ErrSessionNotFound means no live session has the key.
	ErrSessionNotFound = errors.New("no live session with that key")

	// ErrCoolingDown means the session is waiting out its cooldown.
	ErrCoolingDown = errors.New("session is cooling down")

	// ErrCapacity means the live session limit has been reached.
	ErrCapacity = errors.New("live session limit reached")
)

// Kind classifies why an attempt failed.
type Kind string

const (
	KindReasonerUnavailable           Kind = "reasoner_unavailable"
	KindNoProposal                    Kind = "no_proposal"
	KindInvalidProposal               Kind = "invalid_proposal"
	KindSandboxUnavailable            Kind = "sandbox_unavailable"
	KindSandboxFailed                 Kind = "sandbox_failed"
	KindDeploymentPipelineUnavailable Kind = "deployment_pipeline_unavailable"
	KindPipelineFailed                Kind = "pipeline_failed"
	KindMonitorUnavailable            Kind = "monitor_unavailable"
	KindVerificationTimeout           Kind = "verification_timeout"
	KindTimeBudget                    Kind = "time_budget"
	KindInterrupted                   Kind = "interrupted"
)

// AttemptError is a collaborator failure attributed to a stage.
type AttemptError struct {
	Kind  Kind
	Stage State
	Err   error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

func attemptError(kind Kind, stage State, err error) *AttemptError {
	return &AttemptError{Kind: kind, Stage: stage, Err: err}
}

// classify maps a collaborator error to a Kind.
func classify(stage State, err error) Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		if stage == StateVerifying {
			return KindVerificationTimeout
		}
		return KindTimeBudget
	case errors.Is(err, reasoner.ErrNoProposal):
		return KindNoProposal
	case errors.Is(err, remediation.ErrInvalidProposal):
		return KindInvalidProposal
	case errors.Is(err, sandbox.ErrSandboxUnavailable), errors.Is(err, sandbox.ErrJobInFlight):
		return KindSandboxUnavailable
	case errors.Is(err, deploy.ErrPipelineFailed), errors.Is(err, deploy.ErrPipelineTimeout),
		errors.Is(err, deploy.ErrMergeRejected):
		return KindPipelineFailed
	case errors.Is(err, deploy.ErrCodeHostUnavailable):
		return KindDeploymentPipelineUnavailable
	case errors.Is(err, deploy.ErrMonitorUnavailable):
		return KindMonitorUnavailable
	}
	switch stage {
	case StateReasoning:
		return KindReasonerUnavailable
	case StateValidating:
		return KindSandboxUnavailable
	case StateDeploying:
		return KindDeploymentPipelineUnavailable
	default:
		return KindMonitorUnavailable
	}
}
