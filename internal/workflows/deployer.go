package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healingd/internal/deploy"
)

// workflowClient is the part of client.Client the Deployer uses.
type workflowClient interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	QueryWorkflow(ctx context.Context, workflowID string, runID string, queryType string, args ...interface{}) (converter.EncodedValue, error)
	CancelWorkflow(ctx context.Context, workflowID string, runID string) error
}

// DeployerConfig configures a Deployer.
type DeployerConfig struct {
	TaskQueue       string
	MergeMethod     string
	PollInterval    time.Duration
	PipelineTimeout time.Duration
	// QueryInterval is how often a running deployment is asked whether its
	// change exists yet. Default 2s.
	QueryInterval time.Duration
	// CancelTimeout bounds the cancel request sent when the caller gives up.
	// Default 10s.
	CancelTimeout time.Duration
}

// Deployer ships fixes through DeploymentWorkflow and verifies them through
// VerificationWorkflow, so a deployment in flight survives a restart of the
// process that started it. Change rendering and the synchronous Merged and
// Abandon checks go through the coordinator.
type Deployer struct {
	client      workflowClient
	coordinator *deploy.Coordinator
	config      DeployerConfig
	logger      *zap.Logger
}

// NewDeployer returns a Deployer starting workflows on cfg.TaskQueue.
func NewDeployer(c client.Client, coordinator *deploy.Coordinator, cfg DeployerConfig, logger *zap.Logger) (*Deployer, error) {
	return newDeployer(c, coordinator, cfg, logger)
}

func newDeployer(c workflowClient, coordinator *deploy.Coordinator, cfg DeployerConfig, logger *zap.Logger) (*Deployer, error) {
	if c == nil {
		return nil, errors.New("temporal client is required")
	}
	if coordinator == nil {
		return nil, errors.New("deploy coordinator is required")
	}
	if cfg.TaskQueue == "" {
		return nil, errors.New("task queue is required")
	}
	if cfg.MergeMethod == "" {
		cfg.MergeMethod = "squash"
	}
	if cfg.QueryInterval <= 0 {
		cfg.QueryInterval = 2 * time.Second
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deployer{client: c, coordinator: coordinator, config: cfg, logger: logger}, nil
}

// DeploymentWorkflowID is deterministic so a retried start joins the
// running workflow instead of submitting a second change.
func DeploymentWorkflowID(sessionKey string, attempt int) string {
	return fmt.Sprintf("healing-deploy-%s-%d", sessionKey, attempt)
}

// VerificationWorkflowID identifies the verification of one change.
func VerificationWorkflowID(rec deploy.Record) string {
	return fmt.Sprintf("healing-verify-%s-%d", strings.ReplaceAll(rec.Repo, "/", "-"), rec.ChangeID)
}

// MonitoringEnabled reports whether Verify can confirm clearance.
func (d *Deployer) MonitoringEnabled() bool {
	return d.coordinator.MonitoringEnabled()
}

// Deploy runs DeploymentWorkflow for req and waits for it. req.OnSubmitted
// is called once, from a separate goroutine, as soon as the workflow
// reports the change; Deploy does not return before that call has
// finished.
func (d *Deployer) Deploy(ctx context.Context, req deploy.Request) (deploy.Record, error) {
	if !req.Sandbox.Pass {
		return deploy.Record{}, deploy.ErrPreconditionFailed
	}
	cr, err := d.coordinator.ChangeRequest(req)
	if err != nil {
		return deploy.Record{}, err
	}

	input := DeploymentInput{
		SessionKey:      req.SessionKey,
		Attempt:         req.Attempt,
		Change:          cr,
		MergeMethod:     d.config.MergeMethod,
		PollInterval:    d.config.PollInterval,
		PipelineTimeout: d.config.PipelineTimeout,
	}
	options := client.StartWorkflowOptions{
		ID:        DeploymentWorkflowID(req.SessionKey, req.Attempt),
		TaskQueue: d.config.TaskQueue,
	}
	run, err := d.client.ExecuteWorkflow(ctx, options, DeploymentWorkflow, input)
	if err != nil {
		return deploy.Record{}, fmt.Errorf("%w: starting deployment workflow: %v", deploy.ErrCodeHostUnavailable, err)
	}
	d.logger.Info("deployment workflow started",
		zap.String("session.key", req.SessionKey),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)

	var (
		wg        sync.WaitGroup
		submitted deploy.Record
	)
	watchCtx, stopWatch := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		submitted = d.watchSubmission(watchCtx, run, req.OnSubmitted)
	}()

	var result DeploymentResult
	err = run.Get(ctx, &result)
	stopWatch()
	wg.Wait()

	if result.Record.ChangeID == 0 {
		result.Record = submitted
	}
	if ctx.Err() != nil {
		d.cancel(run)
		return result.Record, ctx.Err()
	}
	if err != nil {
		return result.Record, fmt.Errorf("%w: deployment workflow: %v", deploy.ErrCodeHostUnavailable, err)
	}
	if submitted.ChangeID == 0 && req.OnSubmitted != nil {
		req.OnSubmitted(result.Record)
	}
	return result.Record, outcomeError(result)
}

// watchSubmission queries the workflow until it reports a change, hands the
// record to onSubmitted and returns it. It returns a zero Record when ctx
// ends first.
func (d *Deployer) watchSubmission(ctx context.Context, run client.WorkflowRun, onSubmitted func(deploy.Record)) deploy.Record {
	ticker := time.NewTicker(d.config.QueryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return deploy.Record{}
		case <-ticker.C:
		}

		value, err := d.client.QueryWorkflow(ctx, run.GetID(), run.GetRunID(), SubmittedQuery)
		if err != nil {
			d.logger.Debug("submission query failed", zap.String("workflow_id", run.GetID()), zap.Error(err))
			continue
		}
		var rec deploy.Record
		if !value.HasValue() {
			continue
		}
		if err := value.Get(&rec); err != nil {
			d.logger.Warn("decoding submission query", zap.String("workflow_id", run.GetID()), zap.Error(err))
			continue
		}
		if rec.ChangeID == 0 {
			continue
		}
		if onSubmitted != nil {
			onSubmitted(rec)
		}
		return rec
	}
}

// outcomeError maps a completed workflow to the coordinator's errors.
func outcomeError(result DeploymentResult) error {
	switch result.Outcome {
	case OutcomeMerged:
		return nil
	case OutcomePipelineFailed:
		return deploy.ErrPipelineFailed
	case OutcomePipelineTimeout:
		return deploy.ErrPipelineTimeout
	case OutcomeMergeRejected:
		return fmt.Errorf("merging change %d: %w", result.Record.ChangeID, deploy.ErrMergeRejected)
	default:
		return fmt.Errorf("%w: deployment workflow finished without an outcome", deploy.ErrCodeHostUnavailable)
	}
}

// Verify runs VerificationWorkflow for req. Without a monitor the
// deployment is marked skipped.
func (d *Deployer) Verify(ctx context.Context, req deploy.VerifyRequest) (deploy.Record, error) {
	rec := req.Record
	if !d.MonitoringEnabled() {
		rec.VerificationStatus = deploy.VerificationSkipped
		return rec, nil
	}
	if rec.MergeStatus != deploy.Merged {
		return rec, fmt.Errorf("%w: change %d is not merged", deploy.ErrPreconditionFailed, rec.ChangeID)
	}

	options := client.StartWorkflowOptions{
		ID:        VerificationWorkflowID(rec),
		TaskQueue: d.config.TaskQueue,
	}
	run, err := d.client.ExecuteWorkflow(ctx, options, VerificationWorkflow, VerificationInput{
		Record:    rec,
		Expr:      req.Expr,
		Window:    req.Window,
		Threshold: req.Threshold,
		Step:      req.Step,
	})
	if err != nil {
		return rec, fmt.Errorf("%w: starting verification workflow: %v", deploy.ErrMonitorUnavailable, err)
	}

	var verified deploy.Record
	err = run.Get(ctx, &verified)
	if ctx.Err() != nil {
		d.cancel(run)
		return rec, ctx.Err()
	}
	if err != nil {
		return rec, fmt.Errorf("%w: verification workflow: %v", deploy.ErrMonitorUnavailable, err)
	}
	return verified, nil
}

// Merged reports whether the record's change has been merged.
func (d *Deployer) Merged(ctx context.Context, rec deploy.Record) (bool, error) {
	return d.coordinator.Merged(ctx, rec)
}

// Abandon closes the record's change with reason.
func (d *Deployer) Abandon(ctx context.Context, rec deploy.Record, reason string) (deploy.Record, error) {
	return d.coordinator.Abandon(ctx, rec, reason)
}

// cancel asks the workflow to stop. DeploymentWorkflow closes an unmerged
// change on cancellation.
func (d *Deployer) cancel(run client.WorkflowRun) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.CancelTimeout)
	defer cancel()
	if err := d.client.CancelWorkflow(ctx, run.GetID(), run.GetRunID()); err != nil {
		d.logger.Warn("cancelling workflow", zap.String("workflow_id", run.GetID()), zap.Error(err))
	}
}
