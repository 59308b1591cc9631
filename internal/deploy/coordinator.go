package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healingd/internal/remediation"
	"github.com/fyrsmithlabs/healingd/internal/sandbox"
)

const instrumentationName = "github.com/fyrsmithlabs/healingd/internal/deploy"

// Config configures a Coordinator.
type Config struct {
	TargetBranch    string
	PollInterval    time.Duration
	PipelineTimeout time.Duration
	MergeMethod     string
	ManifestDir     string
	// CloseTimeout bounds closing a change after its pipeline gave up.
	CloseTimeout time.Duration
}

// Request is a sandbox-validated fix to ship.
type Request struct {
	SessionKey string
	Attempt    int
	Repo       string
	Problem    string
	Proposal   remediation.Proposal
	Sandbox    sandbox.Result
	// OnSubmitted, when set, sees the record as soon as the change exists,
	// before the pipeline is awaited.
	OnSubmitted func(Record) `json:"-"`
}

// VerifyRequest asks whether the problem cleared after a deployment.
type VerifyRequest struct {
	Record    Record
	Expr      string
	Window    time.Duration
	Threshold float64
	Step      time.Duration
}

// Manifest is committed with every change so the fix is reviewable and
// replayable from the repository alone.
type Manifest struct {
	SessionKey   string              `json:"session_key"`
	Attempt      int                 `json:"attempt"`
	ProposalID   string              `json:"proposal_id"`
	FixType      remediation.FixType `json:"fix_type"`
	Title        string              `json:"title"`
	Steps        []string            `json:"steps"`
	Validations  []string            `json:"validations"`
	RollbackPlan string              `json:"rollback_plan,omitempty"`
	Confidence   float64             `json:"confidence"`
	Sandbox      string              `json:"sandbox"`
}

// Coordinator runs the deploy and verify protocol.
type Coordinator struct {
	config  Config
	host    CodeHost
	monitor Monitor
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewCoordinator returns a Coordinator. monitor may be nil, in which case
// verification is skipped.
func NewCoordinator(cfg Config, host CodeHost, monitor Monitor, logger *zap.Logger) (*Coordinator, error) {
	if host == nil {
		return nil, errors.New("code host is required")
	}
	if cfg.PollInterval <= 0 || cfg.PipelineTimeout <= 0 {
		return nil, errors.New("poll interval and pipeline timeout must be positive")
	}
	if cfg.TargetBranch == "" {
		cfg.TargetBranch = "main"
	}
	if cfg.MergeMethod == "" {
		cfg.MergeMethod = "squash"
	}
	if cfg.ManifestDir == "" {
		cfg.ManifestDir = ".healing"
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		config:  cfg,
		host:    host,
		monitor: monitor,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
	}, nil
}

// MonitoringEnabled reports whether Verify can confirm clearance.
func (c *Coordinator) MonitoringEnabled() bool {
	return c.monitor != nil
}

// Deploy submits the fix, waits for its pipeline and merges it. On pipeline
// failure or timeout the change is closed and the returned Record says so
// alongside ErrPipelineFailed or ErrPipelineTimeout.
func (c *Coordinator) Deploy(ctx context.Context, req Request) (Record, error) {
	if !req.Sandbox.Pass {
		return Record{}, ErrPreconditionFailed
	}
	ctx, span := c.tracer.Start(ctx, "deploy.deploy", trace.WithAttributes(
		attribute.String("session.key", req.SessionKey),
		attribute.Int("session.attempt", req.Attempt),
		attribute.String("repo", req.Repo),
	))
	defer span.End()

	cr, err := c.ChangeRequest(req)
	if err != nil {
		return Record{}, err
	}
	change, err := c.host.CreateChange(ctx, cr)
	if err != nil {
		return Record{}, fmt.Errorf("submitting change: %w", err)
	}

	rec := Record{
		Repo:               change.Repo,
		ChangeID:           change.ID,
		ChangeURL:          change.URL,
		Branch:             change.Branch,
		HeadSHA:            change.HeadSHA,
		PipelineStatus:     PipelinePending,
		MergeStatus:        NotMerged,
		VerificationStatus: VerificationPending,
		SubmittedAt:        time.Now().UTC(),
	}
	c.logger.Info("change submitted",
		zap.String("session.key", req.SessionKey),
		zap.Int("change_id", change.ID),
		zap.String("url", change.URL),
	)
	span.SetAttributes(attribute.Int("change.id", change.ID))
	if req.OnSubmitted != nil {
		req.OnSubmitted(rec)
	}

	return c.Complete(ctx, rec)
}

// Complete waits for the pipeline of an already submitted change and merges
// or closes it. It is the second half of Deploy, exposed so a change left
// pending across a restart can be finished.
func (c *Coordinator) Complete(ctx context.Context, rec Record) (Record, error) {
	status, err := c.awaitPipeline(ctx, rec.Change())
	rec.PipelineStatus = status
	switch {
	case err != nil && ctx.Err() != nil:
		c.abandon(ctx, &rec, "healing session ran out of time before the pipeline finished")
		return rec, err
	case err != nil:
		// The pipeline could not be observed; leave the change for Restore.
		return rec, err
	case status == PipelineFailure:
		c.abandon(ctx, &rec, "pipeline failed; closing automated fix")
		return rec, ErrPipelineFailed
	case status == PipelineTimeout:
		c.abandon(ctx, &rec, fmt.Sprintf("pipeline did not finish within %s; closing automated fix", c.config.PipelineTimeout))
		return rec, ErrPipelineTimeout
	}

	if err := c.host.Merge(ctx, rec.Change(), c.config.MergeMethod); err != nil {
		if errors.Is(err, ErrMergeRejected) {
			c.abandon(ctx, &rec, "merge rejected: "+err.Error())
		}
		return rec, fmt.Errorf("merging change %d: %w", rec.ChangeID, err)
	}
	rec.MergeStatus = Merged
	rec.MergedAt = time.Now().UTC()
	c.logger.Info("change merged", zap.Int("change_id", rec.ChangeID))
	return rec, nil
}

// awaitPipeline polls until the pipeline settles or PipelineTimeout passes.
// A failed poll is retried on the next tick.
func (c *Coordinator) awaitPipeline(ctx context.Context, change Change) (PipelineStatus, error) {
	deadline := time.NewTimer(c.config.PipelineTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		status, err := c.host.PipelineStatus(ctx, change)
		switch {
		case err != nil:
			lastErr = err
			c.logger.Warn("pipeline status poll failed", zap.Int("change_id", change.ID), zap.Error(err))
		case status == PipelineSuccess || status == PipelineFailure:
			return status, nil
		default:
			lastErr = nil
		}

		select {
		case <-ctx.Done():
			return PipelinePending, ctx.Err()
		case <-deadline.C:
			if lastErr != nil {
				return PipelinePending, lastErr
			}
			return PipelineTimeout, nil
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) abandon(ctx context.Context, rec *Record, reason string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CloseTimeout)
	defer cancel()
	if err := c.host.Close(cctx, rec.Change(), reason); err != nil {
		c.logger.Error("failed to close change", zap.Int("change_id", rec.ChangeID), zap.Error(err))
		return
	}
	rec.MergeStatus = Closed
}

// Merged reports whether the record's change has been merged.
func (c *Coordinator) Merged(ctx context.Context, rec Record) (bool, error) {
	return c.host.Merged(ctx, rec.Change())
}

// Abandon closes the record's change with reason.
func (c *Coordinator) Abandon(ctx context.Context, rec Record, reason string) (Record, error) {
	if err := c.host.Close(ctx, rec.Change(), reason); err != nil {
		return rec, err
	}
	rec.MergeStatus = Closed
	return rec, nil
}

// Verify waits until the observation window after the merge has passed,
// then queries the monitor over that window. The problem counts as cleared
// iff no sample exceeds the threshold.
func (c *Coordinator) Verify(ctx context.Context, req VerifyRequest) (Record, error) {
	rec := req.Record
	if c.monitor == nil {
		rec.VerificationStatus = VerificationSkipped
		return rec, nil
	}
	if rec.MergeStatus != Merged {
		return rec, fmt.Errorf("%w: change %d is not merged", ErrPreconditionFailed, rec.ChangeID)
	}

	ctx, span := c.tracer.Start(ctx, "deploy.verify", trace.WithAttributes(
		attribute.Int("change.id", rec.ChangeID),
		attribute.String("query", req.Expr),
	))
	defer span.End()

	end := rec.MergedAt.Add(req.Window)
	if wait := time.Until(end); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-timer.C:
		}
	}

	values, err := c.monitor.Query(ctx, MetricQuery{
		Expr:  req.Expr,
		Start: rec.MergedAt,
		End:   end,
		Step:  req.Step,
	})
	if err != nil {
		return rec, err
	}

	rec.Query = req.Expr
	rec.Threshold = req.Threshold
	rec.ObservedValues = values
	rec.VerifiedAt = time.Now().UTC()
	rec.VerificationStatus = Clearance(values, req.Threshold)
	span.SetAttributes(attribute.String("verification", string(rec.VerificationStatus)))
	return rec, nil
}

// Clearance is VerificationCleared iff no sample exceeds threshold. An empty
// series counts as cleared.
func Clearance(values []float64, threshold float64) VerificationStatus {
	for _, v := range values {
		if v > threshold {
			return VerificationNotCleared
		}
	}
	return VerificationCleared
}

// ChangeRequest renders the change for req: branch, manifest and pull
// request text.
func (c *Coordinator) ChangeRequest(req Request) (ChangeRequest, error) {
	p := req.Proposal
	manifest, err := json.MarshalIndent(Manifest{
		SessionKey:   req.SessionKey,
		Attempt:      req.Attempt,
		ProposalID:   p.ID,
		FixType:      p.FixType,
		Title:        p.Title,
		Steps:        p.Steps,
		Validations:  p.Validations,
		RollbackPlan: p.RollbackPlan,
		Confidence:   p.Confidence,
		Sandbox:      req.Sandbox.Summary(),
	}, "", "  ")
	if err != nil {
		return ChangeRequest{}, fmt.Errorf("encoding manifest: %w", err)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Automated remediation for `%s` (attempt %d).\n\n", req.SessionKey, req.Attempt)
	if req.Problem != "" {
		fmt.Fprintf(&body, "**Problem**\n\n%s\n\n", req.Problem)
	}
	if p.Description != "" {
		fmt.Fprintf(&body, "**Fix**\n\n%s\n\n", p.Description)
	}
	fmt.Fprintf(&body, "Type: %s · Risk: %s · Confidence: %.2f\n\n", p.FixType, p.Risk, p.Confidence)
	body.WriteString("**Steps**\n\n")
	for i, s := range p.Steps {
		fmt.Fprintf(&body, "%d. `%s`\n", i+1, s)
	}
	body.WriteString("\n**Validated in sandbox with**\n\n")
	for i, v := range p.Validations {
		fmt.Fprintf(&body, "%d. `%s`\n", i+1, v)
	}
	fmt.Fprintf(&body, "\nSandbox: %s\n", req.Sandbox.Summary())
	if p.RollbackPlan != "" {
		fmt.Fprintf(&body, "\n**Rollback**\n\n%s\n", p.RollbackPlan)
	}

	return ChangeRequest{
		Repo:   req.Repo,
		Base:   c.config.TargetBranch,
		Branch: fmt.Sprintf("healing/%s-%d", req.SessionKey, req.Attempt),
		Title:  fmt.Sprintf("fix(healing): %s", p.Title),
		Body:   body.String(),
		Files: map[string][]byte{
			fmt.Sprintf("%s/%s.json", c.config.ManifestDir, req.SessionKey): append(manifest, '\n'),
		},
	}, nil
}
