package healing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healingd/internal/constraint"
	"github.com/fyrsmithlabs/healingd/internal/deploy"
	"github.com/fyrsmithlabs/healingd/internal/reasoner"
	"github.com/fyrsmithlabs/healingd/internal/remediation"
	"github.com/fyrsmithlabs/healingd/internal/sandbox"
)

// cleanupTimeout bounds best-effort calls made after the caller's context
// is gone: closing abandoned changes, archiving and learning.
const cleanupTimeout = 30 * time.Second

// step gates and then runs the work of the current state. The caller holds
// the entry lock.
func (e *Engine) step(ctx context.Context, ent *entry) error {
	s := ent.session
	now := e.now()

	stage := s.State.stage()
	d := e.constraints.Evaluate(stage, s.history(), now)
	e.metrics.verdict(ctx, stage, d)
	if d.Escalate() {
		e.escalate(ctx, ent, fmt.Sprintf("%s: %s", d.Verdict, d.Reason))
		return nil
	}
	if d.Verdict == constraint.DenyCooldownActive && s.State == StateOpen {
		if !s.CooldownUntil.Equal(d.RetryAt) {
			s.CooldownUntil = d.RetryAt
			e.save(ctx, ent)
		}
		return ErrCoolingDown
	}

	switch s.State {
	case StateOpen:
		e.startAttempt(ctx, ent, now)
		return nil
	case StateReasoning:
		return e.reason(ctx, ent)
	case StateValidating:
		return e.validate(ctx, ent)
	case StateDeploying:
		return e.deploy(ctx, ent)
	case StateVerifying:
		return e.verify(ctx, ent)
	default:
		return fmt.Errorf("session %s in unknown state %q", s.Key, s.State)
	}
}

func (e *Engine) startAttempt(ctx context.Context, ent *entry, now time.Time) {
	s := ent.session
	s.Attempts++
	s.LastAttempt = now
	s.CooldownUntil = time.Time{}
	s.Proposal, s.SandboxResult, s.Deployment = nil, nil, nil
	s.History = append(s.History, Attempt{
		Number:     s.Attempts,
		StartedAt:  now,
		FinalStage: StateReasoning,
	})
	e.metrics.attemptStarted(ctx)
	e.transition(ctx, ent, StateReasoning)
}

func (e *Engine) reason(ctx context.Context, ent *entry) error {
	s := ent.session
	cctx, cancel := context.WithDeadline(ctx, e.constraints.Deadline(constraint.StageReasoning, s.FirstSeen, e.now()))
	defer cancel()

	req := reasoner.ReasonRequest{
		Key:           s.Key,
		Events:        slices.Clone(s.Events),
		PriorAttempts: priorAttempts(s),
		Hints:         e.hints(cctx, s),
	}
	prop, err := e.reasoner.Propose(cctx, req)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		e.fail(ctx, ent, attemptError(classify(StateReasoning, err), StateReasoning, err))
		return nil
	}

	cur := s.current()
	cur.ProposalID = prop.ID
	cur.FixType = string(prop.FixType)
	cur.Title = prop.Title
	if err := prop.Validate(); err != nil {
		e.fail(ctx, ent, attemptError(KindInvalidProposal, StateReasoning, err))
		return nil
	}

	s.Proposal = &prop
	e.transition(ctx, ent, StateValidating)
	return nil
}

func (e *Engine) validate(ctx context.Context, ent *entry) error {
	s := ent.session
	if s.Proposal == nil {
		e.fail(ctx, ent, attemptError(KindInvalidProposal, StateValidating, errors.New("no proposal to validate")))
		return nil
	}

	job := e.config.Profile.Job(s.Key, s.Attempts, *s.Proposal)
	if e.config.CloneRepository {
		if repo := e.repository(s); repo != "" {
			job.Repository = sandbox.GitHubRepository(e.config.GitHubBaseURL, repo, "")
		}
	}

	cctx, cancel := context.WithDeadline(ctx, e.constraints.Deadline(constraint.StageValidating, s.FirstSeen, e.now()))
	defer cancel()
	result, err := e.sandbox.Run(cctx, job)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		e.fail(ctx, ent, attemptError(classify(StateValidating, err), StateValidating, err))
		return nil
	}

	s.current().Sandbox = result.Summary()
	s.SandboxResult = &result
	switch {
	case result.Pass:
		e.transition(ctx, ent, StateDeploying)
	case result.QueueTimedOut:
		e.fail(ctx, ent, attemptError(KindTimeBudget, StateValidating, errors.New(result.Summary())))
	case result.TimedOut:
		e.fail(ctx, ent, attemptError(KindVerificationTimeout, StateValidating, errors.New(result.Summary())))
	default:
		e.fail(ctx, ent, attemptError(KindSandboxFailed, StateValidating, errors.New(result.Summary())))
	}
	return nil
}

func (e *Engine) deploy(ctx context.Context, ent *entry) error {
	s := ent.session
	if s.Proposal == nil || s.SandboxResult == nil || !s.SandboxResult.Pass {
		e.logger.DPanic(ctx, "deploy requested without a passing sandbox result", zap.String("session.key", s.Key))
		e.escalate(ctx, ent, "internal error: deploy requested without a passing sandbox result")
		return nil
	}
	repo := e.repository(s)
	if repo == "" {
		e.escalate(ctx, ent, "no repository to deploy the fix to")
		return nil
	}

	cctx, cancel := context.WithDeadline(ctx, e.constraints.Deadline(constraint.StageDeploying, s.FirstSeen, e.now()))
	defer cancel()
	rec, err := e.deployer.Deploy(cctx, deploy.Request{
		SessionKey: s.Key,
		Attempt:    s.Attempts,
		Repo:       repo,
		Problem:    s.Problem,
		Proposal:   *s.Proposal,
		Sandbox:    *s.SandboxResult,
		OnSubmitted: func(rec deploy.Record) {
			s.Deployment = &rec
			s.current().Deployment = rec.Summary()
			e.save(ctx, ent)
		},
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		if errors.Is(err, deploy.ErrPreconditionFailed) {
			e.logger.DPanic(ctx, "deployer rejected fix as unvalidated", zap.String("session.key", s.Key), zap.Error(err))
			e.escalate(ctx, ent, "internal error: "+err.Error())
			return nil
		}
		if rec.ChangeID != 0 {
			if rec.MergeStatus == deploy.NotMerged {
				rec = e.abandon(ctx, rec, "healing attempt failed: "+err.Error())
			}
			s.current().Deployment = rec.Summary()
		}
		e.fail(ctx, ent, attemptError(classify(StateDeploying, err), StateDeploying, err))
		return nil
	}

	s.Deployment = &rec
	s.current().Deployment = rec.Summary()
	if !s.MonitoringEnabled {
		e.finish(ctx, ent, StateResolved, "fix merged; monitoring unavailable so resolution is provisional", true)
		return nil
	}
	e.transition(ctx, ent, StateVerifying)
	return nil
}

func (e *Engine) verify(ctx context.Context, ent *entry) error {
	s := ent.session
	if s.Deployment == nil {
		e.logger.DPanic(ctx, "verifying without a deployment", zap.String("session.key", s.Key))
		e.escalate(ctx, ent, "internal error: verifying without a deployment")
		return nil
	}

	cctx, cancel := context.WithDeadline(ctx, e.constraints.Deadline(constraint.StageVerifying, s.FirstSeen, e.now()))
	defer cancel()
	rec, err := e.deployer.Verify(cctx, deploy.VerifyRequest{
		Record:    *s.Deployment,
		Expr:      e.verifyQuery(s),
		Window:    e.config.Verify.Window,
		Threshold: e.config.Verify.Threshold,
		Step:      e.config.Verify.Step,
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !e.now().Before(e.constraints.SessionDeadline(s.FirstSeen)) {
			e.endAttempt(s, e.now(), attemptError(KindTimeBudget, StateVerifying, err))
			e.escalate(ctx, ent, "session time budget exhausted during verification")
			return nil
		}
		kind := classify(StateVerifying, err)
		e.endAttempt(s, e.now(), attemptError(kind, StateVerifying, err))
		e.finish(ctx, ent, StateFailed, fmt.Sprintf("verification could not complete: %s", kind), false)
		return nil
	}

	s.Deployment = &rec
	s.current().Deployment = rec.Summary()
	switch rec.VerificationStatus {
	case deploy.VerificationCleared:
		e.finish(ctx, ent, StateResolved, "monitor confirmed the condition cleared", false)
	case deploy.VerificationSkipped:
		e.finish(ctx, ent, StateResolved, "fix merged; verification skipped so resolution is provisional", true)
	default:
		err := fmt.Errorf("condition persisted after %s: peak %g above threshold %g",
			e.config.Verify.Window, slices.Max(append([]float64{rec.Threshold}, rec.ObservedValues...)), rec.Threshold)
		e.endAttempt(s, e.now(), attemptError(KindVerificationTimeout, StateVerifying, err))
		e.finish(ctx, ent, StateFailed, "fix deployed but the condition did not clear", false)
	}
	return nil
}

// transition moves a live session to a working state and saves it.
func (e *Engine) transition(ctx context.Context, ent *entry, to State) {
	s := ent.session
	from := s.State
	s.State = to
	if cur := s.current(); cur != nil && to != StateOpen {
		cur.FinalStage = to
	}
	e.metrics.transition(ctx, from, to)
	e.logger.Info(ctx, "session transition",
		zap.String("session.key", s.Key),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	e.save(ctx, ent)
}

func (e *Engine) endAttempt(s *Session, now time.Time, aerr *AttemptError) {
	cur := s.current()
	if cur == nil {
		return
	}
	cur.EndedAt = now
	if aerr != nil {
		cur.ErrorKind = aerr.Kind
		cur.Error = aerr.Err.Error()
	}
}

// fail records a failed attempt, then returns the session to Open with a
// cooldown, or escalates it when the constraints forbid another attempt.
func (e *Engine) fail(ctx context.Context, ent *entry, aerr *AttemptError) {
	s := ent.session
	now := e.now()
	e.endAttempt(s, now, aerr)
	s.LastFailure = now
	s.Proposal, s.SandboxResult, s.Deployment = nil, nil, nil

	e.metrics.attemptFailed(ctx, aerr.Kind)
	e.logger.Warn(ctx, "healing attempt failed",
		zap.String("session.key", s.Key),
		zap.Int("attempt", s.Attempts),
		zap.String("kind", string(aerr.Kind)),
		zap.String("stage", string(aerr.Stage)),
		zap.Error(aerr.Err),
	)

	d := e.constraints.Evaluate(constraint.StageReasoning, s.history(), now)
	e.metrics.verdict(ctx, constraint.StageReasoning, d)
	if d.Escalate() {
		e.escalate(ctx, ent, fmt.Sprintf("%s: %s (last failure: %s)", d.Verdict, d.Reason, aerr.Kind))
		return
	}
	s.CooldownUntil = d.RetryAt
	e.transition(ctx, ent, StateOpen)
}

func (e *Engine) escalate(ctx context.Context, ent *entry, reason string) {
	e.finish(ctx, ent, StateEscalated, reason, false)
}

// finish moves the session to a terminal state, removes it from the live
// registry and archives it with its report.
func (e *Engine) finish(ctx context.Context, ent *entry, to State, reason string, provisional bool) {
	s := ent.session
	now := e.now()
	from := s.State
	e.endAttempt(s, now, nil)

	s.State = to
	s.Outcome = outcomeOf(to)
	s.Provisional = provisional
	s.Reason = reason
	s.ClosedAt = now
	s.UpdatedAt = now
	s.CooldownUntil = time.Time{}
	e.registry.remove(ent)

	snap := s.Clone()
	ent.snapshot.Store(snap)
	report := newReport(snap)

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if e.store != nil {
		if err := e.store.ArchiveSession(actx, snap, report); err != nil {
			e.logger.Error(ctx, "failed to archive session", zap.String("session.key", s.Key), zap.Error(err))
		}
	}
	if e.notifier != nil {
		e.notifier.SessionChanged(actx, snap)
		e.notifier.SessionArchived(actx, report)
	}
	e.learn(actx, snap)

	e.metrics.transition(ctx, from, to)
	e.metrics.archived(ctx, report)
	e.logger.Info(ctx, "healing session closed",
		zap.String("session.key", s.Key),
		zap.String("outcome", string(s.Outcome)),
		zap.Bool("provisional", provisional),
		zap.Int("attempts", s.Attempts),
		zap.String("reason", reason),
	)
}

// abandon closes a change left open by a failed deployment.
func (e *Engine) abandon(ctx context.Context, rec deploy.Record, reason string) deploy.Record {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	closed, err := e.deployer.Abandon(actx, rec, reason)
	if err != nil {
		e.logger.Error(ctx, "failed to close abandoned change",
			zap.String("change.url", rec.ChangeURL),
			zap.Error(err),
		)
		return rec
	}
	return closed
}

// learn records a finished proposal in remediation memory.
func (e *Engine) learn(ctx context.Context, s *Session) {
	if e.memory == nil || s.Proposal == nil {
		return
	}
	err := e.memory.Record(ctx, remediation.Entry{
		Key:        s.Key,
		Problem:    s.Problem,
		Category:   s.Category,
		Proposal:   *s.Proposal,
		Outcome:    string(s.Outcome),
		RecordedAt: s.ClosedAt,
	})
	if err != nil {
		e.logger.Warn(ctx, "failed to record remediation", zap.String("session.key", s.Key), zap.Error(err))
	}
}

func (e *Engine) hints(ctx context.Context, s *Session) []remediation.Hint {
	if e.memory == nil || e.config.MaxHints <= 0 {
		return nil
	}
	hints, err := e.memory.Search(ctx, s.Problem, e.config.MaxHints)
	if err != nil {
		e.logger.Warn(ctx, "remediation memory search failed", zap.String("session.key", s.Key), zap.Error(err))
		return nil
	}
	return hints
}

func (e *Engine) repository(s *Session) string {
	if repo := s.repository(); repo != "" {
		return repo
	}
	return e.config.DefaultRepository
}

func (e *Engine) verifyQuery(s *Session) string {
	for _, ev := range s.Events {
		if q, ok := ev.Context["query"].(string); ok && q != "" {
			return q
		}
	}
	var subject string
	if len(s.Events) > 0 {
		subject = s.Events[0].Subject
	}
	return strings.NewReplacer("{origin}", s.Origin, "{subject}", subject).Replace(e.config.Verify.Query)
}

func priorAttempts(s *Session) []reasoner.PriorAttempt {
	var prior []reasoner.PriorAttempt
	for _, a := range s.History {
		if a.EndedAt.IsZero() {
			continue
		}
		prior = append(prior, reasoner.PriorAttempt{
			Number:     a.Number,
			FixType:    a.FixType,
			Title:      a.Title,
			FinalStage: string(a.FinalStage),
			Error:      a.Error,
		})
	}
	return prior
}
