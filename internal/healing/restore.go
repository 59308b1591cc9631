package healing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healingd/internal/deploy"
	"github.com/fyrsmithlabs/healingd/internal/logging"
)

var errInterrupted = errors.New("collaborator call interrupted by restart")

// Restore reloads live sessions from the store after a restart.
//
// A session saved while a reasoning or sandbox call was in flight cannot
// know the call's result, so that attempt is failed. A deploying session
// whose change already merged moves on to verification; otherwise its
// change is closed and the attempt failed. Verifying and Open sessions
// resume as they were.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	sessions, err := e.store.LiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading live sessions: %w", err)
	}

	restored := 0
	for _, s := range sessions {
		if s.State.Terminal() {
			continue
		}
		r := e.registry
		r.mu.Lock()
		if _, exists := r.live[s.Key]; exists {
			r.mu.Unlock()
			e.logger.Warn(ctx, "skipping restored session, key already live", zap.String("session.key", s.Key))
			continue
		}
		ent := &entry{session: s}
		ent.snapshot.Store(s.Clone())
		ent.mu.Lock()
		r.live[s.Key] = ent
		r.mu.Unlock()

		e.metrics.restored(ctx)
		e.recover(logging.WithSession(ctx, s.Key, s.Attempts), ent)
		ent.mu.Unlock()
		restored++
	}
	if restored > 0 {
		e.logger.Info(ctx, "restored live sessions", zap.Int("count", restored))
	}
	return restored, nil
}

func (e *Engine) recover(ctx context.Context, ent *entry) {
	s := ent.session
	switch s.State {
	case StateReasoning, StateValidating:
		e.fail(ctx, ent, attemptError(KindInterrupted, s.State, errInterrupted))

	case StateDeploying:
		if s.Deployment == nil || s.Deployment.ChangeID == 0 {
			e.fail(ctx, ent, attemptError(KindInterrupted, StateDeploying, errInterrupted))
			return
		}
		rec := *s.Deployment
		merged, err := e.deployer.Merged(ctx, rec)
		if err != nil {
			e.logger.Warn(ctx, "could not check restored change", zap.String("change.url", rec.ChangeURL), zap.Error(err))
		}
		if err != nil || !merged {
			rec = e.abandon(ctx, rec, "healingd restarted while the pipeline was running")
			if cur := s.current(); cur != nil {
				cur.Deployment = rec.Summary()
			}
			e.fail(ctx, ent, attemptError(KindInterrupted, StateDeploying, errInterrupted))
			return
		}
		rec.PipelineStatus = deploy.PipelineSuccess
		rec.MergeStatus = deploy.Merged
		if rec.MergedAt.IsZero() {
			rec.MergedAt = e.now()
		}
		s.Deployment = &rec
		if cur := s.current(); cur != nil {
			cur.Deployment = rec.Summary()
		}
		if !s.MonitoringEnabled {
			e.finish(ctx, ent, StateResolved, "fix merged; monitoring unavailable so resolution is provisional", true)
			return
		}
		e.transition(ctx, ent, StateVerifying)

	default:
		ent.snapshot.Store(s.Clone())
	}
}
