package constraint

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Verdict is the outcome of a gate evaluation.
type Verdict string

const (
	Allow                   Verdict = "allow"
	DenyRetryBudgetExceeded Verdict = "retry_budget_exceeded"
	DenyCooldownActive      Verdict = "cooldown_active"
	DenyTimeBudgetExceeded  Verdict = "time_budget_exceeded"
	DenyBlockedPattern      Verdict = "blocked_pattern"
)

// Decision is the answer for one gate.
type Decision struct {
	Verdict Verdict
	Reason  string
	// RetryAt is set for DenyCooldownActive.
	RetryAt time.Time
}

// Allowed reports whether the transition may proceed.
func (d Decision) Allowed() bool { return d.Verdict == Allow }

// Escalate reports whether the denial is terminal for the session.
func (d Decision) Escalate() bool {
	switch d.Verdict {
	case DenyRetryBudgetExceeded, DenyTimeBudgetExceeded, DenyBlockedPattern:
		return true
	}
	return false
}

// History is the slice of session state the policy looks at.
type History struct {
	// Attempts is the number of attempts already started.
	Attempts  int
	FirstSeen time.Time
	// LastFailure is when the most recent attempt failed. Zero if none has.
	LastFailure time.Time
	// Texts are the event descriptions and subjects seen so far.
	Texts []string
}

// Manager evaluates gates against the current policy.
type Manager struct {
	policy atomic.Pointer[Policy]
}

// NewManager returns a Manager enforcing p.
func NewManager(p Policy) (*Manager, error) {
	m := &Manager{}
	if err := m.Update(p); err != nil {
		return nil, err
	}
	return m, nil
}

// Update replaces the policy. An invalid policy is rejected and the current
// one stays in effect.
func (m *Manager) Update(p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	c := p.clone()
	m.policy.Store(&c)
	return nil
}

// Policy returns a copy of the policy in effect.
func (m *Manager) Policy() Policy {
	return m.policy.Load().clone()
}

// Evaluate decides whether a session with history h may enter stage at now.
//
// Checks run in order: blocked pattern, session time budget, and at the
// reasoning gate only, retry budget then cooldown. Later stages belong to an
// attempt that has already been admitted, so only the time budget applies.
func (m *Manager) Evaluate(stage Stage, h History, now time.Time) Decision {
	p := m.policy.Load()

	if pat, ok := p.blocked(h.Texts); ok {
		return Decision{
			Verdict: DenyBlockedPattern,
			Reason:  fmt.Sprintf("matches blocked pattern %q", pat),
		}
	}

	if !h.FirstSeen.IsZero() && !now.Before(h.FirstSeen.Add(p.SessionBudget)) {
		return Decision{
			Verdict: DenyTimeBudgetExceeded,
			Reason:  fmt.Sprintf("session older than %s", p.SessionBudget),
		}
	}

	if stage != StageReasoning {
		return Decision{Verdict: Allow}
	}

	if h.Attempts >= p.MaxAttempts {
		return Decision{
			Verdict: DenyRetryBudgetExceeded,
			Reason:  fmt.Sprintf("%d of %d attempts used", h.Attempts, p.MaxAttempts),
		}
	}

	if !h.LastFailure.IsZero() {
		retryAt := h.LastFailure.Add(p.Cooldown)
		if now.Before(retryAt) {
			return Decision{
				Verdict: DenyCooldownActive,
				Reason:  fmt.Sprintf("cooling down for %s", retryAt.Sub(now).Round(time.Second)),
				RetryAt: retryAt,
			}
		}
	}

	return Decision{Verdict: Allow}
}

// Deadline is the latest time a collaborator call for stage may run until:
// the earlier of the stage budget and the session deadline.
func (m *Manager) Deadline(stage Stage, firstSeen, now time.Time) time.Time {
	p := m.policy.Load()
	deadline := firstSeen.Add(p.SessionBudget)
	if budget, ok := p.StageBudgets[stage]; ok {
		if stageEnd := now.Add(budget); stageEnd.Before(deadline) {
			deadline = stageEnd
		}
	}
	return deadline
}

// SessionDeadline returns when a session first seen at firstSeen is
// force-escalated.
func (m *Manager) SessionDeadline(firstSeen time.Time) time.Time {
	return firstSeen.Add(m.policy.Load().SessionBudget)
}

// CooldownUntil returns when a session that failed at lastFailure may retry.
func (m *Manager) CooldownUntil(lastFailure time.Time) time.Time {
	return lastFailure.Add(m.policy.Load().Cooldown)
}

// MaxAttempts returns the configured retry budget.
func (m *Manager) MaxAttempts() int {
	return m.policy.Load().MaxAttempts
}

func (p *Policy) blocked(texts []string) (string, bool) {
	for _, t := range texts {
		lower := strings.ToLower(t)
		for _, pat := range p.BlockedPatterns {
			if strings.Contains(lower, pat) {
				return pat, true
			}
		}
	}
	return "", false
}
