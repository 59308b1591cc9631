package constraint

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/healingd/internal/config"
)

// Stage is a gated point in a healing session.
type Stage string

const (
	StageReasoning  Stage = "reasoning"
	StageValidating Stage = "validating"
	StageDeploying  Stage = "deploying"
	StageVerifying  Stage = "verifying"
)

// Policy is the complete set of limits applied to every session.
type Policy struct {
	MaxAttempts   int
	Cooldown      time.Duration
	SessionBudget time.Duration
	// StageBudgets bounds a single collaborator call per stage. Missing
	// stages are bounded only by the session budget.
	StageBudgets map[Stage]time.Duration
	// BlockedPatterns are matched case-insensitively against event text.
	BlockedPatterns []string
}

// DefaultPolicy returns the built-in limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		Cooldown:      5 * time.Minute,
		SessionBudget: time.Hour,
		StageBudgets: map[Stage]time.Duration{
			StageReasoning:  2 * time.Minute,
			StageValidating: 10 * time.Minute,
			StageDeploying:  30 * time.Minute,
			StageVerifying:  10 * time.Minute,
		},
		BlockedPatterns: []string{"database_down", "network_outage"},
	}
}

// PolicyFromConfig derives a Policy from the loaded configuration. The
// validating budget covers the queue wait as well as the job itself.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxAttempts:   cfg.Healing.MaxAttempts,
		Cooldown:      cfg.Healing.Cooldown,
		SessionBudget: cfg.Healing.SessionBudget,
		StageBudgets: map[Stage]time.Duration{
			StageReasoning:  cfg.Healing.ReasoningTimeout,
			StageValidating: cfg.Sandbox.JobTimeout + cfg.Sandbox.MaxQueueWait,
			StageDeploying:  cfg.Deploy.PipelineTimeout,
			StageVerifying:  cfg.Verify.Window + time.Minute,
		},
		BlockedPatterns: append([]string(nil), cfg.Healing.BlockedPatterns...),
	}
}

// Validate reports every invalid limit.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be >= 1, got %d", p.MaxAttempts))
	}
	if p.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("cooldown cannot be negative: %s", p.Cooldown))
	}
	if p.SessionBudget <= 0 {
		errs = append(errs, errors.New("session budget must be positive"))
	}
	if p.MaxAttempts > 1 && p.Cooldown > 0 && p.SessionBudget > 0 {
		if wait := time.Duration(p.MaxAttempts-1) * p.Cooldown; wait >= p.SessionBudget {
			errs = append(errs, fmt.Errorf("session budget %s leaves no room for %d attempts with a %s cooldown",
				p.SessionBudget, p.MaxAttempts, p.Cooldown))
		}
	}
	for stage, d := range p.StageBudgets {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s budget must be positive, got %s", stage, d))
		}
	}
	for _, pat := range p.BlockedPatterns {
		if strings.TrimSpace(pat) == "" {
			errs = append(errs, errors.New("blocked pattern cannot be empty"))
			break
		}
	}
	return errors.Join(errs...)
}

// clone copies the mutable parts so a stored policy cannot be changed by
// the caller that supplied it.
func (p Policy) clone() Policy {
	budgets := make(map[Stage]time.Duration, len(p.StageBudgets))
	for k, v := range p.StageBudgets {
		budgets[k] = v
	}
	p.StageBudgets = budgets
	patterns := make([]string, len(p.BlockedPatterns))
	for i, pat := range p.BlockedPatterns {
		patterns[i] = strings.ToLower(strings.TrimSpace(pat))
	}
	p.BlockedPatterns = patterns
	return p
}
