package remediation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidProposal means a proposal is structurally unusable: no steps, no
// validations, an unknown fix type or a confidence outside [0,1].
var ErrInvalidProposal = errors.New("invalid proposal")

// FixType classifies the kind of change a proposal makes.
type FixType string

const (
	FixConfigChange         FixType = "config_change"
	FixServiceRestart       FixType = "service_restart"
	FixCodeFix              FixType = "code_fix"
	FixDependencyUpdate     FixType = "dependency_update"
	FixInfrastructureChange FixType = "infrastructure_change"
	FixRollback             FixType = "rollback"
)

// FixTypes lists every supported fix type.
var FixTypes = []FixType{
	FixConfigChange, FixServiceRestart, FixCodeFix,
	FixDependencyUpdate, FixInfrastructureChange, FixRollback,
}

// Heavy reports whether validating this kind of fix usually needs a larger
// sandbox: dependency resolution and infrastructure plans are slow.
func (f FixType) Heavy() bool {
	return f == FixDependencyUpdate || f == FixInfrastructureChange
}

// Risk is the reasoner's assessment of blast radius.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// Proposal is a candidate remediation: ordered steps to apply and ordered
// validation commands that must all succeed in the sandbox.
type Proposal struct {
	ID                string        `json:"id" validate:"required"`
	FixType           FixType       `json:"fix_type" validate:"required,oneof=config_change service_restart code_fix dependency_update infrastructure_change rollback"`
	Title             string        `json:"title" validate:"required,max=200"`
	Description       string        `json:"description,omitempty"`
	Steps             []string      `json:"steps" validate:"required,min=1,dive,required"`
	Validations       []string      `json:"validations" validate:"required,min=1,dive,required"`
	Risk              Risk          `json:"risk" validate:"required,oneof=low medium high critical"`
	Confidence        float64       `json:"confidence" validate:"gte=0,lte=1"`
	Prerequisites     []string      `json:"prerequisites,omitempty"`
	RollbackPlan      string        `json:"rollback_plan,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate returns an error wrapping ErrInvalidProposal describing every
// failed constraint.
func (p Proposal) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidProposal, strings.Join(problems, "; "))
}

// Rank drops invalid proposals and those below minConfidence, orders the
// rest by descending confidence and keeps at most max. Ties keep the
// reasoner's order.
func Rank(proposals []Proposal, minConfidence float64, max int) []Proposal {
	kept := make([]Proposal, 0, len(proposals))
	for _, p := range proposals {
		if p.Validate() != nil || p.Confidence < minConfidence {
			continue
		}
		kept = append(kept, p)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Confidence > kept[j].Confidence
	})
	if max > 0 && len(kept) > max {
		kept = kept[:max]
	}
	return kept
}
