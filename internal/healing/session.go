package healing

import (
	"slices"
	"strings"
	"time"

	"github.com/fyrsmithlabs/healingd/internal/constraint"
	"github.com/fyrsmithlabs/healingd/internal/deploy"
	"github.com/fyrsmithlabs/healingd/internal/incident"
	"github.com/fyrsmithlabs/healingd/internal/remediation"
	"github.com/fyrsmithlabs/healingd/internal/sandbox"
)

// State is a healing session state.
type State string

const (
	StateOpen       State = "open"
	StateReasoning  State = "reasoning"
	StateValidating State = "validating"
	StateDeploying  State = "deploying"
	StateVerifying  State = "verifying"
	StateResolved   State = "resolved"
	StateEscalated  State = "escalated"
	StateFailed     State = "failed"
)

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateEscalated || s == StateFailed
}

// stage maps a working state to the constraint stage that gates it.
func (s State) stage() constraint.Stage {
	switch s {
	case StateValidating:
		return constraint.StageValidating
	case StateDeploying:
		return constraint.StageDeploying
	case StateVerifying:
		return constraint.StageVerifying
	default:
		return constraint.StageReasoning
	}
}

// Outcome is how a session ended.
type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeEscalated Outcome = "escalated"
	OutcomeFailed    Outcome = "failed"
)

func outcomeOf(s State) Outcome {
	switch s {
	case StateResolved:
		return OutcomeResolved
	case StateEscalated:
		return OutcomeEscalated
	default:
		return OutcomeFailed
	}
}

// Attempt records one pass through reason, validate, deploy and verify.
type Attempt struct {
	Number     int       `json:"number"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
	ProposalID string    `json:"proposal_id,omitempty"`
	FixType    string    `json:"fix_type,omitempty"`
	Title      string    `json:"title,omitempty"`
	FinalStage State     `json:"final_stage"`
	ErrorKind  Kind      `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Sandbox    string    `json:"sandbox,omitempty"`
	Deployment string    `json:"deployment,omitempty"`
}

// Session is the persisted state of one problem's remediation.
type Session struct {
	// ID distinguishes successive sessions for the same key.
	ID     string `json:"id"`
	Key    string `json:"key"`
	State  State  `json:"state"`
	Origin string `json:"origin"`
	// Problem is the description of the first event.
	Problem  string                     `json:"problem"`
	Category string                     `json:"category"`
	Events   []incident.NormalizedEvent `json:"events"`

	Attempts      int       `json:"attempts"`
	FirstSeen     time.Time `json:"first_seen"`
	LastAttempt   time.Time `json:"last_attempt,omitzero"`
	LastFailure   time.Time `json:"last_failure,omitzero"`
	CooldownUntil time.Time `json:"cooldown_until,omitzero"`
	Deadline      time.Time `json:"deadline"`
	UpdatedAt     time.Time `json:"updated_at"`
	ClosedAt      time.Time `json:"closed_at,omitzero"`

	// MonitoringEnabled is captured at creation; without monitoring a
	// merged fix resolves provisionally.
	MonitoringEnabled bool `json:"monitoring_enabled"`

	Proposal      *remediation.Proposal `json:"proposal,omitempty"`
	SandboxResult *sandbox.Result       `json:"sandbox_result,omitempty"`
	Deployment    *deploy.Record        `json:"deployment,omitempty"`

	Outcome     Outcome `json:"outcome,omitempty"`
	Provisional bool    `json:"provisional,omitempty"`
	Reason      string  `json:"reason,omitempty"`

	History              []Attempt `json:"history"`
	DuplicatesSuppressed int       `json:"duplicates_suppressed"`
}

func newSession(key incident.Identity, ev incident.NormalizedEvent, now, deadline time.Time, monitoring bool) *Session {
	return &Session{
		Key:               key.String(),
		State:             StateOpen,
		Origin:            ev.Origin,
		Problem:           ev.Description,
		Category:          ev.Category,
		Events:            []incident.NormalizedEvent{ev},
		FirstSeen:         now,
		Deadline:          deadline,
		UpdatedAt:         now,
		MonitoringEnabled: monitoring,
		History:           []Attempt{},
	}
}

// history is the constraint manager's view of the session.
func (s *Session) history() constraint.History {
	texts := make([]string, 0, 2*len(s.Events))
	for _, ev := range s.Events {
		texts = append(texts, ev.Description, ev.Subject)
	}
	attempts := s.Attempts
	if s.current() != nil {
		// The attempt in progress was admitted when it started.
		attempts--
	}
	return constraint.History{
		Attempts:    attempts,
		FirstSeen:   s.FirstSeen,
		LastFailure: s.LastFailure,
		Texts:       texts,
	}
}

// current returns the attempt in progress, or nil.
func (s *Session) current() *Attempt {
	if n := len(s.History); n > 0 && s.History[n-1].EndedAt.IsZero() {
		return &s.History[n-1]
	}
	return nil
}

// repository returns the owner/name the fix should land in: the origin of
// the first GitHub event, else a "repository" context value, else "".
func (s *Session) repository() string {
	for _, ev := range s.Events {
		if ev.Kind == incident.KindGitHub && strings.Count(ev.Origin, "/") == 1 {
			return ev.Origin
		}
	}
	for _, ev := range s.Events {
		if repo, ok := ev.Context["repository"].(string); ok && strings.Count(repo, "/") == 1 {
			return repo
		}
	}
	return ""
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *Session) Clone() *Session {
	c := *s
	c.Events = slices.Clone(s.Events)
	c.History = slices.Clone(s.History)
	if s.Proposal != nil {
		p := *s.Proposal
		p.Steps = slices.Clone(p.Steps)
		p.Validations = slices.Clone(p.Validations)
		p.Prerequisites = slices.Clone(p.Prerequisites)
		c.Proposal = &p
	}
	if s.SandboxResult != nil {
		r := *s.SandboxResult
		c.SandboxResult = &r
	}
	if s.Deployment != nil {
		d := *s.Deployment
		d.ObservedValues = slices.Clone(d.ObservedValues)
		c.Deployment = &d
	}
	return &c
}
