package reasoner

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/healingd/internal/remediation"
)

const systemPrompt = `You are the remediation engine of an automated incident response system.
Given a problem observed in production or CI, propose concrete fixes.

Reply with a single JSON object and nothing else:
{
  "proposals": [
    {
      "fix_type": one of %s,
      "title": short imperative summary,
      "description": what is wrong and why the fix works,
      "steps": shell commands that apply the fix inside a checkout of the repository,
      "validations": shell commands that exit 0 only if the fix works,
      "risk": one of "low", "medium", "high", "critical",
      "confidence": number between 0 and 1,
      "prerequisites": optional list of strings,
      "rollback_plan": how to undo the change,
      "estimated_minutes": number
    }
  ]
}

Every command runs non-interactively with bash in an isolated container without network
access. Order proposals from most to least promising. If no safe fix exists reply with
{"proposals": [], "no_fix_reason": "..."}.`

// BuildPrompt renders the system and user messages for req.
func BuildPrompt(req ReasonRequest) (system, user string, err error) {
	types := make([]string, len(remediation.FixTypes))
	for i, t := range remediation.FixTypes {
		types[i] = fmt.Sprintf("%q", t)
	}
	system = fmt.Sprintf(systemPrompt, strings.Join(types, ", "))

	events, err := json.MarshalIndent(req.Events, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encoding events: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Problem %s was observed %d time(s).\n\nEvents, oldest first:\n%s\n", req.Key, len(req.Events), events)

	if len(req.PriorAttempts) > 0 {
		b.WriteString("\nEarlier attempts on this problem failed. Do not repeat them:\n")
		for _, a := range req.PriorAttempts {
			fmt.Fprintf(&b, "- attempt %d", a.Number)
			if a.Title != "" {
				fmt.Fprintf(&b, " (%s: %s)", a.FixType, a.Title)
			}
			fmt.Fprintf(&b, " failed during %s", a.FinalStage)
			if a.Error != "" {
				fmt.Fprintf(&b, ": %s", a.Error)
			}
			b.WriteByte('\n')
		}
	}

	if len(req.Hints) > 0 {
		b.WriteString("\nSimilar problems handled before:\n")
		for _, h := range req.Hints {
			fmt.Fprintf(&b, "- %q -> %s %q (%s, similarity %.2f)\n", h.Problem, h.FixType, h.Title, h.Outcome, h.Similarity)
			if h.Steps != "" {
				fmt.Fprintf(&b, "  steps: %s\n", h.Steps)
			}
		}
	}
	return system, b.String(), nil
}

type wireProposal struct {
	FixType          string   `json:"fix_type"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Steps            []string `json:"steps"`
	Validations      []string `json:"validations"`
	Tests            []string `json:"tests"`
	Risk             string   `json:"risk"`
	Confidence       float64  `json:"confidence"`
	Prerequisites    []string `json:"prerequisites"`
	RollbackPlan     string   `json:"rollback_plan"`
	EstimatedMinutes float64  `json:"estimated_minutes"`
}

func (w wireProposal) proposal() remediation.Proposal {
	validations := w.Validations
	if len(validations) == 0 {
		validations = w.Tests
	}
	return remediation.Proposal{
		ID:                uuid.NewString(),
		FixType:           remediation.FixType(strings.ToLower(strings.TrimSpace(w.FixType))),
		Title:             strings.TrimSpace(w.Title),
		Description:       strings.TrimSpace(w.Description),
		Steps:             w.Steps,
		Validations:       validations,
		Risk:              remediation.Risk(strings.ToLower(strings.TrimSpace(w.Risk))),
		Confidence:        w.Confidence,
		Prerequisites:     w.Prerequisites,
		RollbackPlan:      strings.TrimSpace(w.RollbackPlan),
		EstimatedDuration: time.Duration(w.EstimatedMinutes * float64(time.Minute)),
	}
}

type wireResponse struct {
	Proposals   []wireProposal `json:"proposals"`
	NoFixReason string         `json:"no_fix_reason"`
}

// ParseProposals decodes a model reply. It accepts the documented
// {"proposals": [...]} object, a bare array, or a single proposal object,
// optionally wrapped in a markdown code fence. An empty proposal list is
// ErrNoProposal; text that is not JSON wraps remediation.ErrInvalidProposal.
func ParseProposals(text string) ([]remediation.Proposal, error) {
	body := stripFence(text)
	if body == "" {
		return nil, fmt.Errorf("%w: empty response", ErrNoProposal)
	}

	var wires []wireProposal
	switch body[0] {
	case '[':
		if err := json.Unmarshal([]byte(body), &wires); err != nil {
			return nil, fmt.Errorf("%w: decoding proposal list: %v", remediation.ErrInvalidProposal, err)
		}
	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(body), &probe); err != nil {
			return nil, fmt.Errorf("%w: decoding response: %v", remediation.ErrInvalidProposal, err)
		}
		if _, single := probe["steps"]; single {
			var w wireProposal
			if err := json.Unmarshal([]byte(body), &w); err != nil {
				return nil, fmt.Errorf("%w: decoding proposal: %v", remediation.ErrInvalidProposal, err)
			}
			wires = []wireProposal{w}
			break
		}
		var resp wireResponse
		if err := json.Unmarshal([]byte(body), &resp); err != nil {
			return nil, fmt.Errorf("%w: decoding response: %v", remediation.ErrInvalidProposal, err)
		}
		if len(resp.Proposals) == 0 && resp.NoFixReason != "" {
			return nil, fmt.Errorf("%w: %s", ErrNoProposal, resp.NoFixReason)
		}
		wires = resp.Proposals
	default:
		return nil, fmt.Errorf("%w: response is not JSON", remediation.ErrInvalidProposal)
	}

	if len(wires) == 0 {
		return nil, ErrNoProposal
	}
	out := make([]remediation.Proposal, len(wires))
	for i, w := range wires {
		out[i] = w.proposal()
	}
	return out, nil
}

func stripFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

var errEmptyCompletion = errors.New("model returned no choices")
