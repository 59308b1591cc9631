// Package incident turns raw signals from code hosts and monitors into
// validated NormalizedEvents and derives the identity key used to
// correlate repeated signals about the same problem.
package incident

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMalformedSignal means the signal lacks a required field or cannot
	// be decoded. Malformed signals never reach correlation.
	ErrMalformedSignal = errors.New("malformed signal")

	// ErrNotActionable means the signal decoded cleanly but describes
	// nothing to heal: a passing run, an in-progress check, a resolved alert.
	ErrNotActionable = errors.New("signal not actionable")
)

// Kind identifies the collaborator a signal came from.
type Kind string

const (
	KindGitHub  Kind = "github"
	KindMonitor Kind = "monitor"
	KindGeneric Kind = "generic"
)

// Severity is a coarse urgency classification carried through to reports.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// ParseSeverity maps the vocabulary used by Alertmanager labels, Datadog
// alert types and priorities onto Severity. Unknown values map to medium.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "crit", "p1", "page", "fatal":
		return SeverityCritical
	case "high", "error", "p2", "major":
		return SeverityHigh
	case "low", "p4", "minor":
		return SeverityLow
	case "info", "p5", "none":
		return SeverityInfo
	default:
		return SeverityMedium
	}
}

// Signal is a raw event exactly as it arrived at an ingress endpoint.
type Signal struct {
	Kind Kind
	// EventType is the X-GitHub-Event header for GitHub signals.
	EventType  string
	Body       []byte
	ReceivedAt time.Time
}

// NormalizedEvent is the canonical shape of every signal. It is validated
// once, here, and treated as immutable afterwards.
type NormalizedEvent struct {
	ID          string         `json:"id" validate:"required,uuid"`
	Kind        Kind           `json:"kind" validate:"required,oneof=github monitor generic"`
	Origin      string         `json:"origin" validate:"required,max=256"`
	Subject     string         `json:"subject" validate:"required,max=256"`
	Category    string         `json:"category" validate:"required,max=64"`
	Severity    Severity       `json:"severity" validate:"required,oneof=critical high medium low info"`
	Description string         `json:"description" validate:"required,max=4096"`
	URL         string         `json:"url,omitempty" validate:"omitempty,url"`
	Context     map[string]any `json:"context,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at" validate:"required"`
	ReceivedAt  time.Time      `json:"received_at" validate:"required"`
}

const maxDescription = 4096

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct-level invariants.
func (e NormalizedEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("%w: field %s failed %q", ErrMalformedSignal, strings.ToLower(f.Field()), f.Tag())
		}
		return fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	return nil
}

// truncate caps s at maxDescription runes.
func truncate(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= maxDescription {
		return s
	}
	r := []rune(s)
	return string(r[:maxDescription])
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedSignal}, args...)...)
}
