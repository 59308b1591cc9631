package incident

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Normalize converts a raw signal into a validated NormalizedEvent.
//
// It returns an error wrapping ErrMalformedSignal when required fields are
// absent or the body cannot be decoded, and one wrapping ErrNotActionable
// when the signal is well-formed but reports success or recovery. Unknown
// extra fields are ignored.
func Normalize(sig Signal) (NormalizedEvent, error) {
	if len(sig.Body) == 0 {
		return NormalizedEvent{}, malformed("empty body")
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now().UTC()
	}

	var (
		ev  NormalizedEvent
		err error
	)
	switch sig.Kind {
	case KindGitHub:
		ev, err = normalizeGitHub(sig)
	case KindMonitor:
		ev, err = normalizeMonitor(sig)
	case KindGeneric:
		ev, err = normalizeGeneric(sig)
	default:
		return NormalizedEvent{}, malformed("unknown source kind %q", sig.Kind)
	}
	if err != nil {
		return NormalizedEvent{}, err
	}

	ev.ID = uuid.NewString()
	ev.Kind = sig.Kind
	ev.ReceivedAt = sig.ReceivedAt
	ev.Description = truncate(ev.Description)
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = sig.ReceivedAt
	}
	if ev.Severity == "" {
		ev.Severity = SeverityMedium
	}
	if ev.Context == nil {
		ev.Context = map[string]any{}
	}

	if err := ev.Validate(); err != nil {
		return NormalizedEvent{}, err
	}
	return ev, nil
}

// genericSignal is the minimum payload accepted on the generic endpoint.
type genericSignal struct {
	Origin      string         `json:"origin"`
	Subject     string         `json:"subject"`
	Category    string         `json:"category"`
	Severity    string         `json:"severity"`
	Description string         `json:"description"`
	URL         string         `json:"url"`
	Context     map[string]any `json:"context"`
	OccurredAt  *time.Time     `json:"occurred_at"`
}

func normalizeGeneric(sig Signal) (NormalizedEvent, error) {
	var g genericSignal
	if err := json.Unmarshal(sig.Body, &g); err != nil {
		return NormalizedEvent{}, malformed("decoding generic signal: %v", err)
	}
	switch {
	case g.Origin == "":
		return NormalizedEvent{}, malformed("origin is required")
	case g.Description == "":
		return NormalizedEvent{}, malformed("description is required")
	case g.OccurredAt == nil || g.OccurredAt.IsZero():
		return NormalizedEvent{}, malformed("occurred_at is required")
	}

	category := g.Category
	if category == "" {
		category = "generic"
	}
	subject := g.Subject
	if subject == "" {
		subject = category
	}

	return NormalizedEvent{
		Origin:      g.Origin,
		Subject:     subject,
		Category:    category,
		Severity:    ParseSeverity(g.Severity),
		Description: g.Description,
		URL:         g.URL,
		Context:     g.Context,
		OccurredAt:  g.OccurredAt.UTC(),
	}, nil
}
