package healing

import (
	"slices"
	"time"

	"github.com/fyrsmithlabs/healingd/internal/deploy"
	"github.com/fyrsmithlabs/healingd/internal/incident"
)

// Report is the archived account of a terminal session.
type Report struct {
	Key                  string                     `json:"key"`
	Outcome              Outcome                    `json:"outcome"`
	Provisional          bool                       `json:"provisional"`
	Reason               string                     `json:"reason,omitempty"`
	Origin               string                     `json:"origin"`
	Problem              string                     `json:"problem"`
	Category             string                     `json:"category"`
	Events               []incident.NormalizedEvent `json:"events"`
	Attempts             []Attempt                  `json:"attempts"`
	Deployment           *deploy.Record             `json:"deployment,omitempty"`
	DuplicatesSuppressed int                        `json:"duplicates_suppressed"`
	FirstSeen            time.Time                  `json:"first_seen"`
	ClosedAt             time.Time                  `json:"closed_at"`
}

func newReport(s *Session) Report {
	var dep *deploy.Record
	if s.Deployment != nil {
		d := *s.Deployment
		dep = &d
	}
	return Report{
		Key:                  s.Key,
		Outcome:              s.Outcome,
		Provisional:          s.Provisional,
		Reason:               s.Reason,
		Origin:               s.Origin,
		Problem:              s.Problem,
		Category:             s.Category,
		Events:               slices.Clone(s.Events),
		Attempts:             slices.Clone(s.History),
		Deployment:           dep,
		DuplicatesSuppressed: s.DuplicatesSuppressed,
		FirstSeen:            s.FirstSeen,
		ClosedAt:             s.ClosedAt,
	}
}
