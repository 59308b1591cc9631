package http

import (
	"time"

	"github.com/fyrsmithlabs/healingd/internal/healing"
)

// CountSessions tallies live sessions by state. Sessions in Open with a
// cooldown that has not expired count as cooling down.
func CountSessions(sessions []*healing.Session) SessionCounts {
	counts := SessionCounts{ByState: map[healing.State]int{}}
	now := time.Now()
	for _, s := range sessions {
		counts.Live++
		counts.ByState[s.State]++
		counts.Attempts += s.Attempts
		counts.Duplicates += s.DuplicatesSuppressed
		if s.State == healing.StateOpen && s.CooldownUntil.After(now) {
			counts.CoolingDown++
		}
	}
	return counts
}
