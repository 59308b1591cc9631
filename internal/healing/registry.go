package healing

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fyrsmithlabs/healingd/internal/incident"
)

// entry is one live session.
type entry struct {
	// mu is held for a whole transition, collaborator calls included.
	mu      sync.Mutex
	session *Session

	// snapshot is the last saved copy, readable without mu.
	snapshot atomic.Pointer[Session]

	// inbox and duplicates are guarded by registry.mu so that correlation
	// never waits on a transition.
	inbox      []incident.NormalizedEvent
	duplicates int
}

// registry maps identity keys to live sessions. Lookup-or-create is atomic
// under mu.
type registry struct {
	mu   sync.Mutex
	live map[string]*entry
}

func newRegistry() *registry {
	return &registry{live: make(map[string]*entry)}
}

func (r *registry) get(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[key]
}

// drain moves events correlated since the last transition into the
// session, in receipt order. The caller holds e.mu.
func (r *registry) drain(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drainLocked(e)
}

func (r *registry) drainLocked(e *entry) {
	if len(e.inbox) == 0 {
		return
	}
	e.session.Events = append(e.session.Events, e.inbox...)
	e.session.DuplicatesSuppressed += e.duplicates
	e.inbox, e.duplicates = nil, 0
}

// remove drains and forgets e. The caller holds e.mu.
func (r *registry) remove(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drainLocked(e)
	if r.live[e.session.Key] == e {
		delete(r.live, e.session.Key)
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// snapshots returns a private copy of every live session's last saved
// state, oldest first.
func (r *registry) snapshots() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.live))
	for _, e := range r.live {
		if s := e.snapshot.Load(); s != nil {
			out = append(out, s.Clone())
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].Key < out[j].Key
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}
