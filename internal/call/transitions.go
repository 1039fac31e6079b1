package call

import (
	"sync"
	"time"
)

// peerTransitions is the diagnostic history of one session's connection and
// ICE states, oldest first and capped at limit entries. A report that repeats
// the current state of its kind is not recorded.
type peerTransitions struct {
	mu      sync.Mutex
	limit   int
	changes []StateChange
	current map[string]string
}

func newPeerTransitions(limit int) *peerTransitions {
	if limit < 1 {
		limit = 1
	}
	return &peerTransitions{
		limit:   limit,
		changes: make([]StateChange, 0, limit),
		current: make(map[string]string),
	}
}

// record adds a transition and reports whether it was new.
func (p *peerTransitions) record(kind, state string, at time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current[kind] == state {
		return false
	}
	p.current[kind] = state
	if len(p.changes) == p.limit {
		copy(p.changes, p.changes[1:])
		p.changes = p.changes[:p.limit-1]
	}
	p.changes = append(p.changes, StateChange{At: at, Kind: kind, State: state})
	return true
}

// snapshot returns a copy of the history and its newest entry, if any.
func (p *peerTransitions) snapshot() ([]StateChange, *StateChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.changes) == 0 {
		return nil, nil
	}
	out := make([]StateChange, len(p.changes))
	copy(out, p.changes)
	last := out[len(out)-1]
	return out, &last
}
