package syncwire

import (
	"sort"
	"sync"
)

// PresenceTracker maintains the global set of online user identities. A sync
// event replaces the set wholesale; join and leave touch single users with
// last-write-wins semantics. The set is transient and rebuilt from the next
// sync after a reconnect.
type PresenceTracker struct {
	mu     sync.Mutex
	online map[string]struct{}
}

// NewPresenceTracker builds an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]struct{})}
}

// Apply merges one presence event.
func (p *PresenceTracker) Apply(ev PresenceChanged) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Kind {
	case PresenceSync:
		p.online = make(map[string]struct{}, len(ev.UserIDs))
		for _, id := range ev.UserIDs {
			p.online[id] = struct{}{}
		}
	case PresenceJoin:
		p.online[ev.UserID] = struct{}{}
	case PresenceLeave:
		delete(p.online, ev.UserID)
	}
}

// Reset clears the set, used when the subscription drops and presence can no
// longer be trusted until the next sync.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = make(map[string]struct{})
}

// IsOnline reports whether the user is currently online.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[userID]
	return ok
}

// Online returns the sorted set of online user identities.
func (p *PresenceTracker) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
