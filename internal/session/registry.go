package session

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Handle is a live connection able to receive events. Send must not block and
// must preserve submission order.
type Handle interface {
	ID() string
	Send(ev models.Event) error
}

// Registry maps a party to its current live handle. A later registration for
// the same party replaces the earlier handle, which stays open but no longer
// receives targeted or group events.
type Registry struct {
	mu      sync.RWMutex
	byParty map[models.Actor]Handle
	byConn  map[string]models.Actor
	live    map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{
		byParty: make(map[models.Actor]Handle),
		byConn:  make(map[string]models.Actor),
		live:    make(map[string]Handle),
	}
}

// Track records an open connection, authenticated or not, so CloseAll can
// reach it. Unregister forgets it.
func (r *Registry) Track(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[h.ID()] = h
}

// CloseAll closes every tracked connection that can be closed. The server
// calls it on shutdown because hijacked connections outlive http.Server.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.live))
	for _, h := range r.live {
		handles = append(handles, h)
	}
	r.mu.RUnlock()
	for _, h := range handles {
		if c, ok := h.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

func (r *Registry) Register(party models.Actor, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byParty[party]; ok {
		delete(r.byConn, prev.ID())
	} else {
		observability.SessionsActive.WithLabelValues(string(party.Role)).Inc()
	}
	// a connection re-authenticating as another party drops its old binding
	if old, ok := r.byConn[h.ID()]; ok && old != party {
		r.dropLocked(old, h.ID())
	}
	r.byParty[party] = h
	r.byConn[h.ID()] = party
}

// Unregister removes the handle. The party binding is left alone when the
// handle was already replaced by a newer registration for the same party.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, h.ID())
	party, ok := r.byConn[h.ID()]
	if !ok {
		return
	}
	r.dropLocked(party, h.ID())
}

func (r *Registry) dropLocked(party models.Actor, connID string) {
	delete(r.byConn, connID)
	if cur, ok := r.byParty[party]; ok && cur.ID() == connID {
		delete(r.byParty, party)
		observability.SessionsActive.WithLabelValues(string(party.Role)).Dec()
	}
}

func (r *Registry) Lookup(party models.Actor) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byParty[party]
	return h, ok
}

// PartyOf returns the party currently bound to the handle.
func (r *Registry) PartyOf(h Handle) (models.Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byConn[h.ID()]
	return p, ok
}

// ByRole snapshots every handle registered under role.
func (r *Registry) ByRole(role models.Role) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0)
	for p, h := range r.byParty {
		if p.Role == role {
			out = append(out, h)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byParty)
}
