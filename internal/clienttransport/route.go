package clienttransport

import (
	"sync"
	"time"
)

// SessionRoute pins a session to the cluster address that answered
// its first successful Dial. Once created, the address is immutable
// for that session: rediscovering a new leader after a disconnect is
// a Repin call for the same session id, replacing the stale pin
// rather than mutating it in place.
type SessionRoute struct {
	SessionID   string
	Address     string
	PinnedAtUTC time.Time
}

// Router tracks which cluster address each active session is pinned
// to, so a reconnect attempt can be logged and compared against the
// session's prior leader instead of dialing blind.
type Router struct {
	mu     sync.RWMutex
	routes map[string]SessionRoute
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]SessionRoute)}
}

// EnsureRoute pins sessionID to addr if it has no route yet, or
// returns the existing pin unchanged.
func (r *Router) EnsureRoute(sessionID, addr string, now time.Time) SessionRoute {
	r.mu.RLock()
	existing, ok := r.routes[sessionID]
	r.mu.RUnlock()
	if ok {
		return existing
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.routes[sessionID]; ok {
		return existing
	}
	created := SessionRoute{SessionID: sessionID, Address: addr, PinnedAtUTC: now.UTC()}
	r.routes[sessionID] = created
	return created
}

// Repin replaces sessionID's route after a leader change, returning
// the new pin.
func (r *Router) Repin(sessionID, addr string, now time.Time) SessionRoute {
	r.mu.Lock()
	defer r.mu.Unlock()
	created := SessionRoute{SessionID: sessionID, Address: addr, PinnedAtUTC: now.UTC()}
	r.routes[sessionID] = created
	return created
}

func (r *Router) Route(sessionID string) (SessionRoute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[sessionID]
	return route, ok
}
