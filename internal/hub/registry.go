package hub

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

// Principal is the authenticated identity behind a connection.
type Principal struct {
	UserID string
	Role   models.Role
}

type connState struct {
	principal *Principal
	trips     map[string]struct{}
}

// Registry owns the subscription maps. Every mutation happens under one mutex;
// callers only see copies.
type Registry struct {
	mu     sync.Mutex
	trips  map[string]map[string]struct{} // tripID -> connIDs
	conns  map[string]*connState
	closed map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		trips:  make(map[string]map[string]struct{}),
		conns:  make(map[string]*connState),
		closed: make(map[string]struct{}),
	}
}

// Register adds an unauthenticated connection. Registering twice is a no-op.
func (r *Registry) Register(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		r.conns[connID] = &connState{trips: make(map[string]struct{})}
	}
}

// Authenticate binds p to connID. A connection authenticates exactly once.
func (r *Registry) Authenticate(connID string, p Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return fmt.Errorf("connection %s: %w", connID, apperr.ErrNotFound)
	}
	if c.principal != nil {
		return apperr.ErrAlreadyAuthenticated
	}
	c.principal = &p
	return nil
}

// Principal returns the identity of an authenticated connection.
func (r *Registry) Principal(connID string) (Principal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok || c.principal == nil {
		return Principal{}, false
	}
	return *c.principal, true
}

// Subscribe adds tripID to the connection and reports whether it was new.
func (r *Registry) Subscribe(connID, tripID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok || c.principal == nil {
		return false, apperr.ErrNotAuthenticated
	}
	if _, closed := r.closed[tripID]; closed {
		return false, fmt.Errorf("trip %s: %w", tripID, apperr.ErrTripClosed)
	}
	if _, ok := c.trips[tripID]; ok {
		return false, nil
	}
	c.trips[tripID] = struct{}{}
	set, ok := r.trips[tripID]
	if !ok {
		set = make(map[string]struct{})
		r.trips[tripID] = set
	}
	set[connID] = struct{}{}
	return true, nil
}

// Unsubscribe removes tripID from the connection. It returns whether a
// subscription was removed and how many trips the connection still watches.
func (r *Registry) Unsubscribe(connID, tripID string) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return false, 0
	}
	if _, ok := c.trips[tripID]; !ok {
		return false, len(c.trips)
	}
	delete(c.trips, tripID)
	r.dropLocked(tripID, connID)
	return true, len(c.trips)
}

// Remove forgets a connection and all its subscriptions.
func (r *Registry) Remove(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	trips := sortedKeys(c.trips)
	for _, tripID := range trips {
		r.dropLocked(tripID, connID)
	}
	delete(r.conns, connID)
	return trips
}

func (r *Registry) dropLocked(tripID, connID string) {
	set := r.trips[tripID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.trips, tripID)
	}
}

// Subscribers snapshots the connections subscribed to tripID.
func (r *Registry) Subscribers(tripID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.trips[tripID])
}

// Subscriptions snapshots the trips a connection watches.
func (r *Registry) Subscriptions(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	return sortedKeys(c.trips)
}

// Match snapshots the authenticated connections whose principal satisfies fn.
func (r *Registry) Match(fn func(Principal) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, c := range r.conns {
		if c.principal != nil && fn(*c.principal) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// OpenTrip makes tripID eligible for subscriptions again.
func (r *Registry) OpenTrip(tripID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.closed, tripID)
}

// CloseTrip rejects future subscriptions to tripID and releases the current
// ones, returning the connections that were subscribed.
func (r *Registry) CloseTrip(tripID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed[tripID] = struct{}{}
	conns := sortedKeys(r.trips[tripID])
	for _, connID := range conns {
		if c, ok := r.conns[connID]; ok {
			delete(c.trips, tripID)
		}
	}
	delete(r.trips, tripID)
	return conns
}

// IsClosed reports whether tripID was closed.
func (r *Registry) IsClosed(tripID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.closed[tripID]
	return ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
