// Package presence tracks which users are reachable for push notification
// right now. It is a process-scoped, in-memory registry: state is lost on
// restart and every user appears offline until they reconnect. The registry
// is deliberately narrow so it could later be swapped for a distributed
// presence store without touching the delivery coordinator.
package presence

import "sync"

// Handle is the connection-side view the registry needs: a stable identity
// for stale-handle comparison and a way to push bytes to the client. The
// gateway's Connection satisfies it.
type Handle interface {
	// SessionID returns the unique identifier of the underlying connection
	// (not the user). Two connections from the same user have different
	// session IDs.
	SessionID() string

	// WriteMessage pushes a serialized event to the client.
	WriteMessage(data []byte) error
}

// Registry maps user IDs to their live connection handle. At most one handle
// is live per user: a reconnect replaces the prior entry (last-bind-wins).
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]Handle
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[int64]Handle)}
}

// Bind associates userID with the given handle, replacing any prior handle
// for that user. It returns the previous handle if one existed, so the
// caller may invalidate the stale connection.
func (r *Registry) Bind(userID int64, h Handle) (prev Handle) {
	r.mu.Lock()
	prev = r.byUser[userID]
	r.byUser[userID] = h
	r.mu.Unlock()
	return prev
}

// Unbind removes the entry for userID only if it still points at the given
// handle. A disconnect of a stale connection must never evict a newer bind
// for the same user, so the handle identity is compared, not just the user.
// Unbind is idempotent; it returns true if an entry was removed.
func (r *Registry) Unbind(userID int64, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byUser[userID]
	if !ok || cur.SessionID() != h.SessionID() {
		return false
	}
	delete(r.byUser, userID)
	return true
}

// IsOnline reports whether the user has a live connection.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	_, ok := r.byUser[userID]
	r.mu.RUnlock()
	return ok
}

// Resolve returns the live handle for userID, or nil if the user is offline.
func (r *Registry) Resolve(userID int64) Handle {
	r.mu.RLock()
	h := r.byUser[userID]
	r.mu.RUnlock()
	return h
}

// ListOnline returns a snapshot of all currently online user IDs.
func (r *Registry) ListOnline() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	return ids
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}
