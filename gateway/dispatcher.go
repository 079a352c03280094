package gateway

import "sync"

// Dispatcher fans events out to sessions, keyed by user. Guild fan out
// walks a guild's viewers and lands here per user.
//
// Lock order: dispatcher before session. Never register or unregister
// while holding a session's mutex.
type Dispatcher struct {
	mu    sync.RWMutex
	users map[string]map[*Session]struct{}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		users: make(map[string]map[*Session]struct{}),
	}
}

// Register adds a session to its user's fan out set.
func (d *Dispatcher) Register(sess *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.users[sess.UserID]
	if !ok {
		set = make(map[*Session]struct{})
		d.users[sess.UserID] = set
	}
	set[sess] = struct{}{}
}

// Unregister removes a session from fan out. Call it only when the
// session leaves the registry for good.
func (d *Dispatcher) Unregister(sess *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.users[sess.UserID]
	if !ok {
		return
	}

	delete(set, sess)
	if len(set) == 0 {
		delete(d.users, sess.UserID)
	}
}

// DispatchUser hands an event to every session of a user and reports
// how many sessions took it. Detached sessions count, they retain the
// event for replay. Zero means the user has no sessions at all.
func (d *Dispatcher) DispatchUser(userID, eventType string, data interface{}) (reached int) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for sess := range d.users[userID] {
		sess.Dispatch(eventType, data)
		reached++
	}

	return
}

// Sessions returns the user's registered sessions.
func (d *Dispatcher) Sessions(userID string) (out []*Session) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for sess := range d.users[userID] {
		out = append(out, sess)
	}

	return
}

// Online reports whether any of the user's sessions has a live
// connection.
func (d *Dispatcher) Online(userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for sess := range d.users[userID] {
		if sess.Attached() {
			return true
		}
	}

	return false
}
