package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrSessionSpace is returned when a fresh session ID cannot be minted
// after bounded retries.
var ErrSessionSpace = errors.New("gateway: session ID space exhausted")

// Session is the server side half of a client's gateway presence. It
// outlives the websocket that created it so the client can resume onto
// a new connection.
type Session struct {
	ID     string
	UserID string
	Bot    bool

	// How the client introduced itself at identify.
	Properties     IdentifyProperties
	Compress       bool
	LargeThreshold int
	Shard          []int

	mu         sync.Mutex
	conn       *connection
	ring       *eventRing
	sentSeq    int64
	ackSeq     int64
	detachedAt time.Time
}

// Atomic reports whether the session belongs to a first party client
// that subscribes to guilds through GUILD_SYNC.
func (s *Session) Atomic() bool {
	return s.Properties.Browser == atomicBrowser
}

// Dispatch hands one event to the session. The sequence always advances
// and the event is always retained, attached or not, so a later resume
// can replay it. The return reports whether a live connection took it.
func (s *Session) Dispatch(eventType string, data interface{}) (delivered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sentSeq++
	s.ring.Add(ringEvent{Sequence: s.sentSeq, Type: eventType, Data: data})

	if s.conn != nil {
		s.conn.enqueue(sentPayload{
			Op:       OpDispatch,
			Data:     data,
			Sequence: s.sentSeq,
			Type:     eventType,
		})
		delivered = true
	}

	return
}

// Attached reports whether a connection currently drives the session.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Seq returns the sequence of the newest dispatch.
func (s *Session) Seq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentSeq
}

// DetachedSince returns when the session lost its connection. ok is
// false while a connection is attached.
func (s *Session) DetachedSince() (at time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return time.Time{}, false
	}
	return s.detachedAt, true
}

// attach points the session at a new connection and returns the one it
// replaces, if any. The caller closes the old connection.
func (s *Session) attach(c *connection) (old *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old = s.conn
	s.conn = c
	s.detachedAt = time.Time{}
	return
}

// detach clears the connection if it is still the given one. A resume
// that already took the session over wins.
func (s *Session) detach(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == c {
		s.conn = nil
		s.detachedAt = time.Now()
	}
}

// SessionRegistry tracks every live session by ID.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
	}
}

// Create mints a session for a user who just identified.
func (r *SessionRegistry) Create(userID string, bot bool, ident Identify) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for try := 0; try < sessionIDTries; try++ {
		id, err := randomSessionID()
		if err != nil {
			return nil, err
		}
		if _, taken := r.sessions[id]; taken {
			continue
		}

		sess := &Session{
			ID:             id,
			UserID:         userID,
			Bot:            bot,
			Properties:     ident.Properties,
			Compress:       ident.Compress,
			LargeThreshold: ident.LargeThreshold,
			Shard:          ident.Shard,
			ring:           newEventRing(ringCapacity),
			// Counts as detached from now until identify attaches it.
			detachedAt: time.Now(),
		}
		r.sessions[id] = sess
		return sess, nil
	}

	return nil, ErrSessionSpace
}

// Get looks a session up by ID.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove drops a session. The removed session is returned so callers
// can unhook it from fan out.
func (r *SessionRegistry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return sess, ok
}

// Count reports how many sessions exist, attached or not.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepDetached removes sessions that have sat without a connection
// longer than ttl and returns them.
func (r *SessionRegistry) SweepDetached(ttl time.Duration) (swept []*Session) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, sess := range r.sessions {
		at, detached := sess.DetachedSince()
		if !detached || now.Sub(at) < ttl {
			continue
		}

		delete(r.sessions, id)
		swept = append(swept, sess)
	}

	return
}

func randomSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
