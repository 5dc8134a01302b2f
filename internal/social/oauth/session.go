package oauth

import (
	"sync"
	"time"

	"github.com/crosscast/crosscast/internal/social"
	"github.com/google/uuid"
)

// DefaultSessionTTL bounds how long an authorization handshake may take
// before the stored state expires and the flow must be restarted.
const DefaultSessionTTL = 10 * time.Minute

// Session is the transient state of one authorization attempt. It is created
// when the authorization URL is issued and consumed on exchange.
type Session struct {
	Provider  social.Provider
	State     string
	Verifier  string // PKCE code verifier, empty when PKCE is not used
	CreatedAt time.Time
}

// SessionStore keeps in-flight authorization sessions keyed by a random id.
type SessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]Session
}

// NewSessionStore returns a store with the given TTL.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{ttl: ttl, sessions: make(map[string]Session)}
}

// Put stores a session and returns its id.
func (s *SessionStore) Put(sess Session) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	sess.CreatedAt = time.Now()
	id := uuid.NewString()
	s.sessions[id] = sess
	return id
}

// Take removes and returns the session for id. Expired sessions are treated
// as missing.
func (s *SessionStore) Take(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	delete(s.sessions, id)
	if time.Since(sess.CreatedAt) > s.ttl {
		return Session{}, false
	}
	return sess, true
}

// Len reports the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	return len(s.sessions)
}

func (s *SessionStore) prune() {
	cutoff := time.Now().Add(-s.ttl)
	for id, sess := range s.sessions {
		if sess.CreatedAt.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}
