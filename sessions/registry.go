package sessions

import (
	"sync"
	"time"

	"github.com/ggoodman/wa-gateway-go/protocol"
)

// Session is one user's registered connection.
type Session struct {
	UserID    string
	Conn      protocol.Conn
	AttemptID string
	CreatedAt time.Time

	// credsDone is closed once every credential update of Conn was handled.
	credsDone chan struct{}
}

// Identity returns the connected account identifier, or "" while the
// connection is not open.
func (s *Session) Identity() string {
	if s == nil || s.Conn == nil {
		return ""
	}
	return s.Conn.Identity()
}

// Registry maps user identifiers to their current Session. It is safe for
// concurrent use; operations on one user are expected to be serialized by the
// caller.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Upsert registers sess for userID and returns the session it replaced, if any.
func (r *Registry) Upsert(userID string, sess *Session) (previous *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous = r.sessions[userID]
	r.sessions[userID] = sess
	return previous
}

func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[userID]
	return sess, ok
}

// Remove deletes the entry for userID. Removing an absent user is a no-op.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	delete(r.sessions, userID)
	r.mu.Unlock()
}

// isCurrent reports whether sess is still the registered session for its
// user, or whether the user has no session at all.
func (r *Registry) isCurrent(sess *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.sessions[sess.UserID]
	return !ok || cur == sess
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions in no particular order.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
