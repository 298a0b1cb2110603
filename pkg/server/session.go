package server

import (
	"sync"
	"sync/atomic"
)

// Session represents one client connection. User is nil for anonymous
// observers, which receive broadcasts but cannot act.
type Session struct {
	ID         uint64
	User       *User
	Conn       *SafeConn
	RemoteAddr string
}

// SessionManager manages all active sessions and the set of authenticated
// users with at least one live connection
type SessionManager struct {
	sessions map[uint64]*Session
	authed   map[int64]*User
	nextID   uint64
	mu       sync.RWMutex
	metrics  *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		authed:   make(map[int64]*User),
		nextID:   1,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a connection. The session is not yet part of the
// user's connection set; Server.Connect does that.
func (sm *SessionManager) CreateSession(user *User, conn MessageConn, remoteAddr string) *Session {
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:         sessionID,
		User:       user,
		Conn:       NewSafeConn(conn),
		RemoteAddr: remoteAddr,
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
	}
	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns a snapshot of all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession removes a session and closes its connection. It reports
// whether the session was still registered.
func (sm *SessionManager) RemoveSession(sessionID uint64) (*Session, bool) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if ok {
		delete(sm.sessions, sessionID)
	}
	count := len(sm.sessions)
	sm.mu.Unlock()

	if !ok {
		return nil, false
	}
	sess.Conn.Close()
	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
	}
	return sess, true
}

// CloseAll closes every session
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[uint64]*Session)
	sm.mu.Unlock()

	for _, sess := range sessions {
		sess.Conn.Close()
	}
}

// Count returns the number of live connections
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// attachUser adds sess to u's connections and u to the online set. Both
// change under sm.mu so a concurrent detach of u's last other connection
// cannot remove u after this connection joined.
func (sm *SessionManager) attachUser(u *User, sess *Session) {
	sm.mu.Lock()
	u.addConn(sess)
	sm.authed[u.ID] = u
	count := len(sm.authed)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordAuthedUsers(count)
	}
}

// detachUser removes sess from u's connections. u leaves the online set
// with its last connection.
func (sm *SessionManager) detachUser(u *User, sess *Session) {
	sm.mu.Lock()
	if u.removeConn(sess) == 0 {
		delete(sm.authed, u.ID)
	}
	count := len(sm.authed)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordAuthedUsers(count)
	}
}

// AuthedCount returns how many distinct users are connected
func (sm *SessionManager) AuthedCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.authed)
}
