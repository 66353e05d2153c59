package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionKeyLen is the AES-256 session key length in bytes.
const SessionKeyLen = 32

// Session is one live login. At most one exists per username; it is created
// on successful authentication and destroyed on logout, disconnect, or
// eviction. Sessions are never persisted.
type Session struct {
	Username  string
	Token     string
	Key       []byte
	CreatedAt time.Time
	LastSeen  time.Time
}

// Sessions is the in-memory session registry. It exclusively owns session
// keys; connections hold a reference for encrypt/decrypt but must not
// outlive the session.
type Sessions struct {
	mu     sync.Mutex
	byUser map[string]*Session
}

// NewSessions returns an empty session registry.
func NewSessions() *Sessions {
	return &Sessions{byUser: make(map[string]*Session)}
}

// Create starts a session for username, replacing any previous one. The
// token is an opaque 128-bit value rendered as 32 hex characters; the key is
// 32 bytes from the OS CSPRNG.
func (s *Sessions) Create(username string) (token string, key []byte, err error) {
	u := uuid.New()
	token = hex.EncodeToString(u[:])

	key = make([]byte, SessionKeyLen)
	if _, err := rand.Read(key); err != nil {
		return "", nil, fmt.Errorf("generate session key: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	s.byUser[username] = &Session{
		Username:  username,
		Token:     token,
		Key:       key,
		CreatedAt: now,
		LastSeen:  now,
	}
	s.mu.Unlock()

	return token, key, nil
}

// Touch updates last-activity. Called on every authenticated message.
func (s *Sessions) Touch(username string) {
	s.mu.Lock()
	if sess, ok := s.byUser[username]; ok {
		sess.LastSeen = time.Now()
	}
	s.mu.Unlock()
}

// End destroys the session for username if token still matches the live
// session. A stale connection tearing down after the user re-logged-in
// elsewhere must not destroy the successor's session.
func (s *Sessions) End(username, token string) {
	s.mu.Lock()
	if sess, ok := s.byUser[username]; ok && sess.Token == token {
		delete(s.byUser, username)
	}
	s.mu.Unlock()
}

// Key returns the session key for username, or nil if no session is live.
func (s *Sessions) Key(username string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byUser[username]; ok {
		return sess.Key
	}
	return nil
}

// VerifyToken reports whether token matches the live session for username.
func (s *Sessions) VerifyToken(username, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byUser[username]
	return ok && sess.Token == token
}
