package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps ephemeral IDP state: login sessions, authorization
// codes, and refresh tokens.
type InMemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]Session
	authCodes     map[string]AuthorizationCode
	refreshTokens map[string]RefreshToken
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:      make(map[string]Session),
		authCodes:     make(map[string]AuthorizationCode),
		refreshTokens: make(map[string]RefreshToken),
	}
}

// NewID generates a random identifier.
func (s *InMemoryStore) NewID() string {
	return uuid.NewString()
}

// SaveSession stores or replaces a login session.
func (s *InMemoryStore) SaveSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// GetSession retrieves a login session by ID.
func (s *InMemoryStore) GetSession(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// DeleteSession removes a login session.
func (s *InMemoryStore) DeleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SaveAuthCode persists an authorization code.
func (s *InMemoryStore) SaveAuthCode(code AuthorizationCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCodes[code.Code] = code
}

// ConsumeAuthCode fetches and removes an authorization code. Expired or
// already-used codes are treated as absent.
func (s *InMemoryStore) ConsumeAuthCode(code string) (AuthorizationCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auth, ok := s.authCodes[code]
	if !ok {
		return AuthorizationCode{}, false
	}
	delete(s.authCodes, code)
	if time.Now().After(auth.ExpiresAt) || auth.Used {
		return AuthorizationCode{}, false
	}
	auth.Used = true
	return auth, true
}

// SaveRefreshToken stores or replaces a refresh token record.
func (s *InMemoryStore) SaveRefreshToken(rt RefreshToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[rt.ID] = rt
}

// GetRefreshToken fetches a refresh token by ID.
func (s *InMemoryStore) GetRefreshToken(id string) (RefreshToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.refreshTokens[id]
	return rt, ok
}

// DeleteRefreshToken removes a refresh token from the store.
func (s *InMemoryStore) DeleteRefreshToken(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshTokens, id)
}
