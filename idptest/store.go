package idptest

import (
	"sync"
	"time"
)

type authorizationCode struct {
	Code          string
	RedirectURI   string
	Scope         string
	Nonce         string
	CodeChallenge string
	ExpiresAt     time.Time
}

type refreshToken struct {
	ID      string
	Scope   string
	Revoked bool
}

// memoryStore keeps issued codes, refresh tokens and access token IDs.
type memoryStore struct {
	mu            sync.Mutex
	codes         map[string]authorizationCode
	refreshTokens map[string]refreshToken
	accessJTIs    map[string]bool // jti -> still valid
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		codes:         make(map[string]authorizationCode),
		refreshTokens: make(map[string]refreshToken),
		accessJTIs:    make(map[string]bool),
	}
}

func (s *memoryStore) saveCode(code authorizationCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
}

// consumeCode fetches and removes a code; expired codes are dropped.
func (s *memoryStore) consumeCode(code string) (authorizationCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return authorizationCode{}, false
	}
	delete(s.codes, code)
	if time.Now().After(c.ExpiresAt) {
		return authorizationCode{}, false
	}
	return c, true
}

func (s *memoryStore) saveRefreshToken(rt refreshToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[rt.ID] = rt
}

func (s *memoryStore) refreshToken(id string) (refreshToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.refreshTokens[id]
	return rt, ok
}

func (s *memoryStore) revokeRefreshToken(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.refreshTokens[id]
	if !ok {
		return false
	}
	rt.Revoked = true
	s.refreshTokens[id] = rt
	return true
}

func (s *memoryStore) rememberAccess(jti string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessJTIs[jti] = true
}

func (s *memoryStore) accessValid(jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessJTIs[jti]
}

func (s *memoryStore) revokeAccess(jti string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accessJTIs[jti]; ok {
		s.accessJTIs[jti] = false
	}
}

// expireAllAccess invalidates every access token issued so far.
func (s *memoryStore) expireAllAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jti := range s.accessJTIs {
		s.accessJTIs[jti] = false
	}
}
