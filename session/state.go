package session

import "sync"

// SessionState is the derived, in-memory view of authentication the
// application renders from. It is never persisted.
type SessionState struct {
	IsAuthenticated bool
	User            *User
	Tokens          *TokenSet
	Error           string
	Loading         bool
}

// Session holds the current SessionState and notifies subscribers on change.
type Session struct {
	mu        sync.RWMutex
	state     SessionState
	listeners map[int]func(SessionState)
	nextID    int
}

func NewSession() *Session {
	return &Session{listeners: make(map[int]func(SessionState))}
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe registers fn to receive every new state. The returned func
// removes the listener.
func (s *Session) Subscribe(fn func(SessionState)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) SetCredentials(user User, tokens TokenSet) {
	s.update(func(st *SessionState) {
		st.User = &user
		st.Tokens = &tokens
		st.IsAuthenticated = true
		st.Error = ""
		st.Loading = false
	})
}

func (s *Session) SetTokens(tokens TokenSet) {
	s.update(func(st *SessionState) {
		st.Tokens = &tokens
		st.IsAuthenticated = true
	})
}

func (s *Session) SetUser(user User) {
	s.update(func(st *SessionState) { st.User = &user })
}

func (s *Session) SetLoading(loading bool) {
	s.update(func(st *SessionState) { st.Loading = loading })
}

func (s *Session) SetError(msg string) {
	s.update(func(st *SessionState) {
		st.Error = msg
		st.Loading = false
	})
}

func (s *Session) ClearError() {
	s.update(func(st *SessionState) { st.Error = "" })
}

// Clear returns to the unauthenticated state.
func (s *Session) Clear() {
	s.update(func(st *SessionState) { *st = SessionState{} })
}

func (s *Session) update(fn func(*SessionState)) {
	s.mu.Lock()
	fn(&s.state)
	snapshot := s.state
	listeners := make([]func(SessionState), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}
