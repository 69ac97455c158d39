// Package authtest provides in-memory fixtures for code that authenticates
// requests: a session store and helpers to mint credentials.
package authtest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CGuiho/nante40-core/auth"
	"github.com/CGuiho/nante40-core/store"
)

// TestKey is a valid 32-byte signing key for tests.
const TestKey = "0123456789abcdef0123456789abcdef"

// Sessions is an in-memory store.SessionStore.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
	users    map[string]*store.User
	nextID   int64

	// Err, when set, is returned by every lookup.
	Err error
}

// NewSessions creates an empty store.
func NewSessions() *Sessions {
	return &Sessions{
		sessions: make(map[string]*store.Session),
		users:    make(map[string]*store.User),
	}
}

// AddUser stores a live user with the given uid.
func (s *Sessions) AddUser(uid string) *store.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := time.Now()
	u := &store.User{ID: s.nextID, UID: uid, Username: uid, Email: uid + "@example.com", CreatedAt: now, UpdatedAt: now}
	s.users[uid] = u
	return u
}

// AddSession stores a session for u expiring after ttl (negative for an
// already expired session).
func (s *Sessions) AddSession(uid string, u *store.User, ttl time.Duration) *store.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := time.Now()
	ss := &store.Session{ID: s.nextID, UID: uid, UserID: u.ID, ExpiresAt: now.Add(ttl), LastUsedAt: now, CreatedAt: now, UpdatedAt: now}
	s.sessions[uid] = ss
	return ss
}

// Login creates a user and a one-hour session and returns their credentials.
func (s *Sessions) Login(userUID string) *auth.Credentials {
	u := s.AddUser(userUID)
	ss := s.AddSession("sess-"+userUID, u, time.Hour)
	return &auth.Credentials{SessionUID: ss.UID, UserUID: u.UID}
}

// DeleteSession soft-deletes a session.
func (s *Sessions) DeleteSession(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok := s.sessions[uid]; ok {
		now := time.Now()
		ss.DeletedAt = &now
	}
}

// DeleteUser soft-deletes a user.
func (s *Sessions) DeleteUser(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[uid]; ok {
		now := time.Now()
		u.DeletedAt = &now
	}
}

func (s *Sessions) GetSession(ctx context.Context, uid string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	ss, ok := s.sessions[uid]
	if !ok {
		return nil, nil
	}
	cp := *ss
	return &cp, nil
}

func (s *Sessions) GetUser(ctx context.Context, uid string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	u, ok := s.users[uid]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

var _ store.SessionStore = (*Sessions)(nil)

// NewKeyring returns a keyring holding TestKey.
func NewKeyring(t testing.TB) *auth.Keyring {
	t.Helper()
	k, err := auth.NewKeyring(TestKey)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return k
}

// BearerHeader returns the Authorization header value for creds.
func BearerHeader(t testing.TB, creds *auth.Credentials) string {
	t.Helper()
	h, err := creds.AuthorizationHeader()
	if err != nil {
		t.Fatalf("AuthorizationHeader: %v", err)
	}
	return h
}

// Key returns a valid signing key derived from seed.
func Key(seed string) string {
	return (seed + strings.Repeat("x", auth.KeySize))[:auth.KeySize]
}
