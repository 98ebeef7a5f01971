// Package memory provides an in-process adapter. State is lost on restart,
// which makes it suitable for development and tests.
package memory

import (
	"context"
	"strings"
	"sync"

	"authflow/adapters"
)

// Store keeps users, accounts, sessions and verification tokens in maps.
type Store struct {
	mu            sync.RWMutex
	users         map[string]adapters.User
	accounts      map[string]adapters.Account
	sessions      map[string]adapters.Session
	verifications map[string]adapters.VerificationToken
}

var _ adapters.Adapter = (*Store)(nil)

// New constructs the store.
func New() *Store {
	return &Store{
		users:         make(map[string]adapters.User),
		accounts:      make(map[string]adapters.Account),
		sessions:      make(map[string]adapters.Session),
		verifications: make(map[string]adapters.VerificationToken),
	}
}

// CreateUser stores a new user, assigning an ID when missing.
func (s *Store) CreateUser(_ context.Context, user adapters.User) (adapters.User, error) {
	if user.ID == "" {
		user.ID = adapters.NewID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	return user, nil
}

// GetUser looks a user up by ID.
func (s *Store) GetUser(_ context.Context, id string) (adapters.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return adapters.User{}, adapters.ErrNotFound
	}
	return user, nil
}

// GetUserByEmail matches case-insensitively.
func (s *Store) GetUserByEmail(_ context.Context, email string) (adapters.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if user.Email != "" && strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return adapters.User{}, adapters.ErrNotFound
}

// GetUserByAccount resolves a linked provider account to its user.
func (s *Store) GetUserByAccount(_ context.Context, provider, providerAccountID string) (adapters.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[accountKey(provider, providerAccountID)]
	if !ok {
		return adapters.User{}, adapters.ErrNotFound
	}
	user, ok := s.users[account.UserID]
	if !ok {
		return adapters.User{}, adapters.ErrNotFound
	}
	return user, nil
}

// UpdateUser replaces an existing user.
func (s *Store) UpdateUser(_ context.Context, user adapters.User) (adapters.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return adapters.User{}, adapters.ErrNotFound
	}
	s.users[user.ID] = user
	return user, nil
}

// LinkAccount stores or replaces a provider account link.
func (s *Store) LinkAccount(_ context.Context, account adapters.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountKey(account.Provider, account.ProviderAccountID)] = account
	return nil
}

// CreateSession stores a session, generating its token when missing.
func (s *Store) CreateSession(_ context.Context, session adapters.Session) (adapters.Session, error) {
	if session.SessionToken == "" {
		session.SessionToken = adapters.NewID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionToken] = session
	return session, nil
}

// GetSessionAndUser returns the session and its owner. Expiry is left to the
// caller.
func (s *Store) GetSessionAndUser(_ context.Context, sessionToken string) (adapters.Session, adapters.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionToken]
	if !ok {
		return adapters.Session{}, adapters.User{}, adapters.ErrNotFound
	}
	user, ok := s.users[session.UserID]
	if !ok {
		return adapters.Session{}, adapters.User{}, adapters.ErrNotFound
	}
	return session, user, nil
}

// UpdateSession replaces an existing session.
func (s *Store) UpdateSession(_ context.Context, session adapters.Session) (adapters.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.SessionToken]; !ok {
		return adapters.Session{}, adapters.ErrNotFound
	}
	s.sessions[session.SessionToken] = session
	return session, nil
}

// DeleteSession removes a session. Deleting a missing session is not an error.
func (s *Store) DeleteSession(_ context.Context, sessionToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionToken)
	return nil
}

// CreateVerificationToken stores a hashed email token.
func (s *Store) CreateVerificationToken(_ context.Context, token adapters.VerificationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifications[verificationKey(token.Identifier, token.Token)] = token
	return nil
}

// UseVerificationToken fetches and removes a verification token.
func (s *Store) UseVerificationToken(_ context.Context, identifier, token string) (adapters.VerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := verificationKey(identifier, token)
	vt, ok := s.verifications[key]
	if !ok {
		return adapters.VerificationToken{}, adapters.ErrNotFound
	}
	delete(s.verifications, key)
	return vt, nil
}

func accountKey(provider, providerAccountID string) string {
	return provider + ":" + providerAccountID
}

func verificationKey(identifier, token string) string {
	return identifier + ":" + token
}
