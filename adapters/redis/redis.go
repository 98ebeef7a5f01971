// Package redis provides a Redis-backed adapter. Records are stored as JSON
// under a key prefix; sessions and verification tokens carry a TTL matching
// their expiry so Redis evicts them on its own.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"authflow/adapters"
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "authflow:"

// Config contains configuration options for the Redis adapter.
type Config struct {
	Client    redis.UniversalClient
	KeyPrefix string
}

// Store implements adapters.Adapter on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ adapters.Adapter = (*Store)(nil)

// New creates a Redis adapter.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Store{client: cfg.Client, prefix: cfg.KeyPrefix}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) userKey(id string) string { return s.prefix + "user:" + id }

func (s *Store) emailKey(email string) string {
	return s.prefix + "user:email:" + strings.ToLower(email)
}

func (s *Store) accountKey(provider, providerAccountID string) string {
	return s.prefix + "account:" + provider + ":" + providerAccountID
}

func (s *Store) sessionKey(token string) string { return s.prefix + "session:" + token }

func (s *Store) verificationKey(identifier, token string) string {
	return s.prefix + "verification:" + identifier + ":" + token
}

// CreateUser stores a new user and its email index.
func (s *Store) CreateUser(ctx context.Context, user adapters.User) (adapters.User, error) {
	if user.ID == "" {
		user.ID = adapters.NewID()
	}
	data, err := json.Marshal(user)
	if err != nil {
		return adapters.User{}, fmt.Errorf("marshal user: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.userKey(user.ID), data, 0)
	if user.Email != "" {
		pipe.Set(ctx, s.emailKey(user.Email), user.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return adapters.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// GetUser looks a user up by ID.
func (s *Store) GetUser(ctx context.Context, id string) (adapters.User, error) {
	var user adapters.User
	if err := s.getJSON(ctx, s.userKey(id), &user); err != nil {
		return adapters.User{}, err
	}
	return user, nil
}

// GetUserByEmail resolves the email index, case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (adapters.User, error) {
	id, err := s.client.Get(ctx, s.emailKey(email)).Result()
	if err != nil {
		return adapters.User{}, notFound(err)
	}
	return s.GetUser(ctx, id)
}

// GetUserByAccount resolves a linked provider account to its user.
func (s *Store) GetUserByAccount(ctx context.Context, provider, providerAccountID string) (adapters.User, error) {
	var account adapters.Account
	if err := s.getJSON(ctx, s.accountKey(provider, providerAccountID), &account); err != nil {
		return adapters.User{}, err
	}
	return s.GetUser(ctx, account.UserID)
}

// UpdateUser replaces an existing user, moving the email index if needed.
func (s *Store) UpdateUser(ctx context.Context, user adapters.User) (adapters.User, error) {
	current, err := s.GetUser(ctx, user.ID)
	if err != nil {
		return adapters.User{}, err
	}
	data, err := json.Marshal(user)
	if err != nil {
		return adapters.User{}, fmt.Errorf("marshal user: %w", err)
	}
	pipe := s.client.TxPipeline()
	if current.Email != "" && !strings.EqualFold(current.Email, user.Email) {
		pipe.Del(ctx, s.emailKey(current.Email))
	}
	if user.Email != "" {
		pipe.Set(ctx, s.emailKey(user.Email), user.ID, 0)
	}
	pipe.Set(ctx, s.userKey(user.ID), data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return adapters.User{}, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

// LinkAccount stores or replaces a provider account link.
func (s *Store) LinkAccount(ctx context.Context, account adapters.Account) error {
	return s.setJSON(ctx, s.accountKey(account.Provider, account.ProviderAccountID), account, 0)
}

// CreateSession stores a session with a TTL equal to its remaining lifetime.
func (s *Store) CreateSession(ctx context.Context, session adapters.Session) (adapters.Session, error) {
	if session.SessionToken == "" {
		session.SessionToken = adapters.NewID()
	}
	if err := s.setJSON(ctx, s.sessionKey(session.SessionToken), session, ttlUntil(session.Expires)); err != nil {
		return adapters.Session{}, err
	}
	return session, nil
}

// GetSessionAndUser returns the session and its owner.
func (s *Store) GetSessionAndUser(ctx context.Context, sessionToken string) (adapters.Session, adapters.User, error) {
	var session adapters.Session
	if err := s.getJSON(ctx, s.sessionKey(sessionToken), &session); err != nil {
		return adapters.Session{}, adapters.User{}, err
	}
	user, err := s.GetUser(ctx, session.UserID)
	if err != nil {
		return adapters.Session{}, adapters.User{}, err
	}
	return session, user, nil
}

// UpdateSession replaces an existing session and resets its TTL.
func (s *Store) UpdateSession(ctx context.Context, session adapters.Session) (adapters.Session, error) {
	n, err := s.client.Exists(ctx, s.sessionKey(session.SessionToken)).Result()
	if err != nil {
		return adapters.Session{}, fmt.Errorf("check session: %w", err)
	}
	if n == 0 {
		return adapters.Session{}, adapters.ErrNotFound
	}
	if err := s.setJSON(ctx, s.sessionKey(session.SessionToken), session, ttlUntil(session.Expires)); err != nil {
		return adapters.Session{}, err
	}
	return session, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, sessionToken string) error {
	if err := s.client.Del(ctx, s.sessionKey(sessionToken)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CreateVerificationToken stores a hashed email token until it expires.
func (s *Store) CreateVerificationToken(ctx context.Context, token adapters.VerificationToken) error {
	return s.setJSON(ctx, s.verificationKey(token.Identifier, token.Token), token, ttlUntil(token.Expires))
}

// UseVerificationToken atomically fetches and deletes a verification token.
func (s *Store) UseVerificationToken(ctx context.Context, identifier, token string) (adapters.VerificationToken, error) {
	raw, err := s.client.GetDel(ctx, s.verificationKey(identifier, token)).Result()
	if err != nil {
		return adapters.VerificationToken{}, notFound(err)
	}
	var vt adapters.VerificationToken
	if err := json.Unmarshal([]byte(raw), &vt); err != nil {
		return adapters.VerificationToken{}, fmt.Errorf("unmarshal verification token: %w", err)
	}
	return vt, nil
}

func (s *Store) getJSON(ctx context.Context, key string, dst any) error {
	raw, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return notFound(err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, redis.Nil) {
		return adapters.ErrNotFound
	}
	return fmt.Errorf("redis: %w", err)
}

// ttlUntil returns the remaining lifetime, zero meaning no expiry. Records
// that are already expired get a one second TTL so the caller can still
// observe and delete them.
func ttlUntil(expires time.Time) time.Duration {
	if expires.IsZero() {
		return 0
	}
	ttl := time.Until(expires)
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}
