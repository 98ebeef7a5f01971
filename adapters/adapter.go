// Package adapters defines the persistence contract used by the flow
// dispatcher for users, linked provider accounts, database sessions and email
// verification tokens.
package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("record not found")

// User is the long-lived identity record.
type User struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	Email         string     `json:"email,omitempty"`
	Image         string     `json:"image,omitempty"`
	EmailVerified *time.Time `json:"emailVerified,omitempty"`
}

// Account links a User to an identity at an upstream provider.
type Account struct {
	UserID            string `json:"userId"`
	Type              string `json:"type"`
	Provider          string `json:"provider"`
	ProviderAccountID string `json:"providerAccountId"`
	AccessToken       string `json:"access_token,omitempty"`
	RefreshToken      string `json:"refresh_token,omitempty"`
	IDToken           string `json:"id_token,omitempty"`
	TokenType         string `json:"token_type,omitempty"`
	Scope             string `json:"scope,omitempty"`
	ExpiresAt         int64  `json:"expires_at,omitempty"`
}

// Session is a server-side session addressed by an opaque token.
type Session struct {
	SessionToken string    `json:"sessionToken"`
	UserID       string    `json:"userId"`
	Expires      time.Time `json:"expires"`
}

// VerificationToken backs an email sign-in link. Token holds a hash of the
// value mailed to the user, never the value itself.
type VerificationToken struct {
	Identifier string    `json:"identifier"`
	Token      string    `json:"token"`
	Expires    time.Time `json:"expires"`
}

// Adapter is implemented by persistence backends. Implementations must be
// safe for concurrent use.
type Adapter interface {
	CreateUser(ctx context.Context, user User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByAccount(ctx context.Context, provider, providerAccountID string) (User, error)
	UpdateUser(ctx context.Context, user User) (User, error)
	LinkAccount(ctx context.Context, account Account) error

	CreateSession(ctx context.Context, session Session) (Session, error)
	GetSessionAndUser(ctx context.Context, sessionToken string) (Session, User, error)
	UpdateSession(ctx context.Context, session Session) (Session, error)
	DeleteSession(ctx context.Context, sessionToken string) error

	CreateVerificationToken(ctx context.Context, token VerificationToken) error
	// UseVerificationToken returns and deletes the token in one step.
	UseVerificationToken(ctx context.Context, identifier, token string) (VerificationToken, error)
}

// NewID returns a random identifier for users and session tokens.
func NewID() string {
	return uuid.NewString()
}
