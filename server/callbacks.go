package server

import (
	"context"
	"net/url"
	"strings"

	"authflow/adapters"
	"authflow/jwt"
)

// SignInParams is passed to Callbacks.SignIn.
type SignInParams struct {
	User    adapters.User
	Account *adapters.Account
	Profile *Profile
	// VerificationRequest is set when an email link is about to be sent.
	VerificationRequest bool
	Credentials         map[string]string
}

// JWTParams is passed to Callbacks.JWT. User, Account and Profile are only
// set on sign-in.
type JWTParams struct {
	Token     jwt.Claims
	User      *adapters.User
	Account   *adapters.Account
	Profile   *Profile
	IsNewUser bool
	// Trigger is "signIn", "signUp", "update" or empty for a session read.
	Trigger string
	// Session carries the client-supplied data on an update.
	Session map[string]any
}

// SessionParams is passed to Callbacks.Session. Token is set for JWT
// sessions, User for database sessions.
type SessionParams struct {
	Session map[string]any
	Token   jwt.Claims
	User    *adapters.User
}

// Callbacks let the host application shape the flow. Nil fields use the
// defaults below.
type Callbacks struct {
	SignIn   func(ctx context.Context, p SignInParams) (bool, error)
	Redirect func(ctx context.Context, target, baseURL string) string
	JWT      func(ctx context.Context, p JWTParams) (jwt.Claims, error)
	Session  func(ctx context.Context, p SessionParams) (map[string]any, error)
}

// Events are fire-and-forget notifications.
type Events struct {
	SignIn     func(ctx context.Context, user adapters.User, account *adapters.Account, isNewUser bool)
	SignOut    func(ctx context.Context, userID string)
	CreateUser func(ctx context.Context, user adapters.User)
}

func (c Callbacks) signIn(ctx context.Context, p SignInParams) (bool, error) {
	if c.SignIn == nil {
		return true, nil
	}
	return c.SignIn(ctx, p)
}

func (c Callbacks) redirect(ctx context.Context, target, baseURL string) string {
	if c.Redirect == nil {
		return DefaultRedirect(target, baseURL)
	}
	return c.Redirect(ctx, target, baseURL)
}

func (c Callbacks) jwt(ctx context.Context, p JWTParams) (jwt.Claims, error) {
	if c.JWT == nil {
		return p.Token, nil
	}
	return c.JWT(ctx, p)
}

func (c Callbacks) session(ctx context.Context, p SessionParams) (map[string]any, error) {
	if c.Session == nil {
		return p.Session, nil
	}
	return c.Session(ctx, p)
}

// DefaultRedirect allows relative targets and targets on the base URL's
// origin. Anything else falls back to the base URL.
func DefaultRedirect(target, baseURL string) string {
	if strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") {
		return strings.TrimSuffix(baseURL, "/") + target
	}
	t, err := url.Parse(target)
	if err != nil {
		return baseURL
	}
	b, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	if t.Scheme == b.Scheme && t.Host == b.Host {
		return target
	}
	return baseURL
}
