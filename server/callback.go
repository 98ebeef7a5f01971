package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"authflow/adapters"
)

func (d *Dispatcher) handleCallback(ctx context.Context, f *flow) error {
	switch p := f.provider.(type) {
	case *OAuthProvider:
		return d.callbackOAuth(ctx, f, p)
	case *CredentialsProvider:
		return d.credentialsFlow(ctx, f, p)
	case *EmailProvider:
		return d.callbackEmail(ctx, f, p)
	}
	return nil
}

// callbackOAuth validates the checks, exchanges the code and signs the user
// in. Check cookies are cleared whatever the outcome.
func (d *Dispatcher) callbackOAuth(ctx context.Context, f *flow, p *OAuthProvider) error {
	values := make(map[string]string, 3)
	for _, check := range []string{CheckState, CheckPKCE, CheckNonce} {
		if !p.hasCheck(check) {
			continue
		}
		v, err := d.useCheck(f, check)
		if err != nil {
			return err
		}
		values[check] = v
	}

	if upstreamErr := f.req.Param("error"); upstreamErr != "" {
		code := CodeOAuthCallback
		if upstreamErr == "access_denied" {
			code = CodeAccessDenied
		}
		d.metrics.recordSignIn(p.ID, false)
		d.fail(f, code, fmt.Errorf("%w: upstream returned %s", ErrProvider, upstreamErr))
		return nil
	}

	if p.hasCheck(CheckState) {
		if values[CheckState] == "" || f.req.Param("state") != values[CheckState] {
			d.metrics.recordSignIn(p.ID, false)
			d.fail(f, CodeState, ErrStateMismatch)
			return nil
		}
	}
	if p.hasCheck(CheckPKCE) && values[CheckPKCE] == "" {
		d.fail(f, CodeOAuthCallback, errors.New("pkce code verifier cookie missing"))
		return nil
	}
	if p.Type == TypeOIDC && p.hasCheck(CheckNonce) && values[CheckNonce] == "" {
		d.fail(f, CodeOAuthCallback, errors.New("nonce cookie missing"))
		return nil
	}
	code := f.req.Param("code")
	if code == "" {
		d.fail(f, CodeOAuthCallback, errors.New("authorization code missing"))
		return nil
	}

	up, err := p.resolve(ctx, callbackURL(d.opts.BaseURL, d.opts.BasePath, p.ID))
	if err != nil {
		d.fail(f, CodeOAuthCallback, fmt.Errorf("%w: %w", ErrProvider, err))
		return nil
	}
	profile, tok, err := up.Exchange(ctx, p, code, values[CheckPKCE], values[CheckNonce])
	if err != nil {
		d.metrics.recordSignIn(p.ID, false)
		d.fail(f, CodeOAuthCallback, fmt.Errorf("%w: %w", ErrProvider, err))
		return nil
	}

	account := accountFromToken(p, profile, tok)
	allowed, err := d.opts.Callbacks.signIn(ctx, SignInParams{User: profile.User(), Account: account, Profile: &profile})
	if err != nil || !allowed {
		d.metrics.recordSignIn(p.ID, false)
		d.fail(f, CodeAccessDenied, err)
		return nil
	}

	user, isNewUser, err := d.loginOAuth(ctx, profile, account)
	if err != nil {
		if errors.Is(err, ErrAccountNotLinked) {
			d.fail(f, CodeOAuthAccountNotLinked, err)
			return nil
		}
		return d.failWith(f, err, CodeOAuthCallback)
	}

	if err := d.establishSession(ctx, f, user, account, &profile, isNewUser); err != nil {
		return d.failWith(f, err, CodeOAuthCallback)
	}
	d.metrics.recordSignIn(p.ID, true)
	d.redirect(f, d.afterSignIn(f, isNewUser))
	return nil
}

func accountFromToken(p *OAuthProvider, profile Profile, tok *oauth2.Token) *adapters.Account {
	account := &adapters.Account{
		Type:              string(p.Type),
		Provider:          p.ID,
		ProviderAccountID: profile.ID,
		AccessToken:       tok.AccessToken,
		RefreshToken:      tok.RefreshToken,
		TokenType:         tok.TokenType,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		account.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		account.Scope = scope
	}
	if !tok.Expiry.IsZero() {
		account.ExpiresAt = tok.Expiry.Unix()
	}
	return account
}

// loginOAuth maps an upstream identity onto a stored user, creating and
// linking one on first sign-in. Without an adapter the profile is the user.
func (d *Dispatcher) loginOAuth(ctx context.Context, profile Profile, account *adapters.Account) (adapters.User, bool, error) {
	if d.opts.Adapter == nil {
		user := profile.User()
		account.UserID = user.ID
		return user, false, nil
	}

	user, err := d.opts.Adapter.GetUserByAccount(ctx, account.Provider, account.ProviderAccountID)
	if err == nil {
		account.UserID = user.ID
		return user, false, nil
	}
	if !errors.Is(err, adapters.ErrNotFound) {
		return adapters.User{}, false, fmt.Errorf("%w: %w", ErrAdapter, err)
	}

	if profile.Email != "" {
		_, err := d.opts.Adapter.GetUserByEmail(ctx, profile.Email)
		if err == nil {
			return adapters.User{}, false, fmt.Errorf("%w: %s via %s", ErrAccountNotLinked, profile.Email, account.Provider)
		}
		if !errors.Is(err, adapters.ErrNotFound) {
			return adapters.User{}, false, fmt.Errorf("%w: %w", ErrAdapter, err)
		}
	}

	candidate := profile.User()
	candidate.ID = ""
	created, err := d.opts.Adapter.CreateUser(ctx, candidate)
	if err != nil {
		return adapters.User{}, false, fmt.Errorf("%w: create user: %w", ErrAdapter, err)
	}
	if d.opts.Events.CreateUser != nil {
		d.opts.Events.CreateUser(ctx, created)
	}
	account.UserID = created.ID
	if err := d.opts.Adapter.LinkAccount(ctx, *account); err != nil {
		return adapters.User{}, false, fmt.Errorf("%w: link account: %w", ErrAdapter, err)
	}
	return created, true, nil
}

// callbackEmail consumes the verification token from a sign-in link.
func (d *Dispatcher) callbackEmail(ctx context.Context, f *flow, p *EmailProvider) error {
	token := f.req.Param("token")
	identifier := f.req.Param("email")
	if token == "" || identifier == "" {
		d.fail(f, CodeVerification, errors.New("verification link incomplete"))
		return nil
	}

	vt, err := d.opts.Adapter.UseVerificationToken(ctx, identifier, d.hashWithSecret(token))
	if err != nil {
		if errors.Is(err, adapters.ErrNotFound) {
			d.fail(f, CodeVerification, err)
			return nil
		}
		d.fail(f, CodeAdapterError, fmt.Errorf("%w: %w", ErrAdapter, err))
		return nil
	}
	now := d.now()
	if !vt.Expires.After(now) {
		d.fail(f, CodeVerification, errors.New("verification token expired"))
		return nil
	}

	isNewUser := false
	user, err := d.opts.Adapter.GetUserByEmail(ctx, identifier)
	switch {
	case err == nil:
	case errors.Is(err, adapters.ErrNotFound):
		isNewUser = true
		user = adapters.User{Email: identifier}
	default:
		d.fail(f, CodeAdapterError, fmt.Errorf("%w: %w", ErrAdapter, err))
		return nil
	}

	account := &adapters.Account{
		UserID:            user.ID,
		Type:              string(TypeEmail),
		Provider:          p.ProviderID(),
		ProviderAccountID: identifier,
	}
	allowed, err := d.opts.Callbacks.signIn(ctx, SignInParams{User: user, Account: account})
	if err != nil || !allowed {
		d.metrics.recordSignIn(p.ProviderID(), false)
		d.fail(f, CodeAccessDenied, err)
		return nil
	}

	if user, err = d.verifiedUser(ctx, user, isNewUser, now); err != nil {
		return d.failWith(f, err, CodeVerification)
	}
	account.UserID = user.ID

	if err := d.establishSession(ctx, f, user, account, nil, isNewUser); err != nil {
		return d.failWith(f, err, CodeVerification)
	}
	d.metrics.recordSignIn(p.ProviderID(), true)
	d.redirect(f, d.afterSignIn(f, isNewUser))
	return nil
}

// verifiedUser creates the user or stamps EmailVerified on an existing one.
func (d *Dispatcher) verifiedUser(ctx context.Context, user adapters.User, isNew bool, now time.Time) (adapters.User, error) {
	verified := now
	if isNew {
		user.EmailVerified = &verified
		created, err := d.opts.Adapter.CreateUser(ctx, user)
		if err != nil {
			return adapters.User{}, fmt.Errorf("%w: create user: %w", ErrAdapter, err)
		}
		if d.opts.Events.CreateUser != nil {
			d.opts.Events.CreateUser(ctx, created)
		}
		return created, nil
	}
	if user.EmailVerified == nil {
		user.EmailVerified = &verified
		updated, err := d.opts.Adapter.UpdateUser(ctx, user)
		if err != nil {
			return adapters.User{}, fmt.Errorf("%w: update user: %w", ErrAdapter, err)
		}
		return updated, nil
	}
	return user, nil
}

// afterSignIn sends first-time users to the new-user page when one is set.
func (d *Dispatcher) afterSignIn(f *flow, isNewUser bool) string {
	if isNewUser && d.opts.Pages.NewUser != "" {
		return d.pageURL(d.opts.Pages.NewUser, actionSignIn, url.Values{"callbackUrl": {f.callbackURL}})
	}
	return f.callbackURL
}
