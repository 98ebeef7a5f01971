package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"net/url"
	"strings"

	"authflow/adapters"
	"authflow/cookie"
)

// handleSignIn starts a sign-in. Without a provider, or on GET, it shows the
// sign-in page or the provider list.
func (d *Dispatcher) handleSignIn(ctx context.Context, f *flow) error {
	if f.provider == nil || f.req.Method != http.MethodPost {
		if d.opts.Pages.SignIn != "" {
			params := queryParams(f.req, "error")
			if f.req.Param("callbackUrl") != "" {
				params.Set("callbackUrl", f.callbackURL)
			}
			f.res.Redirect(d.pageURL(d.opts.Pages.SignIn, actionSignIn, params))
			return nil
		}
		f.res.JSON(d.providerList())
		return nil
	}

	if !f.csrfOK {
		d.fail(f, CodeMissingCSRF, ErrCSRFMismatch)
		return nil
	}

	switch p := f.provider.(type) {
	case *OAuthProvider:
		return d.signInOAuth(ctx, f, p)
	case *EmailProvider:
		return d.signInEmail(ctx, f, p)
	case *CredentialsProvider:
		return d.credentialsFlow(ctx, f, p)
	}
	return nil
}

// signInOAuth queues the enabled check cookies and redirects to the
// provider's authorization endpoint.
func (d *Dispatcher) signInOAuth(ctx context.Context, f *flow, p *OAuthProvider) error {
	up, err := p.resolve(ctx, callbackURL(d.opts.BaseURL, d.opts.BasePath, p.ID))
	if err != nil {
		d.fail(f, CodeOAuthSignin, fmt.Errorf("%w: %w", ErrProvider, err))
		return nil
	}

	var state, verifier, nonce string
	if p.hasCheck(CheckState) {
		if state, err = d.createCheck(f.res, CheckState); err != nil {
			return err
		}
	}
	if p.hasCheck(CheckPKCE) {
		if verifier, err = d.createCheck(f.res, CheckPKCE); err != nil {
			return err
		}
	}
	if p.Type == TypeOIDC && p.hasCheck(CheckNonce) {
		if nonce, err = d.createCheck(f.res, CheckNonce); err != nil {
			return err
		}
	}

	d.redirect(f, up.AuthCodeURL(p, state, nonce, verifier))
	return nil
}

// signInEmail stores a hashed verification token and hands the sign-in link
// to the provider for delivery.
func (d *Dispatcher) signInEmail(ctx context.Context, f *flow, p *EmailProvider) error {
	normalize := p.NormalizeIdentifier
	if normalize == nil {
		normalize = normalizeEmail
	}
	identifier, err := normalize(f.req.Param("email"))
	if err != nil {
		d.fail(f, CodeEmailSignin, err)
		return nil
	}

	user := adapters.User{Email: identifier}
	existing, err := d.opts.Adapter.GetUserByEmail(ctx, identifier)
	switch {
	case err == nil:
		user = existing
	case !errors.Is(err, adapters.ErrNotFound):
		d.fail(f, CodeAdapterError, fmt.Errorf("%w: %w", ErrAdapter, err))
		return nil
	}

	allowed, err := d.opts.Callbacks.signIn(ctx, SignInParams{User: user, VerificationRequest: true})
	if err != nil || !allowed {
		d.fail(f, CodeAccessDenied, err)
		return nil
	}

	token := randomToken(32)
	if p.GenerateVerificationToken != nil {
		if token, err = p.GenerateVerificationToken(); err != nil {
			d.fail(f, CodeEmailSignin, err)
			return nil
		}
	}
	expires := d.now().Add(p.maxAge())

	if err := d.opts.Adapter.CreateVerificationToken(ctx, adapters.VerificationToken{
		Identifier: identifier,
		Token:      d.hashWithSecret(token),
		Expires:    expires,
	}); err != nil {
		d.fail(f, CodeAdapterError, fmt.Errorf("%w: %w", ErrAdapter, err))
		return nil
	}

	link := callbackURL(d.opts.BaseURL, d.opts.BasePath, p.ProviderID()) + "?" + url.Values{
		"callbackUrl": {f.callbackURL},
		"token":       {token},
		"email":       {identifier},
	}.Encode()

	if err := p.SendVerificationRequest(ctx, VerificationRequest{
		Identifier: identifier,
		URL:        link,
		Token:      token,
		Expires:    expires,
		Provider:   p,
	}); err != nil {
		d.fail(f, CodeEmailSignin, err)
		return nil
	}

	d.logger.Info("verification request sent", "provider", p.ProviderID())
	d.redirect(f, d.pageURL(d.opts.Pages.VerifyRequest, actionVerifyRequest,
		url.Values{"provider": {p.ProviderID()}, "type": {string(TypeEmail)}}))
	return nil
}

// credentialsFlow authorizes submitted credentials and establishes a JWT
// session. It serves both signin and callback for credentials providers.
func (d *Dispatcher) credentialsFlow(ctx context.Context, f *flow, p *CredentialsProvider) error {
	if f.req.Method != http.MethodPost {
		f.res.Status(http.StatusMethodNotAllowed).Send(http.StatusText(http.StatusMethodNotAllowed))
		return nil
	}
	if !f.csrfOK {
		d.fail(f, CodeMissingCSRF, ErrCSRFMismatch)
		return nil
	}

	creds := make(map[string]string, len(f.req.Body))
	for k, v := range f.req.Body {
		switch k {
		case "csrfToken", "callbackUrl", "json":
			continue
		}
		creds[k] = v
	}

	user, err := p.Authorize(ctx, creds, f.req)
	if err != nil || user == nil {
		d.metrics.recordSignIn(p.ProviderID(), false)
		d.fail(f, CodeCredentialsSignin, err)
		return nil
	}
	if user.ID == "" {
		user.ID = adapters.NewID()
	}

	account := &adapters.Account{
		UserID:            user.ID,
		Type:              string(TypeCredentials),
		Provider:          p.ProviderID(),
		ProviderAccountID: user.ID,
	}
	allowed, err := d.opts.Callbacks.signIn(ctx, SignInParams{User: *user, Account: account, Credentials: creds})
	if err != nil || !allowed {
		d.metrics.recordSignIn(p.ProviderID(), false)
		d.fail(f, CodeAccessDenied, err)
		return nil
	}

	if err := d.establishSession(ctx, f, *user, account, nil, false); err != nil {
		return d.failWith(f, err, CodeCredentialsSignin)
	}
	d.metrics.recordSignIn(p.ProviderID(), true)
	d.redirect(f, f.callbackURL)
	return nil
}

// failWith turns a flow error into an error redirect, except cookie
// configuration faults which are returned.
func (d *Dispatcher) failWith(f *flow, err error, code string) error {
	var cfgErr *cookie.ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}
	if errors.Is(err, ErrAdapter) {
		code = CodeAdapterError
	}
	d.fail(f, code, err)
	return nil
}

// normalizeEmail lowercases the address and drops anything after a comma in
// the domain, rejecting values that do not parse as a bare address.
func normalizeEmail(raw string) (string, error) {
	identifier := strings.ToLower(strings.TrimSpace(raw))
	local, domain, ok := strings.Cut(identifier, "@")
	if !ok || local == "" || domain == "" {
		return "", fmt.Errorf("invalid email address %q", raw)
	}
	domain, _, _ = strings.Cut(domain, ",")
	identifier = local + "@" + domain
	addr, err := mail.ParseAddress(identifier)
	if err != nil || addr.Address != identifier {
		return "", fmt.Errorf("invalid email address %q", raw)
	}
	return identifier, nil
}
