package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// upstream holds the resolved client configuration for an OAuthProvider.
type upstream struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	userinfoURL string
}

// resolve discovers endpoints on first use and returns a view bound to
// redirect. Failures are not cached so a provider that was unreachable at
// startup recovers on a later request. Only the discovered configuration is
// cached; the redirect URI belongs to the caller.
func (p *OAuthProvider) resolve(ctx context.Context, redirect string) (*upstream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upstream != nil {
		return p.upstream.withRedirect(redirect), nil
	}

	ctx = p.clientContext(ctx)
	endpoint := oauth2.Endpoint{AuthURL: p.AuthorizationURL, TokenURL: p.TokenURL}
	userinfoURL := p.UserinfoURL
	var verifier *oidc.IDTokenVerifier

	if p.Issuer != "" {
		op, err := oidc.NewProvider(ctx, p.Issuer)
		if err != nil {
			return nil, fmt.Errorf("discover provider %s: %w", p.ID, err)
		}
		discovered := op.Endpoint()
		if endpoint.AuthURL == "" {
			endpoint.AuthURL = discovered.AuthURL
		}
		if endpoint.TokenURL == "" {
			endpoint.TokenURL = discovered.TokenURL
		}
		if userinfoURL == "" {
			userinfoURL = op.UserInfoEndpoint()
		}
		if p.Type == TypeOIDC {
			verifier = op.Verifier(&oidc.Config{ClientID: p.ClientID})
		}
	}
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		return nil, fmt.Errorf("provider %s: authorization and token endpoints required", p.ID)
	}
	if p.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	scopes := p.Scopes
	if len(scopes) == 0 {
		if p.Type == TypeOIDC {
			scopes = []string{oidc.ScopeOpenID, "profile", "email"}
		} else {
			scopes = []string{"profile", "email"}
		}
	}

	p.upstream = &upstream{
		oauthConfig: &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		verifier:    verifier,
		userinfoURL: userinfoURL,
	}
	return p.upstream.withRedirect(redirect), nil
}

func (u *upstream) withRedirect(redirect string) *upstream {
	cfg := *u.oauthConfig
	cfg.RedirectURL = redirect
	return &upstream{oauthConfig: &cfg, verifier: u.verifier, userinfoURL: u.userinfoURL}
}

func (p *OAuthProvider) clientContext(ctx context.Context) context.Context {
	if p.HTTPClient != nil {
		return oidc.ClientContext(ctx, p.HTTPClient)
	}
	return ctx
}

// AuthCodeURL constructs the authorization request for upstream.
func (u *upstream) AuthCodeURL(p *OAuthProvider, state, nonce, verifier string) string {
	opts := []oauth2.AuthCodeOption{}
	for k, v := range p.AuthorizationParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return u.oauthConfig.AuthCodeURL(state, opts...)
}

// StartURL resolves the provider and builds an authorization request with
// throwaway state and PKCE values. It backs connectivity probes; the
// dispatcher's signin flow never calls it.
func (p *OAuthProvider) StartURL(ctx context.Context, baseURL, basePath string) (string, error) {
	if basePath == "" {
		basePath = DefaultBasePath
	}
	u, err := p.resolve(ctx, callbackURL(baseURL, basePath, p.ID))
	if err != nil {
		return "", err
	}
	nonce := ""
	if p.Type == TypeOIDC && p.hasCheck(CheckNonce) {
		nonce = randomToken(16)
	}
	return u.AuthCodeURL(p, randomToken(16), nonce, oauth2.GenerateVerifier()), nil
}

// Exchange completes the code exchange and returns the mapped profile along
// with the upstream token.
func (u *upstream) Exchange(ctx context.Context, p *OAuthProvider, code, verifier, expectedNonce string) (Profile, *oauth2.Token, error) {
	ctx = p.clientContext(ctx)
	if expectedNonce != "" && u.verifier == nil {
		return Profile{}, nil, fmt.Errorf("provider %s: nonce check needs an id_token verifier", p.ID)
	}

	opts := []oauth2.AuthCodeOption{}
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := u.oauthConfig.Exchange(ctx, code, opts...)
	if err != nil {
		return Profile{}, nil, fmt.Errorf("exchange code: %w", err)
	}

	raw := map[string]any{}
	if u.verifier != nil {
		rawIDToken, ok := tok.Extra("id_token").(string)
		if !ok || rawIDToken == "" {
			return Profile{}, nil, fmt.Errorf("id_token missing in response")
		}
		idToken, err := u.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return Profile{}, nil, fmt.Errorf("verify id_token: %w", err)
		}
		if err := idToken.Claims(&raw); err != nil {
			return Profile{}, nil, fmt.Errorf("parse claims: %w", err)
		}
		if expectedNonce != "" {
			if nonce, ok := raw["nonce"].(string); !ok || nonce != expectedNonce {
				return Profile{}, nil, fmt.Errorf("nonce mismatch")
			}
		}
	} else {
		if u.userinfoURL == "" {
			return Profile{}, nil, fmt.Errorf("userinfo endpoint not configured")
		}
		if err := u.fetchUserinfo(ctx, tok, &raw); err != nil {
			return Profile{}, nil, err
		}
	}

	mapProfile := p.Profile
	if mapProfile == nil {
		mapProfile = standardProfile
	}
	profile, err := mapProfile(raw)
	if err != nil {
		return Profile{}, nil, fmt.Errorf("map profile: %w", err)
	}
	if profile.ID == "" {
		return Profile{}, nil, fmt.Errorf("profile has no id")
	}
	profile.Raw = raw
	return profile, tok, nil
}

func (u *upstream) fetchUserinfo(ctx context.Context, tok *oauth2.Token, dst *map[string]any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.userinfoURL, nil)
	if err != nil {
		return fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := u.oauthConfig.Client(ctx, tok).Do(req)
	if err != nil {
		return fmt.Errorf("call userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("userinfo returned %s", resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(dst); err != nil {
		return fmt.Errorf("decode userinfo: %w", err)
	}
	return nil
}

// standardProfile maps OIDC standard claims, accepting numeric ids.
func standardProfile(raw map[string]any) (Profile, error) {
	p := Profile{}
	switch id := raw["sub"].(type) {
	case string:
		p.ID = id
	case float64:
		p.ID = fmt.Sprintf("%.0f", id)
	}
	if p.ID == "" {
		switch id := raw["id"].(type) {
		case string:
			p.ID = id
		case float64:
			p.ID = fmt.Sprintf("%.0f", id)
		}
	}
	p.Email, _ = raw["email"].(string)
	if name, ok := raw["name"].(string); ok && name != "" {
		p.Name = name
	} else if preferred, ok := raw["preferred_username"].(string); ok {
		p.Name = preferred
	}
	p.Image, _ = raw["picture"].(string)
	return p, nil
}

func callbackURL(baseURL, basePath, providerID string) string {
	return strings.TrimSuffix(baseURL, "/") + basePath + "/callback/" + providerID
}
