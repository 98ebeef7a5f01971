package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"authflow/adapters"
	"authflow/httpadapt"
)

// ProviderType names a family of sign-in flows.
type ProviderType string

const (
	TypeOAuth       ProviderType = "oauth"
	TypeOIDC        ProviderType = "oidc"
	TypeCredentials ProviderType = "credentials"
	TypeEmail       ProviderType = "email"
)

// OAuth checks performed between signin and callback.
const (
	CheckState = "state"
	CheckPKCE  = "pkce"
	CheckNonce = "nonce"
)

// Provider is implemented by *OAuthProvider, *CredentialsProvider and
// *EmailProvider only.
type Provider interface {
	ProviderID() string
	ProviderName() string
	ProviderType() ProviderType
	isProvider()
}

// OAuthProvider is an upstream OAuth 2 (Type oauth) or OpenID Connect (Type
// oidc) authorization server. When Issuer is set, endpoints are discovered.
type OAuthProvider struct {
	ID               string
	Name             string
	Type             ProviderType
	Issuer           string
	AuthorizationURL string
	TokenURL         string
	UserinfoURL      string
	ClientID         string
	ClientSecret     string
	Scopes           []string
	// Checks defaults to state and pkce, plus nonce for oidc.
	Checks              []string
	AuthorizationParams map[string]string
	// Profile maps raw claims to a Profile. Standard OIDC claims are used
	// when nil.
	Profile    func(raw map[string]any) (Profile, error)
	HTTPClient *http.Client

	mu       sync.Mutex
	upstream *upstream
}

func (p *OAuthProvider) ProviderID() string         { return p.ID }
func (p *OAuthProvider) ProviderName() string       { return displayName(p.Name, p.ID) }
func (p *OAuthProvider) ProviderType() ProviderType { return p.Type }
func (p *OAuthProvider) isProvider()                {}

func (p *OAuthProvider) checks() []string {
	if len(p.Checks) > 0 {
		return p.Checks
	}
	if p.Type == TypeOIDC {
		return []string{CheckState, CheckPKCE, CheckNonce}
	}
	return []string{CheckState, CheckPKCE}
}

func (p *OAuthProvider) hasCheck(name string) bool {
	for _, c := range p.checks() {
		if c == name {
			return true
		}
	}
	return false
}

// CredentialsProvider signs users in with arbitrary submitted fields.
// Authorize returns nil when the credentials are rejected.
type CredentialsProvider struct {
	ID        string
	Name      string
	Authorize func(ctx context.Context, credentials map[string]string, req *httpadapt.Request) (*adapters.User, error)
}

func (p *CredentialsProvider) ProviderID() string         { return displayName(p.ID, "credentials") }
func (p *CredentialsProvider) ProviderName() string       { return displayName(p.Name, "Credentials") }
func (p *CredentialsProvider) ProviderType() ProviderType { return TypeCredentials }
func (p *CredentialsProvider) isProvider()                {}

// VerificationRequest is handed to an EmailProvider for delivery.
type VerificationRequest struct {
	Identifier string
	URL        string
	Token      string
	Expires    time.Time
	Provider   *EmailProvider
}

// EmailProvider signs users in through a link mailed to them.
type EmailProvider struct {
	ID   string
	Name string
	// MaxAge is the link lifetime, 24 hours when zero.
	MaxAge                    time.Duration
	SendVerificationRequest   func(ctx context.Context, req VerificationRequest) error
	GenerateVerificationToken func() (string, error)
	NormalizeIdentifier       func(identifier string) (string, error)
}

func (p *EmailProvider) ProviderID() string         { return displayName(p.ID, "email") }
func (p *EmailProvider) ProviderName() string       { return displayName(p.Name, "Email") }
func (p *EmailProvider) ProviderType() ProviderType { return TypeEmail }
func (p *EmailProvider) isProvider()                {}

func (p *EmailProvider) maxAge() time.Duration {
	if p.MaxAge > 0 {
		return p.MaxAge
	}
	return 24 * time.Hour
}

func displayName(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// ProvidersFromConfig builds the upstream providers declared in YAML.
func ProvidersFromConfig(cfgs []ProviderConfig) []Provider {
	out := make([]Provider, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, &OAuthProvider{
			ID:               c.ID,
			Name:             c.Name,
			Type:             ProviderType(c.Type),
			Issuer:           c.Issuer,
			AuthorizationURL: c.AuthorizationURL,
			TokenURL:         c.TokenURL,
			UserinfoURL:      c.UserinfoURL,
			ClientID:         c.ClientID,
			ClientSecret:     c.ClientSecret,
			Scopes:           c.Scopes,
			Checks:           c.Checks,
		})
	}
	return out
}
