// Package client lets downstream services consult an authflow deployment:
// read the caller's session, fetch CSRF tokens and the provider list, and
// guard handlers with RequireSession.
package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"authflow/jwt"
)

// Config configures the session client.
type Config struct {
	// BaseURL is the absolute URL the auth actions are mounted under,
	// e.g. https://auth.example.com/api/auth.
	BaseURL    string
	HTTPClient *http.Client
	// CacheTTL bounds reuse of the provider list when the server sends no
	// Cache-Control max-age.
	CacheTTL time.Duration
	// SessionCacheTTL caches session lookups per cookie header. Zero
	// disables the cache.
	SessionCacheTTL time.Duration
	// Secret switches GetSession to local verification of JWT session
	// cookies. Database sessions always need the session endpoint.
	Secret     string
	Encryption bool
	// CookieName overrides the session cookie name used for local
	// verification. Defaults follow the scheme of BaseURL.
	CookieName string
	Logger     *slog.Logger
}

// User is the user view returned by the session endpoint.
type User struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Image string `json:"image,omitempty"`
}

// Session is an active session. Extra keys added by a session callback are
// kept in Raw.
type Session struct {
	User    User           `json:"user"`
	Expires time.Time      `json:"expires"`
	Raw     map[string]any `json:"-"`
}

// Provider describes one configured sign-in provider.
type Provider struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	SigninURL   string `json:"signinUrl"`
	CallbackURL string `json:"callbackUrl"`
}

// Client talks to the auth endpoints of one deployment.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	providers providerCache
	sessions  map[string]sessionEntry
}

type providerCache struct {
	list    map[string]Provider
	expires time.Time
	etag    string
}

type sessionEntry struct {
	session *Session
	expires time.Time
}

// New creates a client with sane defaults.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("client: base url %q must be an absolute http(s) url", cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "next-auth.session-token"
		if u.Scheme == "https" {
			cfg.CookieName = "__Secure-next-auth.session-token"
		}
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		cfg:      cfg,
		client:   hc,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]sessionEntry),
	}, nil
}

// GetSession returns the session of the browser that sent r, or nil when it
// has none.
func (c *Client) GetSession(ctx context.Context, r *http.Request) (*Session, error) {
	if r == nil {
		return nil, errors.New("client: request required")
	}
	if c.cfg.Secret != "" {
		return c.localSession(r)
	}

	cookieHeader := r.Header.Get("Cookie")
	if cookieHeader == "" {
		return nil, nil
	}
	key := cacheKey(cookieHeader)
	if s, ok := c.cachedSession(key); ok {
		return s, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/session", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cookie", cookieHeader)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("session request failed: %s", resp.Status)
	}

	s, err := decodeSession(resp.Body)
	if err != nil {
		return nil, err
	}
	c.storeSession(key, s)
	return s, nil
}

func (c *Client) localSession(r *http.Request) (*Session, error) {
	claims, err := jwt.GetToken(r, jwt.GetTokenOptions{
		Secret:     c.cfg.Secret,
		CookieName: c.cfg.CookieName,
		Encryption: c.cfg.Encryption,
		Clock:      c.now,
		Logger:     c.logger,
	})
	if err != nil || claims == nil {
		return nil, err
	}
	raw := make(map[string]any, len(claims))
	for k, v := range claims {
		raw[k] = v
	}
	return &Session{
		User: User{
			ID:    claims.Subject(),
			Name:  claims.String("name"),
			Email: claims.String("email"),
			Image: claims.String("picture"),
		},
		Expires: claims.ExpiresAt(),
		Raw:     raw,
	}, nil
}

func decodeSession(body io.Reader) (*Session, error) {
	var raw map[string]any
	if err := json.NewDecoder(io.LimitReader(body, 1<<20)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	s.Raw = raw
	return &s, nil
}

func (c *Client) cachedSession(key string) (*Session, bool) {
	if c.cfg.SessionCacheTTL <= 0 {
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.sessions[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	return e.session, true
}

func (c *Client) storeSession(key string, s *Session) {
	if c.cfg.SessionCacheTTL <= 0 {
		return
	}
	expires := c.now().Add(c.cfg.SessionCacheTTL)
	if s != nil && !s.Expires.IsZero() && s.Expires.Before(expires) {
		expires = s.Expires
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.sessions {
		if !now.Before(e.expires) {
			delete(c.sessions, k)
		}
	}
	c.sessions[key] = sessionEntry{session: s, expires: expires}
}

// GetCSRFToken fetches a CSRF token. The returned cookies must be sent back
// together with the token on the following POST.
func (c *Client) GetCSRFToken(ctx context.Context) (string, []*http.Cookie, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/csrf", nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("csrf request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("csrf request failed: %s", resp.Status)
	}

	var body struct {
		CSRFToken string `json:"csrfToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", nil, fmt.Errorf("decode csrf: %w", err)
	}
	if body.CSRFToken == "" {
		return "", nil, errors.New("csrf token missing from response")
	}
	return body.CSRFToken, resp.Cookies(), nil
}

// GetProviders returns the provider list, honouring Cache-Control and ETag.
func (c *Client) GetProviders(ctx context.Context) (map[string]Provider, error) {
	c.mu.RLock()
	cache := c.providers
	c.mu.RUnlock()

	if cache.list != nil && c.now().Before(cache.expires) {
		return cache.list, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/providers", nil)
	if err != nil {
		return nil, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("providers request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && cache.list != nil {
		cache.expires = c.now().Add(maxCacheDuration(resp.Header.Get("Cache-Control"), c.cfg.CacheTTL))
		c.mu.Lock()
		c.providers = cache
		c.mu.Unlock()
		return cache.list, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("providers request failed: %s", resp.Status)
	}

	var list map[string]Provider
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode providers: %w", err)
	}

	cache = providerCache{list: list, etag: resp.Header.Get("ETag")}
	cache.expires = c.now().Add(maxCacheDuration(resp.Header.Get("Cache-Control"), c.cfg.CacheTTL))

	c.mu.Lock()
	c.providers = cache
	c.mu.Unlock()
	return list, nil
}

// SignInURL returns the sign-in page URL that sends the browser back to
// callbackURL afterwards.
func (c *Client) SignInURL(callbackURL string) string {
	u := c.cfg.BaseURL + "/signin"
	if callbackURL != "" {
		u += "?" + url.Values{"callbackUrl": {callbackURL}}.Encode()
	}
	return u
}

func cacheKey(cookieHeader string) string {
	sum := sha256.Sum256([]byte(cookieHeader))
	return hex.EncodeToString(sum[:])
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = 5 * time.Minute
	}
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := time.ParseDuration(kv[1] + "s"); err == nil {
				return secs
			}
		}
	}
	return fallback
}
