package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session and flow defaults
const (
	DefaultBasePath      = "/api/auth"
	DefaultSessionMaxAge = 30 * 24 * time.Hour
	DefaultUpdateAge     = 24 * time.Hour
	DefaultProxyTimeout  = 30 * time.Second
)

// Session strategies
const (
	StrategyJWT      = "jwt"
	StrategyDatabase = "database"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Auth      AuthConfig       `yaml:"auth"`
	Providers []ProviderConfig `yaml:"providers"`
	Adapter   AdapterConfig    `yaml:"adapter"`
	Proxy     ProxyConfig      `yaml:"proxy"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	BasePath        string     `yaml:"base_path"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	CookieDomain    string     `yaml:"cookie_domain"`
	SecretsPath     string     `yaml:"secrets_path"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists origins allowed to call the auth endpoints from a browser.
type CORSConfig struct {
	ClientOriginURLs []string `yaml:"client_origin_urls"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
}

// AuthConfig holds the session and flow settings.
type AuthConfig struct {
	Secret     string        `yaml:"secret"`
	Session    SessionConfig `yaml:"session"`
	Encryption bool          `yaml:"encryption"`
	Pages      PagesConfig   `yaml:"pages"`
}

// SessionConfig selects how sessions are persisted.
type SessionConfig struct {
	Strategy  string `yaml:"strategy"`
	MaxAge    string `yaml:"max_age"`
	UpdateAge string `yaml:"update_age"`
}

// PagesConfig points flow outcomes at host application pages.
type PagesConfig struct {
	SignIn        string `yaml:"sign_in"`
	SignOut       string `yaml:"sign_out"`
	Error         string `yaml:"error"`
	VerifyRequest string `yaml:"verify_request"`
	NewUser       string `yaml:"new_user"`
}

// ProviderConfig describes an upstream OAuth 2 or OIDC provider.
type ProviderConfig struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Type             string   `yaml:"type"`
	Issuer           string   `yaml:"issuer"`
	AuthorizationURL string   `yaml:"authorization_url"`
	TokenURL         string   `yaml:"token_url"`
	UserinfoURL      string   `yaml:"userinfo_url"`
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	Scopes           []string `yaml:"scopes"`
	Checks           []string `yaml:"checks"`
}

// AdapterConfig selects the persistence adapter.
type AdapterConfig struct {
	Type  string      `yaml:"type"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis adapter.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ProxyConfig defines reverse proxy routes for host-based routing.
type ProxyConfig struct {
	Routes []ProxyRoute `yaml:"routes"`
}

// ProxyRoute maps a hostname to a backend target.
type ProxyRoute struct {
	Host               string   `yaml:"host"`
	Target             string   `yaml:"target"`
	RequireSession     bool     `yaml:"require_session"`
	StripPrefix        string   `yaml:"strip_prefix"`
	PreserveHost       bool     `yaml:"preserve_host"`
	Timeout            string   `yaml:"timeout"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	InjectUserHeaders  bool     `yaml:"inject_user_headers"`
	SkipPaths          []string `yaml:"skip_paths"`
	SignInRedirect     bool     `yaml:"sign_in_redirect"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			BasePath:        DefaultBasePath,
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Auth: AuthConfig{
			Session: SessionConfig{
				Strategy:  StrategyJWT,
				MaxAge:    DefaultSessionMaxAge.String(),
				UpdateAge: DefaultUpdateAge.String(),
			},
		},
		Adapter: AdapterConfig{Type: "memory"},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHFLOW_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"AUTHFLOW_SERVER_BASE_PATH":         func(v string) { cfg.Server.BasePath = v },
		"AUTHFLOW_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHFLOW_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHFLOW_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHFLOW_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHFLOW_SERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"AUTHFLOW_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHFLOW_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"AUTHFLOW_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"AUTHFLOW_SECRET":                   func(v string) { cfg.Auth.Secret = v },
		"AUTHFLOW_SESSION_STRATEGY":         func(v string) { cfg.Auth.Session.Strategy = v },
		"AUTHFLOW_SESSION_MAX_AGE":          func(v string) { cfg.Auth.Session.MaxAge = v },
		"AUTHFLOW_ENCRYPTION":               func(v string) { cfg.Auth.Encryption = parseBool(v, cfg.Auth.Encryption) },
		"AUTHFLOW_ADAPTER":                  func(v string) { cfg.Adapter.Type = v },
		"AUTHFLOW_REDIS_ADDR":               func(v string) { cfg.Adapter.Redis.Addr = v },
		"AUTHFLOW_REDIS_PASSWORD":           func(v string) { cfg.Adapter.Redis.Password = v },
		"AUTHFLOW_REDIS_DB": func(v string) {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				cfg.Adapter.Redis.DB = n
			}
		},
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SessionMaxAge returns the configured session lifetime.
func (a AuthConfig) SessionMaxAge() time.Duration {
	return parseDuration(a.Session.MaxAge, DefaultSessionMaxAge)
}

// SessionUpdateAge returns how often database sessions are extended.
func (a AuthConfig) SessionUpdateAge() time.Duration {
	return parseDuration(a.Session.UpdateAge, DefaultUpdateAge)
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		slog.Error("Invalid configuration value", "field", "server.base_path", "value", c.Server.BasePath, "reason", "must start with /")
		return fmt.Errorf("server.base_path must start with /, got: %s", c.Server.BasePath)
	}

	if c.Server.BasePath != "" && strings.Trim(c.Server.BasePath, "/") == "" {
		slog.Error("Invalid configuration value", "field", "server.base_path", "value", c.Server.BasePath, "reason", "must not be the root")
		return errors.New("server.base_path must not be /")
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	// Dev mode falls back to a generated secret.
	if !c.Server.DevMode && c.Auth.Secret == "" {
		slog.Error("Missing required configuration for production mode", "field", "auth.secret")
		return errors.New("auth.secret must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	// Cookie domain must be a suffix of the public URL host,
	// e.g. public_url: auth.dev.example.com -> cookie_domain: .dev.example.com
	if c.Server.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if err := c.validateAuth(); err != nil {
		return err
	}
	if err := c.validateProviders(); err != nil {
		return err
	}
	return c.validateProxy()
}

func (c Config) validateAuth() error {
	switch c.Auth.Session.Strategy {
	case "", StrategyJWT:
	case StrategyDatabase:
		if c.Adapter.Type == "" {
			slog.Error("Database sessions need an adapter", "field", "adapter.type")
			return errors.New("auth.session.strategy 'database' requires adapter.type")
		}
	default:
		slog.Error("Invalid session strategy", "field", "auth.session.strategy", "value", c.Auth.Session.Strategy)
		return fmt.Errorf("auth.session.strategy must be 'jwt' or 'database', got: %s", c.Auth.Session.Strategy)
	}

	for field, val := range map[string]string{
		"auth.session.max_age":    c.Auth.Session.MaxAge,
		"auth.session.update_age": c.Auth.Session.UpdateAge,
	} {
		if val == "" {
			continue
		}
		if d, err := time.ParseDuration(val); err != nil || d <= 0 {
			slog.Error("Invalid duration", "field", field, "value", val)
			return fmt.Errorf("%s: invalid duration '%s'", field, val)
		}
	}

	switch c.Adapter.Type {
	case "", "memory":
	case "redis":
		if c.Adapter.Redis.Addr == "" {
			slog.Error("Redis adapter missing address", "field", "adapter.redis.addr")
			return errors.New("adapter.redis.addr is required for the redis adapter")
		}
	default:
		slog.Error("Unknown adapter", "field", "adapter.type", "value", c.Adapter.Type)
		return fmt.Errorf("adapter.type must be 'memory' or 'redis', got: %s", c.Adapter.Type)
	}
	return nil
}

func (c Config) validateProviders() error {
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			slog.Error("Provider missing id", "index", i)
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if seen[p.ID] {
			slog.Error("Duplicate provider id", "id", p.ID)
			return fmt.Errorf("providers[%d]: duplicate id %s", i, p.ID)
		}
		seen[p.ID] = true

		switch ProviderType(p.Type) {
		case TypeOIDC:
			if p.Issuer == "" {
				slog.Error("OIDC provider missing issuer", "provider", p.ID)
				return fmt.Errorf("providers[%d] (%s): issuer is required for oidc", i, p.ID)
			}
		case TypeOAuth:
			if p.Issuer == "" && (p.AuthorizationURL == "" || p.TokenURL == "") {
				slog.Error("OAuth provider missing endpoints", "provider", p.ID)
				return fmt.Errorf("providers[%d] (%s): issuer or authorization_url and token_url are required", i, p.ID)
			}
		default:
			slog.Error("Invalid provider type", "provider", p.ID, "type", p.Type)
			return fmt.Errorf("providers[%d] (%s): type must be 'oauth' or 'oidc', got: %s", i, p.ID, p.Type)
		}

		if p.ClientID == "" {
			slog.Error("Provider missing client_id", "provider", p.ID)
			return fmt.Errorf("providers[%d] (%s): client_id is required", i, p.ID)
		}
		for _, check := range p.Checks {
			switch check {
			case CheckState, CheckPKCE:
			case CheckNonce:
				if ProviderType(p.Type) != TypeOIDC {
					return fmt.Errorf("providers[%d] (%s): nonce check requires type oidc", i, p.ID)
				}
			default:
				slog.Error("Unknown provider check", "provider", p.ID, "check", check)
				return fmt.Errorf("providers[%d] (%s): unknown check '%s'", i, p.ID, check)
			}
		}
	}
	return nil
}

func (c Config) validateProxy() error {
	for i, route := range c.Proxy.Routes {
		if route.Host == "" {
			slog.Error("Proxy route missing host", "index", i)
			return fmt.Errorf("proxy.routes[%d]: host is required", i)
		}
		if route.Target == "" {
			slog.Error("Proxy route missing target", "host", route.Host, "index", i)
			return fmt.Errorf("proxy.routes[%d] (%s): target is required", i, route.Host)
		}
		if !strings.HasPrefix(route.Target, "http://") && !strings.HasPrefix(route.Target, "https://") {
			slog.Error("Invalid proxy target URL", "host", route.Host, "target", route.Target, "reason", "must be a valid HTTP(S) URL")
			return fmt.Errorf("proxy.routes[%d] (%s): target must start with http:// or https://, got: %s", i, route.Host, route.Target)
		}
		if route.Timeout != "" {
			if _, err := time.ParseDuration(route.Timeout); err != nil {
				slog.Error("Invalid proxy route timeout", "host", route.Host, "timeout", route.Timeout, "error", err)
				return fmt.Errorf("proxy.routes[%d] (%s): invalid timeout duration '%s': %w", i, route.Host, route.Timeout, err)
			}
		}
	}
	return nil
}

// InferCORSOrigins extracts allowed origins from the public URL and proxy hosts.
func (c Config) InferCORSOrigins() []string {
	seen := make(map[string]bool)
	origins := []string{}
	add := func(origin string) {
		if origin != "" && !seen[origin] {
			seen[origin] = true
			origins = append(origins, origin)
		}
	}

	add(extractOrigin(c.Server.PublicURL))

	scheme := "https"
	if strings.HasPrefix(c.Server.PublicURL, "http://") {
		scheme = "http"
	}
	for _, route := range c.Proxy.Routes {
		if route.Host != "" {
			add(scheme + "://" + strings.ToLower(route.Host))
		}
	}

	return origins
}

// extractOrigin extracts the origin (scheme://host:port) from a URL.
func extractOrigin(raw string) string {
	if raw == "" || raw == "*" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
