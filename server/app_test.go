package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	redisadapter "authflow/adapters/redis"
)

func testAppConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Auth.Secret = "app-test-secret"
	cfg.Server.SecretsPath = t.TempDir()
	return cfg
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	app, err := NewApp(context.Background(), cfg, discardLogger(), Options{
		Providers: []Provider{testCredentials()},
	})
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

// appSignIn signs alice in through the router and returns the session cookie.
func appSignIn(t *testing.T, h http.Handler, base string) *http.Cookie {
	t.Helper()
	rec := serve(h, httptest.NewRequest(http.MethodGet, base+"/csrf", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf status %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode csrf: %v", err)
	}
	cookies := rec.Result().Cookies()

	form := url.Values{"csrfToken": {body["csrfToken"]}, "username": {"alice"}, "password": {"wonderland"}}
	req := httptest.NewRequest(http.MethodPost, base+"/callback/credentials", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = serve(h, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("sign in status %d: %s", rec.Code, rec.Body.String())
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == "next-auth.session-token" {
			return c
		}
	}
	t.Fatalf("no session cookie in %v", rec.Result().Cookies())
	return nil
}

func TestNewAppRequiresSecretInProduction(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Auth.Secret = ""
	cfg.Server.DevMode = false
	_, err := NewApp(context.Background(), cfg, discardLogger(), Options{})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestNewAppReleasesRedisOnSecretError(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testAppConfig(t)
	cfg.Adapter.Type = "redis"
	cfg.Adapter.Redis.Addr = mr.Addr()
	cfg.Auth.Secret = ""
	cfg.Server.DevMode = false

	if _, err := NewApp(context.Background(), cfg, discardLogger(), Options{}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if mr.TotalConnectionCount() == 0 {
		t.Fatalf("expected the adapter to have connected")
	}
	deadline := time.Now().Add(2 * time.Second)
	for mr.CurrentConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("redis connections left open: %d", mr.CurrentConnectionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewAppPersistsDevSecret(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Auth.Secret = ""

	first := newTestApp(t, cfg)
	second := newTestApp(t, cfg)
	if first.Dispatcher.opts.Secret == "" || first.Dispatcher.opts.Secret != second.Dispatcher.opts.Secret {
		t.Fatalf("dev secret should be generated once and reused")
	}
}

func TestRoutesServeAuthHealthAndMetrics(t *testing.T) {
	app := newTestApp(t, testAppConfig(t))
	h := app.Routes()

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/auth/providers", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"credentials"`) {
		t.Fatalf("providers: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/auth/nope", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown action: %d", rec.Code)
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "authflow_requests_total") {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRoutesCustomBasePath(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Server.BasePath = "/identity/v1"
	h := newTestApp(t, cfg).Routes()

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/identity/v1/providers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("providers under custom base path: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "http://127.0.0.1:8080/identity/v1/signin/credentials") {
		t.Fatalf("signin url should use the base path: %s", rec.Body.String())
	}
	appSignIn(t, h, "/identity/v1")
}

func TestRoutesRejectLargeBodies(t *testing.T) {
	h := newTestApp(t, testAppConfig(t)).Routes()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signin/credentials", strings.NewReader(strings.Repeat("a", 2<<20)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rec := serve(h, req); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestRoutesRejectUnsupportedBodies(t *testing.T) {
	h := newTestApp(t, testAppConfig(t)).Routes()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signin/credentials", strings.NewReader("csrfToken=x"))
	req.Header.Set("Content-Type", "text/plain")
	if rec := serve(h, req); rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
}

func TestNewAppWithRedisAdapter(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testAppConfig(t)
	cfg.Adapter.Type = "redis"
	cfg.Adapter.Redis.Addr = mr.Addr()
	cfg.Adapter.Redis.KeyPrefix = "test:"

	app := newTestApp(t, cfg)
	if _, ok := app.Adapter.(*redisadapter.Store); !ok {
		t.Fatalf("expected redis adapter, got %T", app.Adapter)
	}
	h := app.Routes()
	if rec := serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("healthz with redis up: %d", rec.Code)
	}

	mr.Close()
	if rec := serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz with redis down: %d", rec.Code)
	}
}

func TestNewAppRedisUnreachable(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Adapter.Type = "redis"
	cfg.Adapter.Redis.Addr = "127.0.0.1:1"
	if _, err := NewApp(context.Background(), cfg, discardLogger(), Options{}); err == nil {
		t.Fatalf("expected connection error")
	}
}

func TestProxyRequiresSession(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		_, _ = io.WriteString(w, "backend:"+r.URL.Path)
	}))
	defer backend.Close()

	cfg := testAppConfig(t)
	cfg.Proxy.Routes = []ProxyRoute{
		{Host: "app.local", Target: backend.URL, RequireSession: true, InjectUserHeaders: true, SkipPaths: []string{"/public/"}},
		{Host: "portal.local", Target: backend.URL, RequireSession: true, SignInRedirect: true, StripPrefix: "/portal"},
		{Host: "open.local", Target: backend.URL},
	}
	h := newTestApp(t, cfg).Routes()

	rec := serve(h, httptest.NewRequest(http.MethodGet, "http://app.local/data", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", rec.Code)
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "http://portal.local/portal/home", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected sign-in redirect, got %d", rec.Code)
	}
	want := "http://127.0.0.1:8080/api/auth/signin?callbackUrl=" + url.QueryEscape("http://portal.local/portal/home")
	if loc := rec.Header().Get("Location"); loc != want {
		t.Fatalf("redirect mismatch: got %q want %q", loc, want)
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "http://app.local/public/logo.png", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "backend:/public/logo.png" {
		t.Fatalf("skip path should be proxied: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "http://open.local/x", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("open route should be proxied: %d", rec.Code)
	}

	// Auth actions stay local even on a proxied host.
	rec = serve(h, httptest.NewRequest(http.MethodGet, "http://app.local/api/auth/csrf", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "csrfToken") {
		t.Fatalf("auth endpoint on proxied host: %d %s", rec.Code, rec.Body.String())
	}

	session := appSignIn(t, h, "/api/auth")

	req := httptest.NewRequest(http.MethodGet, "http://app.local/data", nil)
	req.Header.Set(HeaderUserEmail, "mallory@example.com")
	req.AddCookie(session)
	rec = serve(h, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "backend:/data" {
		t.Fatalf("authenticated proxy: %d %s", rec.Code, rec.Body.String())
	}
	if seen.Get(HeaderUserEmail) != "alice@example.com" || seen.Get(HeaderUserID) != "u1" {
		t.Fatalf("user headers not injected: %v", seen)
	}
	if seen.Get("X-Forwarded-Host") != "app.local" {
		t.Fatalf("forwarded host mismatch: %q", seen.Get("X-Forwarded-Host"))
	}

	req = httptest.NewRequest(http.MethodGet, "http://portal.local/portal/home", nil)
	req.AddCookie(session)
	rec = serve(h, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "backend:/home" {
		t.Fatalf("strip prefix: %d %s", rec.Code, rec.Body.String())
	}
	if seen.Get(HeaderUserEmail) != "" {
		t.Fatalf("headers must only be injected when configured")
	}
}
