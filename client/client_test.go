package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"authflow/jwt"
)

type stubAuth struct {
	srv           *httptest.Server
	sessionHits   atomic.Int32
	providersHits atomic.Int32
}

func newStubAuth(t *testing.T) *stubAuth {
	t.Helper()
	s := &stubAuth{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/session", func(w http.ResponseWriter, r *http.Request) {
		s.sessionHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		c, err := r.Cookie("next-auth.session-token")
		switch {
		case err != nil:
			_, _ = w.Write([]byte(`{}`))
		case c.Value == "good":
			_, _ = w.Write([]byte(`{"user":{"name":"Alice","email":"alice@example.com"},"expires":"2030-01-01T00:00:00Z","role":"admin"}`))
		case c.Value == "broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	})
	mux.HandleFunc("/api/auth/csrf", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "next-auth.csrf-token", Value: "abc|digest", Path: "/", HttpOnly: true})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"csrfToken":"abc"}`))
	})
	mux.HandleFunc("/api/auth/providers", func(w http.ResponseWriter, r *http.Request) {
		s.providersHits.Add(1)
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Cache-Control", "max-age=60")
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"github":{"id":"github","name":"GitHub","type":"oauth","signinUrl":"http://auth/api/auth/signin/github","callbackUrl":"http://auth/api/auth/callback/github"}}`))
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func newTestClient(t *testing.T, base string, modify func(*Config)) *Client {
	t.Helper()
	cfg := Config{BaseURL: base + "/api/auth/"}
	if modify != nil {
		modify(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return c
}

func requestWithCookie(value string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "http://app.local/dashboard?tab=1", nil)
	if value != "" {
		r.AddCookie(&http.Cookie{Name: "next-auth.session-token", Value: value})
	}
	return r
}

func TestNewRejectsRelativeURL(t *testing.T) {
	for _, base := range []string{"", "/api/auth", "ftp://auth/api/auth"} {
		if _, err := New(Config{BaseURL: base}); err == nil {
			t.Fatalf("%q: expected error", base)
		}
	}
}

func TestGetSession(t *testing.T) {
	stub := newStubAuth(t)
	c := newTestClient(t, stub.srv.URL, nil)

	s, err := c.GetSession(context.Background(), requestWithCookie("good"))
	if err != nil || s == nil {
		t.Fatalf("expected session, got %v, %v", s, err)
	}
	if s.User.Email != "alice@example.com" || s.Raw["role"] != "admin" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if !s.Expires.Equal(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected expiry %v", s.Expires)
	}

	s, err = c.GetSession(context.Background(), requestWithCookie("stale"))
	if err != nil || s != nil {
		t.Fatalf("expected no session, got %v, %v", s, err)
	}

	before := stub.sessionHits.Load()
	if s, err := c.GetSession(context.Background(), requestWithCookie("")); err != nil || s != nil {
		t.Fatalf("expected no session without cookies, got %v, %v", s, err)
	}
	if stub.sessionHits.Load() != before {
		t.Fatalf("requests without cookies should not reach the server")
	}

	if _, err := c.GetSession(context.Background(), requestWithCookie("broken")); err == nil {
		t.Fatalf("expected error for failing session endpoint")
	}
}

func TestGetSessionCache(t *testing.T) {
	stub := newStubAuth(t)
	c := newTestClient(t, stub.srv.URL, func(cfg *Config) { cfg.SessionCacheTTL = time.Minute })
	now := time.Now()
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := c.GetSession(context.Background(), requestWithCookie("good")); err != nil {
			t.Fatalf("GetSession: %v", err)
		}
	}
	if got := stub.sessionHits.Load(); got != 1 {
		t.Fatalf("expected one session request, got %d", got)
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.GetSession(context.Background(), requestWithCookie("good")); err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got := stub.sessionHits.Load(); got != 2 {
		t.Fatalf("expected cache expiry to refetch, got %d requests", got)
	}
}

func TestGetProvidersCache(t *testing.T) {
	stub := newStubAuth(t)
	c := newTestClient(t, stub.srv.URL, nil)
	now := time.Now()
	c.now = func() time.Time { return now }

	list, err := c.GetProviders(context.Background())
	if err != nil {
		t.Fatalf("GetProviders: %v", err)
	}
	if list["github"].SigninURL != "http://auth/api/auth/signin/github" {
		t.Fatalf("unexpected providers: %+v", list)
	}

	if _, err := c.GetProviders(context.Background()); err != nil {
		t.Fatalf("GetProviders: %v", err)
	}
	if got := stub.providersHits.Load(); got != 1 {
		t.Fatalf("expected cached providers, got %d requests", got)
	}

	now = now.Add(61 * time.Second)
	list, err = c.GetProviders(context.Background())
	if err != nil || list["github"].Name != "GitHub" {
		t.Fatalf("revalidated providers: %+v, %v", list, err)
	}
	if got := stub.providersHits.Load(); got != 2 {
		t.Fatalf("expected revalidation request, got %d", got)
	}
}

func TestGetCSRFToken(t *testing.T) {
	stub := newStubAuth(t)
	c := newTestClient(t, stub.srv.URL, nil)

	token, cookies, err := c.GetCSRFToken(context.Background())
	if err != nil || token != "abc" {
		t.Fatalf("unexpected token %q, %v", token, err)
	}
	if len(cookies) != 1 || cookies[0].Name != "next-auth.csrf-token" {
		t.Fatalf("expected csrf cookie, got %v", cookies)
	}
}

func TestLocalSession(t *testing.T) {
	token, err := jwt.Encode(jwt.Claims{"sub": "u1", "name": "Alice", "email": "alice@example.com"}, "shared-secret")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	c := newTestClient(t, "https://auth.example.com", func(cfg *Config) {
		cfg.Secret = "shared-secret"
		cfg.CookieName = "next-auth.session-token"
	})
	s, err := c.GetSession(context.Background(), requestWithCookie(token))
	if err != nil || s == nil {
		t.Fatalf("expected local session, got %v, %v", s, err)
	}
	if s.User.ID != "u1" || s.User.Email != "alice@example.com" || s.Expires.Before(time.Now()) {
		t.Fatalf("unexpected session %+v", s)
	}

	other := newTestClient(t, "https://auth.example.com", func(cfg *Config) {
		cfg.Secret = "another-secret"
		cfg.CookieName = "next-auth.session-token"
	})
	if s, err := other.GetSession(context.Background(), requestWithCookie(token)); err != nil || s != nil {
		t.Fatalf("token under a different secret must be ignored, got %v, %v", s, err)
	}
}

func TestSecureCookieNameDefault(t *testing.T) {
	c := newTestClient(t, "https://auth.example.com", nil)
	if c.cfg.CookieName != "__Secure-next-auth.session-token" {
		t.Fatalf("unexpected cookie name %q", c.cfg.CookieName)
	}
}

func TestRequireSession(t *testing.T) {
	stub := newStubAuth(t)
	c := newTestClient(t, stub.srv.URL, nil)

	var seen *Session
	protected := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	h := RequireSession(c, RequireOptions{})(protected)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, requestWithCookie(""))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, requestWithCookie("broken"))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on lookup failure, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, requestWithCookie("good"))
	if rec.Code != http.StatusNoContent || seen == nil || seen.User.Name != "Alice" {
		t.Fatalf("expected session in context, got %d %+v", rec.Code, seen)
	}

	redirecting := RequireSession(c, RequireOptions{RedirectToSignIn: true, PublicURL: "https://app.example.com"})(protected)
	rec = httptest.NewRecorder()
	redirecting.ServeHTTP(rec, requestWithCookie(""))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	want := stub.srv.URL + "/api/auth/signin?callbackUrl=" + url.QueryEscape("https://app.example.com/dashboard?tab=1")
	if loc := rec.Header().Get("Location"); loc != want {
		t.Fatalf("redirect mismatch: got %q want %q", loc, want)
	}

	post := httptest.NewRequest(http.MethodPost, "http://app.local/dashboard", strings.NewReader(""))
	rec = httptest.NewRecorder()
	redirecting.ServeHTTP(rec, post)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("non-GET requests should get 401, got %d", rec.Code)
	}
}

func TestDecodeSession(t *testing.T) {
	s, err := decodeSession(strings.NewReader(`{"user":{"email":"a@b.c"},"expires":"2030-01-02T03:04:05Z","role":"admin"}`))
	if err != nil {
		t.Fatalf("decodeSession: %v", err)
	}
	if s.User.Email != "a@b.c" || s.Expires.Year() != 2030 || s.Raw["role"] != "admin" {
		t.Fatalf("unexpected session: %+v", s)
	}

	if s, err := decodeSession(strings.NewReader(`{}`)); err != nil || s != nil {
		t.Fatalf("empty body should mean no session, got %+v %v", s, err)
	}
	for _, body := range []string{`{"expires":"soon"}`, `{"user":"alice"}`, `not json`} {
		if _, err := decodeSession(strings.NewReader(body)); err == nil {
			t.Fatalf("expected error for %s", body)
		}
	}
}
