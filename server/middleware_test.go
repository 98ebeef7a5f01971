package server

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSMiddleware(t *testing.T) {
	cfg := CORSConfig{
		ClientOriginURLs: []string{"https://app.example.com"},
		AllowedMethods:   DefaultCORSAllowedMethods,
		AllowedHeaders:   DefaultCORSAllowedHeaders,
	}
	h := CORSMiddleware(cfg)(okHandler())

	tests := []struct {
		name        string
		method      string
		origin      string
		preflight   bool
		wantStatus  int
		wantAllowed bool
	}{
		{name: "allowed_origin", method: http.MethodGet, origin: "https://app.example.com", wantStatus: http.StatusOK, wantAllowed: true},
		{name: "other_origin", method: http.MethodGet, origin: "https://evil.example.com", wantStatus: http.StatusOK},
		{name: "no_origin", method: http.MethodGet, wantStatus: http.StatusOK},
		{name: "preflight_allowed", method: http.MethodOptions, origin: "https://app.example.com", preflight: true, wantStatus: http.StatusNoContent, wantAllowed: true},
		{name: "preflight_denied", method: http.MethodOptions, origin: "https://evil.example.com", preflight: true, wantStatus: http.StatusForbidden},
		{name: "plain_options", method: http.MethodOptions, origin: "https://app.example.com", wantStatus: http.StatusOK, wantAllowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/auth/session", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status: got %d want %d", rec.Code, tt.wantStatus)
			}
			got := rec.Header().Get("Access-Control-Allow-Origin")
			if tt.wantAllowed {
				if got != tt.origin {
					t.Fatalf("allow-origin: got %q want %q", got, tt.origin)
				}
				if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
					t.Fatalf("expected credentials to be allowed")
				}
			} else if got != "" {
				t.Fatalf("unexpected allow-origin %q", got)
			}
		})
	}
}

func TestCORSWildcard(t *testing.T) {
	h := CORSMiddleware(CORSConfig{ClientOriginURLs: []string{"*"}})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("wildcard should echo origin, got %q", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc" || rec.Header().Get("X-Request-ID") != "abc" {
		t.Fatalf("expected inbound request id to be kept, got %q", seen)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 16 {
		t.Fatalf("expected generated request id, got %q", seen)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(discardLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	h := SecurityHeadersMiddleware(600)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS must not be sent over plain http")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("expected frame denial")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Strict-Transport-Security"); !strings.HasPrefix(got, "max-age=600") {
		t.Fatalf("unexpected HSTS header %q", got)
	}
}

func TestBodyLimitMiddleware(t *testing.T) {
	h := BodyLimitMiddleware(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
	req.ContentLength = 2 << 20
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestAuthRoute(t *testing.T) {
	tests := []struct {
		path, action, provider string
	}{
		{"/api/auth/session", "session", ""},
		{"/api/auth/callback/github", "callback", "github"},
		{"/api/authx/session", "", ""},
		{"/healthz", "", ""},
	}
	for _, tt := range tests {
		action, provider := authRoute("/api/auth", tt.path)
		if action != tt.action || provider != tt.provider {
			t.Fatalf("%s: got (%q, %q) want (%q, %q)", tt.path, action, provider, tt.action, tt.provider)
		}
	}
}
