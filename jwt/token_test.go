package jwt

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestGetTokenRequiresRequest(t *testing.T) {
	if _, err := GetToken(nil, GetTokenOptions{Secret: testSecret}); !errors.Is(err, ErrRequestRequired) {
		t.Fatalf("expected ErrRequestRequired, got %v", err)
	}
	if _, err := GetRawToken(nil, GetTokenOptions{}); !errors.Is(err, ErrRequestRequired) {
		t.Fatalf("expected ErrRequestRequired, got %v", err)
	}
}

func TestGetRawTokenFromCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "next-auth.session-token", Value: "raw-token-value"})

	raw, err := GetRawToken(req, GetTokenOptions{})
	if err != nil {
		t.Fatalf("GetRawToken returned error: %v", err)
	}
	if raw != "raw-token-value" {
		t.Fatalf("raw token mismatch: %q", raw)
	}
}

func TestGetTokenFromCookie(t *testing.T) {
	encoded, err := Encode(Claims{"sub": "u1"}, testSecret)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "next-auth.session-token", Value: encoded})

	claims, err := GetToken(req, GetTokenOptions{Secret: testSecret})
	if err != nil {
		t.Fatalf("GetToken returned error: %v", err)
	}
	if claims.Subject() != "u1" {
		t.Fatalf("unexpected subject: %q", claims.Subject())
	}
}

func TestGetTokenFromBearerHeader(t *testing.T) {
	encoded, _ := Encode(Claims{"sub": "user-123"}, testSecret, WithEncryption(true))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+url.QueryEscape(encoded))

	claims, err := GetToken(req, GetTokenOptions{Secret: testSecret, Encryption: true})
	if err != nil {
		t.Fatalf("GetToken returned error: %v", err)
	}
	if claims.Subject() != "user-123" {
		t.Fatalf("unexpected subject: %q", claims.Subject())
	}
}

func TestGetTokenCookieWinsOverHeader(t *testing.T) {
	fromCookie, _ := Encode(Claims{"sub": "cookie"}, testSecret)
	fromHeader, _ := Encode(Claims{"sub": "header"}, testSecret)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "next-auth.session-token", Value: fromCookie})
	req.Header.Set("Authorization", "Bearer "+fromHeader)

	claims, err := GetToken(req, GetTokenOptions{Secret: testSecret})
	if err != nil {
		t.Fatalf("GetToken returned error: %v", err)
	}
	if claims.Subject() != "cookie" {
		t.Fatalf("cookie should take priority, got %q", claims.Subject())
	}
}

func TestGetTokenInvalidIsNoToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "next-auth.session-token", Value: "invalid-token"})

	claims, err := GetToken(req, GetTokenOptions{Secret: testSecret})
	if err != nil {
		t.Fatalf("invalid token must not be an error: %v", err)
	}
	if claims != nil {
		t.Fatalf("expected no claims, got %v", claims)
	}
}

func TestGetTokenMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	claims, err := GetToken(req, GetTokenOptions{Secret: testSecret})
	if err != nil || claims != nil {
		t.Fatalf("expected no token, got %v, %v", claims, err)
	}
}

func TestGetTokenSecureCookieName(t *testing.T) {
	encoded, _ := Encode(Claims{"sub": "user-123"}, testSecret)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "__Secure-next-auth.session-token", Value: encoded})

	claims, err := GetToken(req, GetTokenOptions{Secret: testSecret, SecureCookie: true})
	if err != nil {
		t.Fatalf("GetToken returned error: %v", err)
	}
	if claims.Subject() != "user-123" {
		t.Fatalf("unexpected subject: %q", claims.Subject())
	}

	plain, _ := GetToken(req, GetTokenOptions{Secret: testSecret})
	if plain != nil {
		t.Fatalf("plain cookie name should not match secure cookie")
	}
}

func TestGetTokenWithoutSecretIsConfigurationFault(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "next-auth.session-token", Value: "anything"})
	if _, err := GetToken(req, GetTokenOptions{}); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}
