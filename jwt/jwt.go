// Package jwt issues and verifies the compact session tokens carried in the
// session cookie. Tokens are HS512-signed JWTs, optionally wrapped in a
// direct-key A256GCM JWE, with keys derived from a single shared secret.
package jwt

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// DefaultMaxAge is the session token lifetime used when none is configured.
const DefaultMaxAge = 30 * 24 * time.Hour

const (
	signingInfo    = "authflow generated signing key"
	encryptionInfo = "authflow generated encryption key"
)

var (
	// ErrTokenInvalid is returned for any token that fails decryption,
	// signature, algorithm or expiry checks.
	ErrTokenInvalid = errors.New("session token invalid")
	// ErrMissingSecret is a configuration fault: no key material supplied.
	ErrMissingSecret = errors.New("jwt secret required")
)

// Claims is the JSON object carried by a session token.
type Claims map[string]any

// Subject returns the sub claim.
func (c Claims) Subject() string { return c.String("sub") }

// String returns a string claim or "".
func (c Claims) String(key string) string {
	v, _ := c[key].(string)
	return v
}

// ExpiresAt returns the exp claim as a time, or the zero time.
func (c Claims) ExpiresAt() time.Time {
	switch v := c["exp"].(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case int64:
		return time.Unix(v, 0)
	case int:
		return time.Unix(int64(v), 0)
	}
	return time.Time{}
}

// Option customises Encode and Decode.
type Option func(*options)

type options struct {
	maxAge     time.Duration
	encryption bool
	now        func() time.Time
}

// WithMaxAge sets the token lifetime from issue time.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxAge = d
		}
	}
}

// WithEncryption wraps (or expects) the signed token in a JWE.
func WithEncryption(enabled bool) Option {
	return func(o *options) { o.encryption = enabled }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func newOptions(opts []Option) options {
	o := options{maxAge: DefaultMaxAge, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type keySet struct {
	signing    []byte
	encryption []byte
}

// deriveKeys expands the secret into independent signing and encryption keys.
// The same secret always yields the same keys.
func deriveKeys(secret string) (keySet, error) {
	signing := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(signingInfo)), signing); err != nil {
		return keySet{}, fmt.Errorf("derive signing key: %w", err)
	}
	encryption := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(encryptionInfo)), encryption); err != nil {
		return keySet{}, fmt.Errorf("derive encryption key: %w", err)
	}
	return keySet{signing: signing, encryption: encryption}, nil
}

// Encode signs claims into a compact token, attaching iat, exp and jti.
func Encode(claims Claims, secret string, opts ...Option) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	o := newOptions(opts)
	keys, err := deriveKeys(secret)
	if err != nil {
		return "", err
	}

	now := o.now()
	payload := make(jwt.MapClaims, len(claims)+3)
	for k, v := range claims {
		payload[k] = v
	}
	payload["iat"] = now.Unix()
	payload["exp"] = now.Add(o.maxAge).Unix()
	if _, ok := payload["jti"]; !ok {
		payload["jti"] = uuid.NewString()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, payload).SignedString(keys.signing)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	if !o.encryption {
		return signed, nil
	}

	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: keys.encryption},
		(&jose.EncrypterOptions{}).WithContentType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("create encrypter: %w", err)
	}
	obj, err := encrypter.Encrypt([]byte(signed))
	if err != nil {
		return "", fmt.Errorf("encrypt token: %w", err)
	}
	return obj.CompactSerialize()
}

// Decode verifies token and returns its claims. An empty token means "no
// session" and yields nil claims without error.
func Decode(token, secret string, opts ...Option) (Claims, error) {
	if token == "" {
		return nil, nil
	}
	if secret == "" {
		return nil, ErrMissingSecret
	}
	o := newOptions(opts)
	keys, err := deriveKeys(secret)
	if err != nil {
		return nil, err
	}

	signed := token
	if o.encryption {
		obj, err := jose.ParseEncrypted(token)
		if err != nil {
			return nil, fmt.Errorf("%w: parse jwe: %w", ErrTokenInvalid, err)
		}
		plain, err := obj.Decrypt(keys.encryption)
		if err != nil {
			return nil, fmt.Errorf("%w: decrypt: %w", ErrTokenInvalid, err)
		}
		signed = string(plain)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithTimeFunc(o.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	claims := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) {
		return keys.signing, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !tok.Valid {
		return nil, ErrTokenInvalid
	}
	return Claims(claims), nil
}
