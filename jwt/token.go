package jwt

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"authflow/cookie"
)

// ErrRequestRequired is a configuration fault: GetToken was called without a
// request.
var ErrRequestRequired = errors.New("must pass request to GetToken")

// GetTokenOptions selects where the session token is read from and how it is
// verified.
type GetTokenOptions struct {
	Secret string
	// SecureCookie selects the __Secure- prefixed session cookie name.
	SecureCookie bool
	// CookieName overrides the session cookie name entirely.
	CookieName string
	Encryption bool
	Clock      func() time.Time
	Logger     *slog.Logger
}

func (o GetTokenOptions) cookieName() string {
	if o.CookieName != "" {
		return o.CookieName
	}
	return cookie.DefaultCookies(o.SecureCookie).SessionToken.Name
}

// GetRawToken returns the undecoded session token from the session cookie or,
// failing that, from an Authorization: Bearer header. It returns "" when
// neither is present.
func GetRawToken(r *http.Request, opts GetTokenOptions) (string, error) {
	if r == nil {
		return "", ErrRequestRequired
	}

	if c, err := r.Cookie(opts.cookieName()); err == nil && c.Value != "" {
		if v, err := url.PathUnescape(c.Value); err == nil {
			return v, nil
		}
		return c.Value, nil
	}

	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", nil
	}
	token, err := url.PathUnescape(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", nil
	}
	return token, nil
}

// GetToken locates and decodes the session token for r. A missing or invalid
// token is reported as nil claims without error; only configuration faults are
// returned as errors.
func GetToken(r *http.Request, opts GetTokenOptions) (Claims, error) {
	raw, err := GetRawToken(r, opts)
	if err != nil || raw == "" {
		return nil, err
	}

	claims, err := Decode(raw, opts.Secret, WithEncryption(opts.Encryption), WithClock(opts.Clock))
	if err != nil {
		if errors.Is(err, ErrMissingSecret) {
			return nil, err
		}
		opts.logger().Debug("session token rejected", "error", err)
		return nil, nil
	}
	return claims, nil
}

func (o GetTokenOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
