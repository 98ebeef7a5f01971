package server

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"authflow/cookie"
	"authflow/httpadapt"
	"authflow/jwt"
)

const checkMaxAge = 15 * time.Minute

// csrf returns the request's CSRF token, whether a POST proved knowledge of
// it, and a cookie value to issue when the stored one is absent or forged.
// The cookie holds "token|sha256(token+secret)".
func (d *Dispatcher) csrf(req *httpadapt.Request) (token string, verified bool, issue string) {
	if raw := req.Cookies[d.cookies.CSRFToken.Name]; raw != "" {
		if t, hash, ok := strings.Cut(raw, "|"); ok && t != "" {
			if subtle.ConstantTimeCompare([]byte(hash), []byte(d.hashWithSecret(t))) == 1 {
				body := req.Body["csrfToken"]
				verified = req.Method == http.MethodPost &&
					subtle.ConstantTimeCompare([]byte(body), []byte(t)) == 1
				return t, verified, ""
			}
		}
	}
	token = randomToken(32)
	return token, false, token + "|" + d.hashWithSecret(token)
}

func (d *Dispatcher) hashWithSecret(v string) string {
	sum := sha256.Sum256([]byte(v + d.opts.Secret))
	return hex.EncodeToString(sum[:])
}

// checkCookie returns the cookie descriptor backing an OAuth check.
func (d *Dispatcher) checkCookie(check string) cookie.Cookie {
	switch check {
	case CheckPKCE:
		return d.cookies.PKCECodeVerifier
	case CheckNonce:
		return d.cookies.Nonce
	default:
		return d.cookies.State
	}
}

// createCheck generates the value for an OAuth check and queues it as an
// encrypted short-lived cookie.
func (d *Dispatcher) createCheck(res *httpadapt.Response, check string) (string, error) {
	value := randomToken(32)
	if check == CheckPKCE {
		value = oauth2.GenerateVerifier()
	}
	sealed, err := jwt.Encode(jwt.Claims{"value": value}, d.opts.Secret,
		jwt.WithEncryption(true), jwt.WithMaxAge(checkMaxAge), jwt.WithClock(d.now))
	if err != nil {
		return "", fmt.Errorf("seal %s cookie: %w", check, err)
	}
	c := d.checkCookie(check)
	opts := c.Options
	opts.MaxAge = int(checkMaxAge.Seconds())
	if err := cookie.Set(res, c.Name, sealed, opts); err != nil {
		return "", err
	}
	return value, nil
}

// useCheck reads and clears a check cookie. An empty value means the cookie
// was missing, expired or forged.
func (d *Dispatcher) useCheck(f *flow, check string) (string, error) {
	c := d.checkCookie(check)
	raw := f.req.Cookies[c.Name]
	if raw == "" {
		return "", nil
	}
	if err := cookie.Expire(f.res, c); err != nil {
		return "", err
	}
	claims, err := jwt.Decode(raw, d.opts.Secret, jwt.WithEncryption(true), jwt.WithClock(d.now))
	if err != nil {
		d.logger.Debug("check cookie rejected", "check", check, "error", err)
		return "", nil
	}
	return claims.String("value"), nil
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}
