package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"authflow/adapters"
	"authflow/cookie"
	"authflow/jwt"
)

// handleSession returns the current session and slides its expiry. Anything
// that does not resolve to a live session answers {} and clears the cookie.
func (d *Dispatcher) handleSession(ctx context.Context, f *flow) error {
	raw := f.req.Cookies[d.cookies.SessionToken.Name]
	if raw == "" {
		f.res.JSON(map[string]any{})
		return nil
	}

	var update map[string]any
	if f.req.Method == http.MethodPost {
		if !f.csrfOK {
			f.res.Status(http.StatusForbidden).JSON(map[string]string{"error": CodeMissingCSRF})
			return nil
		}
		if data := f.req.Body["data"]; data != "" {
			if err := json.Unmarshal([]byte(data), &update); err != nil {
				f.res.Status(http.StatusBadRequest).JSON(map[string]string{"error": "invalid session data"})
				return nil
			}
		}
	}

	if d.opts.Strategy == StrategyDatabase {
		return d.databaseSession(ctx, f, raw)
	}
	return d.jwtSession(ctx, f, raw, update)
}

func (d *Dispatcher) jwtSession(ctx context.Context, f *flow, raw string, update map[string]any) error {
	claims, err := jwt.Decode(raw, d.opts.Secret, jwt.WithEncryption(d.opts.Encryption), jwt.WithClock(d.now))
	if err != nil || claims == nil {
		d.logger.Debug("session token rejected", "error", err)
		f.res.JSON(map[string]any{})
		return cookie.Expire(f.res, d.cookies.SessionToken)
	}

	params := JWTParams{Token: claims}
	if update != nil {
		params.Trigger = "update"
		params.Session = update
	}
	token, err := d.opts.Callbacks.jwt(ctx, params)
	if err != nil || token == nil {
		d.logger.Warn("jwt callback rejected session", "error", err)
		f.res.JSON(map[string]any{})
		return cookie.Expire(f.res, d.cookies.SessionToken)
	}

	expires := d.now().Add(d.opts.MaxAge)
	session, err := d.opts.Callbacks.session(ctx, SessionParams{
		Session: defaultSession(userFromClaims(token), expires),
		Token:   token,
	})
	if err != nil {
		d.logger.Warn("session callback failed", "error", err)
		f.res.JSON(map[string]any{})
		return nil
	}

	if err := d.writeSessionToken(f, token, expires); err != nil {
		return err
	}
	f.res.JSON(session)
	return nil
}

func (d *Dispatcher) databaseSession(ctx context.Context, f *flow, sessionToken string) error {
	sess, user, err := d.opts.Adapter.GetSessionAndUser(ctx, sessionToken)
	if err != nil {
		if !errors.Is(err, adapters.ErrNotFound) {
			d.logger.Error("session lookup failed", "error", err)
		}
		f.res.JSON(map[string]any{})
		return cookie.Expire(f.res, d.cookies.SessionToken)
	}

	now := d.now()
	if !sess.Expires.After(now) {
		if err := d.opts.Adapter.DeleteSession(ctx, sessionToken); err != nil {
			d.logger.Error("delete expired session failed", "error", err)
		}
		f.res.JSON(map[string]any{})
		return cookie.Expire(f.res, d.cookies.SessionToken)
	}

	// Extend at most once per UpdateAge.
	if sess.Expires.Add(-d.opts.MaxAge).Add(d.opts.UpdateAge).Before(now) {
		sess.Expires = now.Add(d.opts.MaxAge)
		if _, err := d.opts.Adapter.UpdateSession(ctx, sess); err != nil {
			d.logger.Error("extend session failed", "error", err)
		}
	}

	session, err := d.opts.Callbacks.session(ctx, SessionParams{
		Session: defaultSession(user, sess.Expires),
		User:    &user,
	})
	if err != nil {
		d.logger.Warn("session callback failed", "error", err)
		f.res.JSON(map[string]any{})
		return nil
	}

	if err := d.setSessionCookie(f, sess.SessionToken, sess.Expires); err != nil {
		return err
	}
	f.res.JSON(session)
	return nil
}

// establishSession persists the signed-in user with the configured strategy
// and queues the session cookie.
func (d *Dispatcher) establishSession(ctx context.Context, f *flow, user adapters.User, account *adapters.Account, profile *Profile, isNewUser bool) error {
	expires := d.now().Add(d.opts.MaxAge)

	if d.opts.Strategy == StrategyDatabase {
		sess, err := d.opts.Adapter.CreateSession(ctx, adapters.Session{
			SessionToken: adapters.NewID(),
			UserID:       user.ID,
			Expires:      expires,
		})
		if err != nil {
			return fmt.Errorf("%w: create session: %w", ErrAdapter, err)
		}
		if err := d.setSessionCookie(f, sess.SessionToken, expires); err != nil {
			return err
		}
	} else {
		trigger := "signIn"
		if isNewUser {
			trigger = "signUp"
		}
		token, err := d.opts.Callbacks.jwt(ctx, JWTParams{
			Token:     defaultClaims(user),
			User:      &user,
			Account:   account,
			Profile:   profile,
			IsNewUser: isNewUser,
			Trigger:   trigger,
		})
		if err != nil {
			return fmt.Errorf("jwt callback: %w", err)
		}
		if token == nil {
			return errors.New("jwt callback returned no token")
		}
		if err := d.writeSessionToken(f, token, expires); err != nil {
			return err
		}
	}

	d.metrics.recordSession(d.opts.Strategy)
	if d.opts.Events.SignIn != nil {
		d.opts.Events.SignIn(ctx, user, account, isNewUser)
	}
	return nil
}

func (d *Dispatcher) writeSessionToken(f *flow, token jwt.Claims, expires time.Time) error {
	encoded, err := jwt.Encode(token, d.opts.Secret,
		jwt.WithEncryption(d.opts.Encryption), jwt.WithMaxAge(d.opts.MaxAge), jwt.WithClock(d.now))
	if err != nil {
		return fmt.Errorf("encode session token: %w", err)
	}
	return d.setSessionCookie(f, encoded, expires)
}

func (d *Dispatcher) setSessionCookie(f *flow, value string, expires time.Time) error {
	opts := d.cookies.SessionToken.Options
	opts.Expires = expires
	return cookie.Set(f.res, d.cookies.SessionToken.Name, value, opts)
}

// handleSignOut clears the session. GET only reports what a POST needs.
func (d *Dispatcher) handleSignOut(ctx context.Context, f *flow) error {
	if f.req.Method != http.MethodPost {
		if d.opts.Pages.SignOut != "" {
			f.res.Redirect(d.pageURL(d.opts.Pages.SignOut, actionSignOut, queryParams(f.req, "callbackUrl")))
			return nil
		}
		f.res.JSON(map[string]string{"csrfToken": f.csrfToken, "url": d.actionURL(actionSignOut)})
		return nil
	}
	if !f.csrfOK {
		d.fail(f, CodeMissingCSRF, ErrCSRFMismatch)
		return nil
	}

	raw := f.req.Cookies[d.cookies.SessionToken.Name]
	userID := ""
	if raw != "" {
		if d.opts.Strategy == StrategyDatabase {
			if sess, _, err := d.opts.Adapter.GetSessionAndUser(ctx, raw); err == nil {
				userID = sess.UserID
			}
			if err := d.opts.Adapter.DeleteSession(ctx, raw); err != nil {
				d.logger.Error("delete session failed", "error", err)
			}
		} else if claims, err := jwt.Decode(raw, d.opts.Secret, jwt.WithEncryption(d.opts.Encryption), jwt.WithClock(d.now)); err == nil && claims != nil {
			userID = claims.Subject()
		}
	}
	if d.opts.Events.SignOut != nil && userID != "" {
		d.opts.Events.SignOut(ctx, userID)
	}

	if err := cookie.Expire(f.res, d.cookies.SessionToken); err != nil {
		return err
	}
	d.redirect(f, f.callbackURL)
	return nil
}

// CurrentUser resolves the signed-in user for an inbound request, or nil
// when there is no live session.
func (d *Dispatcher) CurrentUser(ctx context.Context, r *http.Request) (*adapters.User, error) {
	if d.opts.Strategy == StrategyDatabase {
		c, err := r.Cookie(d.cookies.SessionToken.Name)
		if err != nil || c.Value == "" {
			return nil, nil
		}
		token, err := url.PathUnescape(c.Value)
		if err != nil {
			return nil, nil
		}
		sess, user, err := d.opts.Adapter.GetSessionAndUser(ctx, token)
		if err != nil {
			if errors.Is(err, adapters.ErrNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: %w", ErrAdapter, err)
		}
		if !sess.Expires.After(d.now()) {
			return nil, nil
		}
		return &user, nil
	}

	claims, err := jwt.GetToken(r, d.TokenOptions())
	if err != nil || claims == nil {
		return nil, err
	}
	user := userFromClaims(claims)
	return &user, nil
}

// TokenOptions returns what jwt.GetToken needs to read this dispatcher's
// session cookies in JWT mode.
func (d *Dispatcher) TokenOptions() jwt.GetTokenOptions {
	return jwt.GetTokenOptions{
		Secret:     d.opts.Secret,
		CookieName: d.cookies.SessionToken.Name,
		Encryption: d.opts.Encryption,
		Clock:      d.now,
		Logger:     d.logger,
	}
}
