package client

import (
	"context"
	"net/http"
)

type sessionKey struct{}

// RequireOptions tunes RequireSession.
type RequireOptions struct {
	// RedirectToSignIn sends unauthenticated GET requests to the sign-in
	// page instead of answering 401.
	RedirectToSignIn bool
	// PublicURL is the externally visible origin of the protected service,
	// used to build the callback URL for the sign-in redirect.
	PublicURL string
}

// RequireSession rejects requests without a session and attaches the session
// to the request context otherwise.
func RequireSession(c *Client, opts RequireOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, err := c.GetSession(r.Context(), r)
			if err != nil {
				c.logger.Warn("session lookup failed", "path", r.URL.Path, "error", err)
				http.Error(w, "session lookup failed", http.StatusBadGateway)
				return
			}
			if s == nil {
				if opts.RedirectToSignIn && r.Method == http.MethodGet {
					http.Redirect(w, r, c.SignInURL(callbackFor(r, opts.PublicURL)), http.StatusFound)
					return
				}
				c.logger.Debug("request without session", "path", r.URL.Path)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, s)))
		})
	}
}

// SessionFromContext retrieves the session attached by RequireSession.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

func callbackFor(r *http.Request, publicURL string) string {
	if publicURL != "" {
		return publicURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
