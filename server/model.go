package server

import (
	"time"

	"authflow/adapters"
	"authflow/jwt"
)

// Profile is the normalised identity returned by an upstream provider.
type Profile struct {
	ID    string
	Name  string
	Email string
	Image string
	Raw   map[string]any
}

// User converts the profile into an adapter user keyed by the provider id.
func (p Profile) User() adapters.User {
	return adapters.User{ID: p.ID, Name: p.Name, Email: p.Email, Image: p.Image}
}

// SessionUser is the user view exposed by the session endpoint.
type SessionUser struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Image string `json:"image,omitempty"`
}

// userFromClaims reads the standard session claims back into a user.
func userFromClaims(c jwt.Claims) adapters.User {
	return adapters.User{
		ID:    c.Subject(),
		Name:  c.String("name"),
		Email: c.String("email"),
		Image: c.String("picture"),
	}
}

// defaultClaims is the token body written for a freshly signed-in user.
func defaultClaims(u adapters.User) jwt.Claims {
	claims := jwt.Claims{"sub": u.ID}
	if u.Name != "" {
		claims["name"] = u.Name
	}
	if u.Email != "" {
		claims["email"] = u.Email
	}
	if u.Image != "" {
		claims["picture"] = u.Image
	}
	return claims
}

func defaultSession(u adapters.User, expires time.Time) map[string]any {
	return map[string]any{
		"user":    SessionUser{Name: u.Name, Email: u.Email, Image: u.Image},
		"expires": expires.UTC().Format(time.RFC3339),
	}
}
