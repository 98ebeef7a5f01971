package cookie

const (
	securePrefix = "__Secure-"
	hostPrefix   = "__Host-"
	namePrefix   = "next-auth"

	// checkMaxAge bounds the lifetime of the OAuth check cookies.
	checkMaxAge = 15 * 60
)

// Cookie pairs a cookie name with the options it is always written with.
type Cookie struct {
	Name    string
	Options Options
}

// Defaults is the cookie set used by the authentication flows.
type Defaults struct {
	SessionToken     Cookie
	CallbackURL      Cookie
	CSRFToken        Cookie
	PKCECodeVerifier Cookie
	State            Cookie
	Nonce            Cookie
}

// DefaultCookies returns the cookie set for a secure (HTTPS) or plain
// context. Secure contexts get the __Secure- prefix, and the CSRF cookie gets
// the stricter __Host- prefix.
func DefaultCookies(secure bool) Defaults {
	prefix := ""
	csrfPrefix := ""
	if secure {
		prefix = securePrefix
		csrfPrefix = hostPrefix
	}

	base := func(httpOnly bool) Options {
		return Options{
			HTTPOnly: httpOnly,
			SameSite: "lax",
			Path:     "/",
			Secure:   secure,
		}
	}
	short := func() Options {
		o := base(true)
		o.MaxAge = checkMaxAge
		return o
	}

	return Defaults{
		SessionToken: Cookie{
			Name:    prefix + namePrefix + ".session-token",
			Options: base(true),
		},
		CallbackURL: Cookie{
			Name:    prefix + namePrefix + ".callback-url",
			Options: base(false),
		},
		CSRFToken: Cookie{
			Name:    csrfPrefix + namePrefix + ".csrf-token",
			Options: base(true),
		},
		PKCECodeVerifier: Cookie{
			Name:    prefix + namePrefix + ".pkce.code_verifier",
			Options: short(),
		},
		State: Cookie{
			Name:    prefix + namePrefix + ".state",
			Options: short(),
		},
		Nonce: Cookie{
			Name:    prefix + namePrefix + ".nonce",
			Options: short(),
		},
	}
}
