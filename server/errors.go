package server

import (
	"errors"
	"net/http"
)

var (
	// ErrConfiguration marks a dispatcher that cannot run with its options.
	ErrConfiguration = errors.New("invalid auth configuration")
	// ErrCSRFMismatch is returned when a POST carries no matching csrfToken.
	ErrCSRFMismatch = errors.New("csrf token mismatch")
	// ErrStateMismatch is returned when the OAuth state check fails.
	ErrStateMismatch = errors.New("oauth state mismatch")
	// ErrUnknownAction is returned for paths outside the supported actions.
	ErrUnknownAction = errors.New("unknown auth action")
	// ErrUnknownProvider is returned when no provider has the requested id.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrProvider wraps failures talking to an upstream provider.
	ErrProvider = errors.New("provider error")
	// ErrAdapter wraps persistence failures.
	ErrAdapter = errors.New("adapter error")
	// ErrAccountNotLinked is returned when an OAuth identity's email belongs
	// to a user that signed in through a different provider.
	ErrAccountNotLinked = errors.New("account not linked")
)

// Error codes carried in the error page query string.
const (
	CodeConfiguration         = "Configuration"
	CodeMissingCSRF           = "MissingCSRF"
	CodeCredentialsSignin     = "CredentialsSignin"
	CodeOAuthSignin           = "OAuthSignin"
	CodeOAuthCallback         = "OAuthCallback"
	CodeOAuthAccountNotLinked = "OAuthAccountNotLinked"
	CodeState                 = "State"
	CodeVerification          = "Verification"
	CodeAccessDenied          = "AccessDenied"
	CodeAdapterError          = "AdapterError"
	CodeEmailSignin           = "EmailSignin"
)

// errorStatus is the status used when the error page is served as JSON.
func errorStatus(code string) int {
	switch code {
	case CodeConfiguration:
		return http.StatusInternalServerError
	case CodeAccessDenied, CodeVerification:
		return http.StatusForbidden
	default:
		return http.StatusOK
	}
}
