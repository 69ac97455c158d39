package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// DefaultRealm is used in challenges when none is configured.
const DefaultRealm = "nante40"

// AuthenticationChallenge describes an HTTP challenge (status + WWW-Authenticate header).
type AuthenticationChallenge struct {
	Status          int
	WWWAuthenticate string
}

// NewInvalidTokenChallenge builds a challenge indicating the credentials are invalid.
func NewInvalidTokenChallenge(realm string, reason Reason) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q, error="invalid_token", error_description=%q`, realm, "credentials "+string(reason)),
	}
}

// Challenge maps an authentication failure to its HTTP challenge. It returns
// nil for errors that are not authentication failures.
func Challenge(realm string, err error) *AuthenticationChallenge {
	var ae *AuthenticationError
	if !errors.As(err, &ae) {
		return nil
	}
	if realm == "" {
		realm = DefaultRealm
	}
	return NewInvalidTokenChallenge(realm, ae.Reason)
}

// Write sends the challenge with a small JSON body.
func (c *AuthenticationChallenge) Write(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", c.WWWAuthenticate)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(c.Status)
	_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", http.StatusText(c.Status))
}
