package auth

import (
	"errors"
	"fmt"

	"github.com/CGuiho/nante40-core/store"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// Reason explains why authentication failed.
type Reason string

const (
	// ReasonMissing: no credentials, or the session or user record does not exist.
	ReasonMissing Reason = "missing"
	// ReasonExpired: the session's expiry is not in the future.
	ReasonExpired Reason = "expired"
	// ReasonDeleted: the session or the user was soft-deleted.
	ReasonDeleted Reason = "deleted"
)

// AuthenticationError is returned when credentials do not resolve to a live
// session and user.
type AuthenticationError struct {
	Reason Reason
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("unauthorized: credentials %s", e.Reason)
}

func (e *AuthenticationError) Is(target error) bool { return target == ErrUnauthorized }

func unauthorized(r Reason) error { return &AuthenticationError{Reason: r} }

// Identity is an authenticated principal.
type Identity struct {
	User    *store.User
	Session *store.Session
}
