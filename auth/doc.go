// Package auth turns an incoming HTTP request into an authenticated identity.
//
// Credentials are an opaque pair of session uid and user uid. They travel
// either as a bearer token in the Authorization header or inside a signed
// session cookie:
//
//	Authorization: Bearer {"sessionUid":"...","userUid":"..."}
//	Cookie: x40-luisa=<compact JWS over the same JSON>
//
// The header is consulted first; a missing or malformed header falls back to
// the cookie. Cookie signatures are HMAC-SHA256 produced with the active key
// of a Keyring and verified against the active key and up to four previous
// keys, so keys rotate without logging everybody out. A Keyring can follow a
// JSON key file on disk and pick up rotations without a restart.
//
// # Authentication
//
// An Authenticator resolves credentials against a store.SessionStore:
//
//	id, err := authn.AuthenticateRequest(r)
//	var ae *auth.AuthenticationError
//	if errors.As(err, &ae) {
//	    // ae.Reason is ReasonMissing, ReasonExpired or ReasonDeleted
//	}
//
// Session and user lookups run concurrently. Session checks take precedence
// over user checks. Store failures are returned as-is and never reported as
// authentication failures.
//
// # Errors
//
// Every *AuthenticationError matches ErrUnauthorized via errors.Is. Challenge
// maps it to a 401 response with a Bearer WWW-Authenticate header.
package auth
