package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxSessionUIDLength bounds the session uid carried in credentials.
const MaxSessionUIDLength = 999

// ErrInvalidCredentials is returned by Serialize for out-of-range fields.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Credentials identify a session and its user. They are opaque outside this
// package.
type Credentials struct {
	SessionUID string `json:"sessionUid"`
	UserUID    string `json:"userUid"`
}

func (c *Credentials) validate() error {
	if c == nil {
		return ErrInvalidCredentials
	}
	n := utf8.RuneCountInString(c.SessionUID)
	if n < 1 || n > MaxSessionUIDLength {
		return fmt.Errorf("%w: sessionUid length %d", ErrInvalidCredentials, n)
	}
	if c.UserUID == "" {
		return fmt.Errorf("%w: empty userUid", ErrInvalidCredentials)
	}
	return nil
}

// Serialize encodes the credentials to their wire form.
func (c *Credentials) Serialize() (string, error) {
	if err := c.validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	return string(b), nil
}

// AuthorizationHeader returns the Authorization header value carrying c.
func (c *Credentials) AuthorizationHeader() (string, error) {
	s, err := c.Serialize()
	if err != nil {
		return "", err
	}
	return "Bearer " + s, nil
}

// ParseCredentials decodes the wire form. Any malformed input yields false.
func ParseCredentials(raw string) (*Credentials, bool) {
	var c Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, false
	}
	if err := c.validate(); err != nil {
		return nil, false
	}
	return &c, true
}
