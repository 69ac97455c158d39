package auth

import (
	"net/http"
	"strings"
	"time"
)

const (
	// SessionCookieName is the production cookie name. Other modes prefix it
	// with "<mode>--".
	SessionCookieName = "x40-luisa"
	// SessionDuration is the cookie lifetime.
	SessionDuration = 180 * 24 * time.Hour
	// DefaultCookieDomain is used outside local mode when none is configured.
	DefaultCookieDomain = "guiho.co"
)

// CookieConfig describes the session cookie.
type CookieConfig struct {
	Name   string
	Domain string
	Secure bool
	MaxAge time.Duration
}

// CookieConfigForMode returns the cookie settings for an app mode. Local mode
// drops Secure and Domain so the cookie works over plain http on localhost.
func CookieConfigForMode(mode, domain string) CookieConfig {
	name := SessionCookieName
	if mode != "prod" {
		name = mode + "--" + SessionCookieName
	}
	if domain == "" {
		domain = DefaultCookieDomain
	}
	cfg := CookieConfig{Name: name, MaxAge: SessionDuration}
	if mode != "local" {
		cfg.Secure = true
		cfg.Domain = domain
	}
	return cfg
}

// Codec reads and writes credentials on HTTP requests and responses.
type Codec struct {
	keys   *Keyring
	cookie CookieConfig
}

// NewCodec creates a codec signing cookies with keys.
func NewCodec(keys *Keyring, cookie CookieConfig) *Codec {
	if cookie.Name == "" {
		cookie.Name = SessionCookieName
	}
	if cookie.MaxAge == 0 {
		cookie.MaxAge = SessionDuration
	}
	return &Codec{keys: keys, cookie: cookie}
}

// CookieName returns the configured cookie name.
func (c *Codec) CookieName() string { return c.cookie.Name }

// ExtractCredentials returns the credentials carried by r, or nil. The
// Authorization header is tried first; when it is absent or does not parse,
// the session cookie is used.
func (c *Codec) ExtractCredentials(r *http.Request) *Credentials {
	if creds := c.fromAuthorizationHeader(r.Header.Get("Authorization")); creds != nil {
		return creds
	}
	return c.fromCookie(r)
}

// The token is the second space-separated field; the scheme is not checked.
func (c *Codec) fromAuthorizationHeader(h string) *Credentials {
	parts := strings.Split(h, " ")
	if len(parts) < 2 || parts[1] == "" {
		return nil
	}
	creds, ok := ParseCredentials(parts[1])
	if !ok {
		return nil
	}
	return creds
}

func (c *Codec) fromCookie(r *http.Request) *Credentials {
	ck, err := r.Cookie(c.cookie.Name)
	if err != nil || ck.Value == "" || c.keys == nil {
		return nil
	}
	payload, err := c.keys.Verify(ck.Value)
	if err != nil {
		return nil
	}
	creds, ok := ParseCredentials(string(payload))
	if !ok {
		return nil
	}
	return creds
}

func (c *Codec) baseCookie() *http.Cookie {
	return &http.Cookie{
		Name:     c.cookie.Name,
		Path:     "/",
		Domain:   c.cookie.Domain,
		Secure:   c.cookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// SessionCookie builds the signed cookie carrying creds.
func (c *Codec) SessionCookie(creds *Credentials) (*http.Cookie, error) {
	raw, err := creds.Serialize()
	if err != nil {
		return nil, err
	}
	if c.keys == nil {
		return nil, ErrNoSigningKey
	}
	value, err := c.keys.Sign([]byte(raw))
	if err != nil {
		return nil, err
	}
	ck := c.baseCookie()
	ck.Value = value
	ck.MaxAge = int(c.cookie.MaxAge / time.Second)
	return ck, nil
}

// SetCookie adds the Set-Cookie header for creds to w.
func (c *Codec) SetCookie(w http.ResponseWriter, creds *Credentials) error {
	ck, err := c.SessionCookie(creds)
	if err != nil {
		return err
	}
	http.SetCookie(w, ck)
	return nil
}

// ClearCookie adds a Set-Cookie header that removes the session cookie.
func (c *Codec) ClearCookie(w http.ResponseWriter) {
	ck := c.baseCookie()
	ck.MaxAge = -1
	http.SetCookie(w, ck)
}
