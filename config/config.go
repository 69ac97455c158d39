// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
)

// Mode is the deployment mode, GUIHO_APP_MODE.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeStage Mode = "stage"
	ModeProd  Mode = "prod"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeLocal, ModeStage, ModeProd:
		return true
	}
	return false
}

// Debug reports whether debug endpoints may be served in this mode.
func (m Mode) Debug() bool { return m == ModeLocal || m == ModeStage }

// SigningKeyLength is the exact length of every session signing key.
const SigningKeyLength = 32

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full process configuration. Defaults are provided via struct
// tags and populated by envdecode.
type Config struct {
	// Port the HTTP server listens on. ENV: PORT
	Port int `env:"PORT,default=3000"`
	// ENV: GUIHO_APP_MODE
	Mode Mode `env:"GUIHO_APP_MODE,default=local"`

	Valkey Valkey

	// DatabasePath of the sqlite file. ENV: DATABASE_PATH
	DatabasePath string `env:"DATABASE_PATH,default=data/nante40.db"`
	// CookieDomain for the session cookie outside local mode. ENV: COOKIE_DOMAIN
	CookieDomain string `env:"COOKIE_DOMAIN,default=guiho.co"`

	Session Session

	// AllowedOrigins for WebSocket upgrades, separated by ';'. Empty means
	// same-origin only. ENV: ALLOWED_ORIGINS
	AllowedOrigins []string `env:"ALLOWED_ORIGINS"`

	// ShutdownTimeout bounds graceful shutdown. ENV: SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
}

// Valkey holds broker and cache connection settings.
type Valkey struct {
	Host       string `env:"VALKEY_HOST,default=localhost"`
	Port       int    `env:"VALKEY_PORT,default=6379"`
	Password   string `env:"VALKEY_PASSWORD"`
	MaxRetries int    `env:"VALKEY_MAX_RETRIES,default=3"`
	// CacheDB selects the logical database used by the read-through cache.
	CacheDB int `env:"VALKEY_CACHE_DB,default=0"`
}

// Addr returns host:port.
func (v Valkey) Addr() string {
	return net.JoinHostPort(v.Host, strconv.Itoa(v.Port))
}

// Session holds cookie signing keys. Past keys verify cookies signed before
// the last rotation; empty ones are ignored.
type Session struct {
	SigningKey      string `env:"SESSION_SIGNING_KEY"`
	PastSigningKey0 string `env:"SESSION_PAST_SIGNING_KEY_0"`
	PastSigningKey1 string `env:"SESSION_PAST_SIGNING_KEY_1"`
	PastSigningKey2 string `env:"SESSION_PAST_SIGNING_KEY_2"`
	PastSigningKey3 string `env:"SESSION_PAST_SIGNING_KEY_3"`
	// KeyringFile, when set, is watched and overrides the keys above on change.
	KeyringFile string `env:"SESSION_KEYRING_FILE"`
}

// PastSigningKeys returns the configured past keys, skipping empty slots.
func (s Session) PastSigningKeys() []string {
	var out []string
	for _, k := range []string{s.PastSigningKey0, s.PastSigningKey1, s.PastSigningKey2, s.PastSigningKey3} {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: decode env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string { return ":" + strconv.Itoa(c.Port) }

// Validate checks ranges and key sizes.
func (c *Config) Validate() error {
	var errs []error
	if !c.Mode.Valid() {
		errs = append(errs, fmt.Errorf("GUIHO_APP_MODE %q must be one of local, stage, prod", c.Mode))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.Valkey.Port <= 0 || c.Valkey.Port > 65535 {
		errs = append(errs, fmt.Errorf("VALKEY_PORT %d out of range", c.Valkey.Port))
	}
	if c.Valkey.MaxRetries < 0 {
		errs = append(errs, errors.New("VALKEY_MAX_RETRIES must not be negative"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("DATABASE_PATH is required"))
	}
	if c.Session.KeyringFile == "" || c.Session.SigningKey != "" {
		if n := len(c.Session.SigningKey); n != SigningKeyLength {
			errs = append(errs, fmt.Errorf("SESSION_SIGNING_KEY must be %d bytes, got %d", SigningKeyLength, n))
		}
	}
	for i, k := range []string{c.Session.PastSigningKey0, c.Session.PastSigningKey1, c.Session.PastSigningKey2, c.Session.PastSigningKey3} {
		if k != "" && len(k) != SigningKeyLength {
			errs = append(errs, fmt.Errorf("SESSION_PAST_SIGNING_KEY_%d must be %d bytes", i, SigningKeyLength))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
