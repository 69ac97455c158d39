package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	jose "github.com/go-jose/go-jose/v4"
)

const (
	// KeySize is the required length of every signing key.
	KeySize = 32
	// MaxPreviousKeys is how many retired keys still verify.
	MaxPreviousKeys = 4
)

var (
	ErrNoSigningKey    = errors.New("no active signing key")
	ErrUnknownKey      = errors.New("unknown signing key")
	ErrInvalidKeySize  = fmt.Errorf("signing keys must be %d bytes", KeySize)
	ErrTooManyPrevious = fmt.Errorf("at most %d previous signing keys", MaxPreviousKeys)
)

type signingKey struct {
	kid    string
	secret []byte
}

func newSigningKey(secret string) (signingKey, error) {
	if len(secret) != KeySize {
		return signingKey{}, ErrInvalidKeySize
	}
	sum := sha256.Sum256([]byte(secret))
	return signingKey{kid: hex.EncodeToString(sum[:8]), secret: []byte(secret)}, nil
}

// Keyring holds the active HMAC key and the retired keys that still verify.
// It is safe for concurrent use; Rotate swaps the whole set atomically.
type Keyring struct {
	mu       sync.RWMutex
	active   signingKey
	previous []signingKey
}

// NewKeyring builds a keyring. Empty previous keys are skipped.
func NewKeyring(active string, previous ...string) (*Keyring, error) {
	k := &Keyring{}
	if err := k.Rotate(active, previous...); err != nil {
		return nil, err
	}
	return k, nil
}

// Rotate replaces the key set.
func (k *Keyring) Rotate(active string, previous ...string) error {
	a, err := newSigningKey(active)
	if err != nil {
		return fmt.Errorf("active key: %w", err)
	}
	var prev []signingKey
	for i, p := range previous {
		if p == "" {
			continue
		}
		sk, err := newSigningKey(p)
		if err != nil {
			return fmt.Errorf("previous key %d: %w", i, err)
		}
		prev = append(prev, sk)
	}
	if len(prev) > MaxPreviousKeys {
		return ErrTooManyPrevious
	}

	k.mu.Lock()
	k.active, k.previous = a, prev
	k.mu.Unlock()
	return nil
}

// ActiveKID returns the key id of the signing key.
func (k *Keyring) ActiveKID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active.kid
}

func (k *Keyring) lookup(kid string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.active.kid == kid && k.active.secret != nil {
		return k.active.secret, true
	}
	for _, p := range k.previous {
		if p.kid == kid {
			return p.secret, true
		}
	}
	return nil, false
}

// Sign returns a compact JWS for payload using the active key.
func (k *Keyring) Sign(payload []byte) (string, error) {
	k.mu.RLock()
	active := k.active
	k.mu.RUnlock()
	if active.secret == nil {
		return "", ErrNoSigningKey
	}

	opts := (&jose.SignerOptions{}).WithHeader("kid", active.kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: active.secret}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize jws: %w", err)
	}
	return compact, nil
}

// Verify parses and verifies a compact JWS signed by any key in the ring and
// returns its payload.
func (k *Keyring) Verify(token string) ([]byte, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("failed to parse jws: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("unexpected signatures: %d", len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID
	secret, ok := k.lookup(kid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	payload, err := jws.Verify(secret)
	if err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}
	return payload, nil
}
