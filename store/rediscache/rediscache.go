// Package rediscache decorates a store.Store with a Redis cache-aside layer
// for session and user lookups, which run on every authenticated request.
// Concurrent misses for the same key are collapsed with singleflight.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/CGuiho/nante40-core/store"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultKeyPrefix = "nante40:cache:"
	DefaultMinTTL    = 10 * time.Minute
	DefaultMaxTTL    = 15 * time.Minute
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for cache failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(p string) Option {
	return func(s *Store) {
		if p != "" {
			s.prefix = p
		}
	}
}

// WithTTL sets the range entries expire in; each entry picks a uniformly
// random TTL in [min, max].
func WithTTL(min, max time.Duration) Option {
	return func(s *Store) {
		if min > 0 && max >= min {
			s.minTTL, s.maxTTL = min, max
		}
	}
}

// Store caches GetSession and GetUser of the wrapped store. Every other
// method goes straight through.
type Store struct {
	store.Store

	client *redis.Client
	log    *slog.Logger
	prefix string
	minTTL time.Duration
	maxTTL time.Duration
	group  singleflight.Group
}

// New wraps inner with a cache held in client.
func New(inner store.Store, client *redis.Client, opts ...Option) (*Store, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner store is required")
	}
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	s := &Store{
		Store:  inner,
		client: client,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		prefix: DefaultKeyPrefix,
		minTTL: DefaultMinTTL,
		maxTTL: DefaultMaxTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) sessionKey(uid string) string { return s.prefix + "session:" + uid }
func (s *Store) userKey(uid string) string    { return s.prefix + "user:" + uid }

func (s *Store) ttl() time.Duration {
	if s.maxTTL == s.minTTL {
		return s.minTTL
	}
	return s.minTTL + rand.N(s.maxTTL-s.minTTL+1)
}

// GetSession implements store.SessionStore.
func (s *Store) GetSession(ctx context.Context, uid string) (*store.Session, error) {
	return cached(ctx, s, s.sessionKey(uid), func() (*store.Session, error) {
		return s.Store.GetSession(ctx, uid)
	})
}

// GetUser implements store.SessionStore.
func (s *Store) GetUser(ctx context.Context, uid string) (*store.User, error) {
	return cached(ctx, s, s.userKey(uid), func() (*store.User, error) {
		return s.Store.GetUser(ctx, uid)
	})
}

// InvalidateSession drops the cached session so the next lookup reads
// through. Call it after revoking a session.
func (s *Store) InvalidateSession(ctx context.Context, uid string) error {
	if err := s.client.Del(ctx, s.sessionKey(uid)).Err(); err != nil {
		return fmt.Errorf("invalidate session %s: %w", uid, err)
	}
	return nil
}

// InvalidateUser drops the cached user.
func (s *Store) InvalidateUser(ctx context.Context, uid string) error {
	if err := s.client.Del(ctx, s.userKey(uid)).Err(); err != nil {
		return fmt.Errorf("invalidate user %s: %w", uid, err)
	}
	return nil
}

// cached implements cache-aside for one key. Cache failures are logged and
// never fail the lookup. Not-found results are not cached.
func cached[T any](ctx context.Context, s *Store, key string, load func() (*T, error)) (*T, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var v T
		jerr := json.Unmarshal(raw, &v)
		if jerr == nil {
			return &v, nil
		}
		s.log.Warn("rediscache.decode", slog.String("key", key), slog.String("err", jerr.Error()))
	case err != redis.Nil:
		s.log.Warn("rediscache.get", slog.String("key", key), slog.String("err", err.Error()))
	}

	val, err, _ := s.group.Do(key, func() (any, error) {
		return load()
	})
	if err != nil {
		return nil, err
	}
	v, _ := val.(*T)
	if v == nil {
		return nil, nil
	}

	if data, jerr := json.Marshal(v); jerr == nil {
		if serr := s.client.Set(ctx, key, data, s.ttl()).Err(); serr != nil {
			s.log.Warn("rediscache.set", slog.String("key", key), slog.String("err", serr.Error()))
		}
	}
	return v, nil
}

var _ store.Store = (*Store)(nil)
