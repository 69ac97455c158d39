package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/CGuiho/nante40-core/store"
	"golang.org/x/sync/errgroup"
)

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		if l != nil {
			a.log = l
		}
	}
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// Authenticator resolves credentials into an Identity.
type Authenticator struct {
	store store.SessionStore
	codec *Codec
	log   *slog.Logger
	now   func() time.Time
}

// NewAuthenticator creates an Authenticator. codec may be nil when only
// Authenticate is used.
func NewAuthenticator(s store.SessionStore, codec *Codec, opts ...Option) *Authenticator {
	a := &Authenticator{
		store: s,
		codec: codec,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate validates creds. Authentication failures are
// *AuthenticationError; any other error is a store failure.
func (a *Authenticator) Authenticate(ctx context.Context, creds *Credentials) (*Identity, error) {
	if creds == nil {
		return nil, unauthorized(ReasonMissing)
	}

	var (
		session *store.Session
		user    *store.User
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		session, err = a.store.GetSession(gctx, creds.SessionUID)
		return err
	})
	g.Go(func() error {
		var err error
		user, err = a.store.GetUser(gctx, creds.UserUID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	switch {
	case session == nil:
		return nil, unauthorized(ReasonMissing)
	case session.Deleted():
		return nil, unauthorized(ReasonDeleted)
	case session.Expired(a.now()):
		return nil, unauthorized(ReasonExpired)
	case user == nil:
		return nil, unauthorized(ReasonMissing)
	case user.Deleted():
		return nil, unauthorized(ReasonDeleted)
	}
	return &Identity{User: user, Session: session}, nil
}

// AuthenticateOptional is Authenticate for routes that also serve anonymous
// callers: an authentication failure yields a nil identity and nil error.
// Store failures are still returned.
func (a *Authenticator) AuthenticateOptional(ctx context.Context, creds *Credentials) (*Identity, error) {
	id, err := a.Authenticate(ctx, creds)
	if errors.Is(err, ErrUnauthorized) {
		return nil, nil
	}
	return id, err
}

// AuthenticateRequest extracts credentials from r and authenticates them.
func (a *Authenticator) AuthenticateRequest(r *http.Request) (*Identity, error) {
	var creds *Credentials
	if a.codec != nil {
		creds = a.codec.ExtractCredentials(r)
	}
	id, err := a.Authenticate(r.Context(), creds)
	if err != nil {
		var ae *AuthenticationError
		if errors.As(err, &ae) {
			a.log.WarnContext(r.Context(), "auth.rejected", slog.String("reason", string(ae.Reason)))
		} else {
			a.log.ErrorContext(r.Context(), "auth.store.failed", slog.String("err", err.Error()))
		}
		return nil, err
	}
	return id, nil
}

// Middleware rejects unauthenticated requests with a 401 challenge and stores
// the identity in the request context otherwise.
func (a *Authenticator) Middleware(realm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.AuthenticateRequest(r)
			if err != nil {
				if ch := Challenge(realm, err); ch != nil {
					ch.Write(w)
					return
				}
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by Middleware, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}
