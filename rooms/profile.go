package rooms

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/CGuiho/nante40-core/store"
)

// ProfileResolver maps a user to its room-facing profile.
type ProfileResolver struct {
	store store.ProfileStore
	log   *slog.Logger
}

// NewProfileResolver creates a resolver. A nil logger discards.
func NewProfileResolver(s store.ProfileStore, log *slog.Logger) *ProfileResolver {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ProfileResolver{store: s, log: log}
}

// Resolve returns the profile of user, creating it on first use.
func (r *ProfileResolver) Resolve(ctx context.Context, user *store.User) (*store.Profile, error) {
	if user == nil {
		return nil, errors.New("rooms: nil user")
	}
	p, err := r.store.GetProfileByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}

	r.log.InfoContext(ctx, "rooms.profile.create", slog.String("user", user.UID))
	p, err = r.store.InsertProfile(ctx, store.Profile{UserID: user.ID})
	if err != nil {
		return nil, err
	}
	return p, nil
}
