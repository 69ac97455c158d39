// Package rooms decides whether a profile may enter a room.
//
// The checks run in a fixed order and the first failing one decides:
//
//	room exists        -> RoomNotFound  /room/<uid>/404
//	member row exists  -> NotAMember    /room/<uid>/join
//	not banned         -> Banned        /room/<uid>/banned
//	not suspended      -> Suspended     /room/<uid>/suspended
//	                      Authorized
package rooms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"

	"github.com/CGuiho/nante40-core/store"
)

// ErrForbidden matches every *AuthorizationError.
var ErrForbidden = errors.New("forbidden")

// Kind is the outcome of an authorization check.
type Kind int

const (
	// Undecided is the zero value, returned alongside errors.
	Undecided Kind = iota
	Authorized
	RoomNotFound
	NotAMember
	Banned
	Suspended
)

func (k Kind) String() string {
	switch k {
	case Undecided:
		return "undecided"
	case Authorized:
		return "authorized"
	case RoomNotFound:
		return "room-not-found"
	case NotAMember:
		return "not-a-member"
	case Banned:
		return "banned"
	case Suspended:
		return "suspended"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) redirectSuffix() string {
	switch k {
	case RoomNotFound:
		return "404"
	case NotAMember:
		return "join"
	case Banned:
		return "banned"
	case Suspended:
		return "suspended"
	}
	return ""
}

// AuthorizationError describes a denied room entry.
type AuthorizationError struct {
	RoomUID  string
	Reason   Kind
	Redirect string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("forbidden: room %s: %s", e.RoomUID, e.Reason)
}

func (e *AuthorizationError) Is(target error) bool { return target == ErrForbidden }

// Decision is the result of Authorize. Room and Member are set when Kind is
// Authorized; Err and Redirect are set otherwise.
type Decision struct {
	Kind     Kind
	Room     *store.Room
	Member   *store.RoomMember
	Redirect string
	Err      *AuthorizationError
}

// Authorized reports whether entry is allowed.
func (d Decision) Authorized() bool { return d.Kind == Authorized }

// RedirectPath returns the page a denied user is sent to.
func RedirectPath(roomUID string, k Kind) string {
	suffix := k.redirectSuffix()
	if suffix == "" {
		return ""
	}
	return "/room/" + url.PathEscape(roomUID) + "/" + suffix
}

func deny(roomUID string, k Kind) Decision {
	redirect := RedirectPath(roomUID, k)
	return Decision{
		Kind:     k,
		Redirect: redirect,
		Err:      &AuthorizationError{RoomUID: roomUID, Reason: k, Redirect: redirect},
	}
}

// Authorizer checks room membership.
type Authorizer struct {
	store store.RoomStore
	log   *slog.Logger
}

// NewAuthorizer creates an Authorizer. A nil logger discards.
func NewAuthorizer(s store.RoomStore, log *slog.Logger) *Authorizer {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Authorizer{store: s, log: log}
}

// Authorize decides whether profile may enter the room identified by roomUID.
// A store failure aborts with an error and no decision.
func (a *Authorizer) Authorize(ctx context.Context, roomUID string, profile *store.Profile) (Decision, error) {
	if profile == nil {
		return Decision{}, errors.New("rooms: nil profile")
	}

	room, err := a.store.GetRoom(ctx, roomUID)
	if err != nil {
		return Decision{}, err
	}
	if room == nil {
		a.log.WarnContext(ctx, "rooms.denied", slog.String("room", roomUID), slog.String("reason", RoomNotFound.String()))
		return deny(roomUID, RoomNotFound), nil
	}

	member, err := a.store.GetRoomMember(ctx, room.ID, profile.ID)
	if err != nil {
		return Decision{}, err
	}

	var kind Kind
	switch {
	case member == nil:
		kind = NotAMember
	case member.Status == store.MemberBanned:
		kind = Banned
	case member.Status == store.MemberSuspended:
		kind = Suspended
	default:
		return Decision{Kind: Authorized, Room: room, Member: member}, nil
	}
	a.log.WarnContext(ctx, "rooms.denied", slog.String("room", roomUID), slog.String("reason", kind.String()))
	return deny(roomUID, kind), nil
}
