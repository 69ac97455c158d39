// Package store defines the persistence records and the narrow query surface
// the chat core consumes. Lookups report not-found as a nil record with a nil
// error; any non-nil error is a real failure and is wrapped in
// *PersistenceError by implementations.
//
// Implementations
//
//	sqlite     : modernc.org/sqlite with embedded migrations
//	rediscache : cache-aside decorator for session and user lookups
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPersistence matches any *PersistenceError.
var ErrPersistence = errors.New("store: persistence failure")

// PersistenceError wraps a failed store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Wrap returns err wrapped as a *PersistenceError for op, or nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// Session is a login session. The session uid is what credentials carry.
type Session struct {
	ID          int64      `json:"id"`
	UID         string     `json:"uid"`
	UserID      int64      `json:"userId"`
	Label       string     `json:"label"`
	Description string     `json:"description"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	LastUsedAt  time.Time  `json:"lastUsedAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool { return !s.ExpiresAt.After(now) }

// Deleted reports whether the session was soft-deleted.
func (s *Session) Deleted() bool { return s.DeletedAt != nil }

type User struct {
	ID          int64      `json:"id"`
	UID         string     `json:"uid"`
	Email       string     `json:"email"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Deleted reports whether the user was soft-deleted.
func (u *User) Deleted() bool { return u.DeletedAt != nil }

// Profile is the room-facing identity of a user.
type Profile struct {
	ID        int64     `json:"id"`
	UID       string    `json:"uid"`
	UserID    int64     `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Room struct {
	ID        int64     `json:"id"`
	UID       string    `json:"uid"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// MemberStatus is the membership state of a profile in a room.
type MemberStatus string

const (
	MemberActive    MemberStatus = "active"
	MemberBanned    MemberStatus = "banned"
	MemberSuspended MemberStatus = "suspended"
)

type RoomMember struct {
	ID        int64        `json:"id"`
	UID       string       `json:"uid"`
	RoomID    int64        `json:"roomId"`
	ProfileID int64        `json:"profileId"`
	Status    MemberStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
}

// ChatMessage is the durable record of a chat message. Its JSON form is the
// payload carried on the broker.
type ChatMessage struct {
	ID        int64     `json:"id"`
	UID       string    `json:"uid"`
	RoomID    int64     `json:"roomId"`
	RoomUID   string    `json:"roomUid"`
	ProfileID int64     `json:"profileId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionStore resolves the records behind credentials.
type SessionStore interface {
	GetSession(ctx context.Context, uid string) (*Session, error)
	GetUser(ctx context.Context, uid string) (*User, error)
}

// RoomStore answers room membership queries.
type RoomStore interface {
	GetRoom(ctx context.Context, uid string) (*Room, error)
	GetRoomMember(ctx context.Context, roomID, profileID int64) (*RoomMember, error)
}

// ProfileStore reads and creates profiles.
type ProfileStore interface {
	GetProfileByUser(ctx context.Context, userID int64) (*Profile, error)
	// InsertProfile creates a profile for p.UserID, or returns the existing
	// one when the user already has a profile.
	InsertProfile(ctx context.Context, p Profile) (*Profile, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	// InsertChatMessage stores msg and returns it with its id assigned. An
	// empty UID or zero CreatedAt is filled in.
	InsertChatMessage(ctx context.Context, msg ChatMessage) (*ChatMessage, error)
}

// Store is the full persistence surface.
type Store interface {
	SessionStore
	RoomStore
	ProfileStore
	MessageStore
}
